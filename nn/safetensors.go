package nn

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorInfo describes one entry of a safetensors header
type TensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file into a state dict
func LoadSafetensors(path string) (StateDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read safetensors: %w", err)
	}
	sd, err := DecodeSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sd, nil
}

// DecodeSafetensors parses safetensors bytes. F32, F64, F16 and BF16
// tensors are widened or narrowed to float32. Scalars and integer or bool
// tensors, such as batch-norm num_batches_tracked, are skipped as LoadTorch
// does.
func DecodeSafetensors(data []byte) (StateDict, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	body := data[8+headerSize:]
	sd := StateDict{}
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}

		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end < start || end > len(body) {
			return nil, fmt.Errorf("tensor %s: data offsets [%d, %d) out of bounds", name, start, end)
		}

		switch info.DType {
		case "I64", "I32", "I16", "I8", "U8", "BOOL":
			slog.Debug("skipping non-float tensor", "name", name, "dtype", info.DType)
			continue
		}
		if len(info.Shape) == 0 {
			slog.Debug("skipping scalar tensor", "name", name)
			continue
		}

		values, err := decodeValues(info.DType, body[start:end])
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}

		t, err := FromSlice(values, info.Shape...)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		sd[name] = t
	}
	return sd, nil
}

func decodeValues(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("F32 data length %d", len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F64":
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("F64 data length %d", len(raw))
		}
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	case "F16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("F16 data length %d", len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("BF16 data length %d", len(raw))
		}
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

// SaveSafetensors writes sd to path in the given dtype (F32, F16 or BF16).
func SaveSafetensors(path string, sd StateDict, dtype string) error {
	data, err := EncodeSafetensors(sd, dtype)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// EncodeSafetensors serializes sd with names in sorted order so the output
// is deterministic.
func EncodeSafetensors(sd StateDict, dtype string) ([]byte, error) {
	var body bytes.Buffer
	header := make(map[string]any, len(sd))
	for _, name := range sd.Keys() {
		t := sd[name]
		raw, err := encodeValues(dtype, t.Data)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		start := body.Len()
		body.Write(raw)
		header[name] = TensorInfo{DType: dtype, Shape: t.Shape, Offsets: [2]int{start, body.Len()}}
	}
	header["__metadata__"] = map[string]string{"format": "pt"}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	// the header is padded with spaces to an 8 byte boundary
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	out := make([]byte, 8, 8+len(headerBytes)+body.Len())
	binary.LittleEndian.PutUint64(out, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	return append(out, body.Bytes()...), nil
}

func encodeValues(dtype string, values []float32) ([]byte, error) {
	switch dtype {
	case "F32":
		out := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case "F16":
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case "BF16":
		return bfloat16.EncodeFloat32(values), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}
