package nn

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// LoadTorch reads a pickled PyTorch state dict (torch.save(model.state_dict())).
// Float, half and bfloat16 tensors are converted to float32; scalar entries
// such as batch-norm num_batches_tracked are skipped.
func LoadTorch(path string) (StateDict, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error unpickling %s: %w", path, err)
	}

	sd := StateDict{}
	add := func(k, v any) error {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("state dict key %v is %T, not a string", k, k)
		}
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor state dict entry", "name", name, "type", fmt.Sprintf("%T", v))
			return nil
		}
		if len(t.Size) == 0 {
			slog.Debug("skipping scalar tensor", "name", name)
			return nil
		}

		tensor, err := torchTensor(t)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if tensor != nil {
			sd[name] = tensor
		}
		return nil
	}

	switch m := pt.(type) {
	case *types.OrderedDict:
		for e := m.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	case *types.Dict:
		for _, k := range m.Keys() {
			if err := add(k, m.MustGet(k)); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%s: expected a state dict, got %T", path, pt)
	}

	slog.Debug("loaded torch state dict", "path", path, "tensors", len(sd))
	return sd, nil
}

// torchTensor copies a contiguous tensor out of its storage.
func torchTensor(t *pytorch.Tensor) (*Tensor, error) {
	var data []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		slog.Debug("skipping tensor with unsupported storage", "type", fmt.Sprintf("%T", s))
		return nil, nil
	}

	n := 1
	for _, d := range t.Size {
		n *= d
	}
	if !contiguous(t.Size, t.Stride) {
		return nil, fmt.Errorf("non-contiguous tensor with size %v stride %v", t.Size, t.Stride)
	}
	if t.StorageOffset < 0 || t.StorageOffset+n > len(data) {
		return nil, fmt.Errorf("storage offset %d + %d values exceeds storage of %d", t.StorageOffset, n, len(data))
	}

	out := make([]float32, n)
	copy(out, data[t.StorageOffset:t.StorageOffset+n])
	return FromSlice(out, t.Size...)
}

func contiguous(size, stride []int) bool {
	if len(stride) != len(size) {
		return len(stride) == 0
	}
	expect := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expect {
			return false
		}
		expect *= size[i]
	}
	return true
}
