package detector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/nssm/envconfig"
)

// Report is a portable summary of the current adapter/device caps.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"`
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	// 1D workgroup size the convolution kernels can use on this device.
	WorkgroupX uint32 `json:"workgroup_x"`

	// MaxDecodeRows is how many latent rows fit in one decoder dispatch for
	// a 32x32 frame and the given filter count, bounded by the budget and
	// the storage binding limit.
	MaxDecodeRows int `json:"max_decode_rows"`

	// Soft VRAM budget in bytes (NSSM_BUDGET_MB).
	BudgetBytes uint64 `json:"budget_bytes"`
}

// DetectJSON runs detection and returns the JSON string.
func DetectJSON(numFilters int) (string, error) {
	rep, err := Detect(numFilters)
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect queries the default adapter/device and synthesizes a report.
// numFilters sizes the decode recommendation.
func Detect(numFilters int) (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("request device: %w", err)
	}
	device.Release()

	lim := Limits{
		MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
		MaxBufferSize:                     limits.Limits.MaxBufferSize,
	}
	budget := uint64(envconfig.BudgetMB()) * 1024 * 1024

	rep := &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits:      lim,
		Features:    feats,
		Recommended: Recommendations{
			WorkgroupX:    chooseWorkgroup(lim),
			MaxDecodeRows: maxDecodeRows(lim, budget, numFilters),
			BudgetBytes:   budget,
		},
		Env: pickEnv(),
	}
	slog.Debug("device detected", "name", rep.Name, "backend", rep.Backend, "workgroup_x", rep.Recommended.WorkgroupX)
	return rep, nil
}

// Rows flattens the report into key/value pairs for tabular output.
func (r *Report) Rows() [][]string {
	return [][]string{
		{"name", r.Name},
		{"adapter type", r.AdapterType},
		{"backend", r.Backend},
		{"vendor id", r.VendorID},
		{"device id", r.DeviceID},
		{"driver", r.Driver},
		{"runtime", r.Runtime},
		{"max workgroup size x", strconv.FormatUint(uint64(r.Limits.MaxComputeWorkgroupSizeX), 10)},
		{"max workgroups per dimension", strconv.FormatUint(uint64(r.Limits.MaxComputeWorkgroupsPerDimension), 10)},
		{"max storage binding", strconv.FormatUint(r.Limits.MaxStorageBufferBindingSize, 10)},
		{"recommended workgroup x", strconv.FormatUint(uint64(r.Recommended.WorkgroupX), 10)},
		{"max decode rows", strconv.Itoa(r.Recommended.MaxDecodeRows)},
		{"budget bytes", strconv.FormatUint(r.Recommended.BudgetBytes, 10)},
	}
}

func chooseWorkgroup(l Limits) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= l.MaxComputeWorkgroupSizeX && c <= l.MaxComputeInvocationsPerWorkgroup {
			return c
		}
	}
	return 1
}

// maxDecodeRows bounds the decoder batch by its largest activation, the
// [N, F, 32, 32] output of the third transposed convolution, counted twice
// for the input and output buffers of one dispatch.
func maxDecodeRows(l Limits, budget uint64, numFilters int) int {
	if numFilters <= 0 {
		return 0
	}
	perRow := uint64(numFilters) * 32 * 32 * 4
	limit := budget / 2
	if l.MaxStorageBufferBindingSize > 0 {
		limit = min(limit, l.MaxStorageBufferBindingSize)
	}
	return int(limit / perRow)
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv() map[string]string {
	out := map[string]string{}
	for k := range envconfig.AsMap() {
		if v := envconfig.Var(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
