package gpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openfluke/nssm/envconfig"
	"github.com/openfluke/nssm/logutil"
	"github.com/openfluke/nssm/nn"
)

// Accelerator runs convolutions as WebGPU compute shaders. Kernels are
// compiled once per geometry and cached; dispatches are serialized on the
// shared queue.
type Accelerator struct {
	c *Context

	mu     sync.Mutex
	layers map[ConvSpec]*ConvLayer
}

var _ nn.Accelerator = (*Accelerator)(nil)

func NewAccelerator() (*Accelerator, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return &Accelerator{c: c, layers: make(map[ConvSpec]*ConvLayer)}, nil
}

func (a *Accelerator) Name() string {
	return fmt.Sprintf("webgpu (%s, %s)", a.c.AdapterName, a.c.Backend)
}

func (a *Accelerator) Conv2D(ctx context.Context, in []float32, g nn.ConvGeometry, weight, bias []float32) ([]float32, error) {
	return a.run(ctx, ConvSpec{ConvGeometry: g}, in, weight, bias)
}

func (a *Accelerator) ConvTranspose2D(ctx context.Context, in []float32, g nn.ConvGeometry, weight, bias []float32) ([]float32, error) {
	return a.run(ctx, ConvSpec{ConvGeometry: g, Transposed: true}, in, weight, bias)
}

func (a *Accelerator) run(ctx context.Context, spec ConvSpec, in, weight, bias []float32) ([]float32, error) {
	g := spec.ConvGeometry
	switch {
	case len(in) != g.InputSize():
		return nil, &nn.ShapeError{Op: spec.label(), Got: []int{len(in)}, Want: []int{g.Batch, g.InChannels, g.InH, g.InW}}
	case len(weight) != g.WeightSize():
		return nil, &nn.ShapeError{Op: spec.label() + " weight", Got: []int{len(weight)}, Want: []int{g.WeightSize()}}
	case bias != nil && len(bias) != g.OutChannels:
		return nil, &nn.ShapeError{Op: spec.label() + " bias", Got: []int{len(bias)}, Want: []int{g.OutChannels}}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := a.layer(spec)
	if err != nil {
		return nil, err
	}
	l.Upload(a.c, in, weight, bias)

	enc, err := a.c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	l.Dispatch(pass)
	pass.End()
	cmd, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return nil, fmt.Errorf("failed to finish command: %w", err)
	}
	a.c.Queue.Submit(cmd)
	cmd.Release()

	return ReadBuffer(ctx, a.c, l.OutputBuffer, g.OutputSize())
}

// layer returns the cached kernel for spec, compiling it on first use.
// The caller holds a.mu.
func (a *Accelerator) layer(spec ConvSpec) (*ConvLayer, error) {
	if l, ok := a.layers[spec]; ok {
		logutil.Trace("webgpu kernel cache hit", "kernel", spec.label())
		return l, nil
	}
	bytes := uint64(spec.InputSize()+spec.WeightSize()+spec.OutChannels+spec.OutputSize()) * 4
	if budget := uint64(envconfig.BudgetMB()) << 20; bytes > budget {
		slog.Warn("kernel buffers exceed NSSM_BUDGET_MB", "kernel", spec.label(), "bytes", bytes, "budget", budget)
	}

	l, err := NewConvLayer(a.c, spec)
	if err != nil {
		return nil, err
	}
	slog.Debug("compiled webgpu kernel", "kernel", spec.label(), "cached", len(a.layers)+1)
	a.layers[spec] = l
	return l, nil
}

// Close releases every cached kernel. The accelerator can still be used
// afterwards and recompiles on demand.
func (a *Accelerator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for spec, l := range a.layers {
		l.Cleanup()
		delete(a.layers, spec)
	}
}

// FromEnv returns the accelerator selected by NSSM_DEVICE. A requested GPU
// that cannot be opened falls back to the CPU with a warning.
func FromEnv() nn.Accelerator {
	if envconfig.Device() != "gpu" {
		return nn.NewCPU()
	}
	a, err := NewAccelerator()
	if err != nil {
		slog.Warn("gpu requested but unavailable, using cpu", "error", err)
		return nn.NewCPU()
	}
	return a
}
