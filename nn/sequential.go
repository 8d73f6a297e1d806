package nn

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/openfluke/nssm/logutil"
)

// Sequential runs its layers in order. Parameter names are prefixed with
// the layer index, so a Sequential stored under "decoder" yields names like
// "decoder.4.weight", the same as the equivalent torch.nn.Sequential.
type Sequential struct {
	Layers []Layer
}

func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	var err error
	for i, l := range s.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, err = l.Forward(ctx, x)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, Describe(l), err)
		}
		logutil.TraceContext(ctx, "sequential forward", "layer", i, "op", Describe(l), "shape", x.Shape)
	}
	return x, nil
}

// OutputShape chains shape inference through every layer.
func (s *Sequential) OutputShape(in []int) ([]int, error) {
	shape := slices.Clone(in)
	for i, l := range s.Layers {
		sh, ok := l.(Shaper)
		if !ok {
			return nil, fmt.Errorf("layer %d (%s): cannot infer output shape", i, Describe(l))
		}
		var err error
		if shape, err = sh.OutputShape(shape); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, Describe(l), err)
		}
	}
	return shape, nil
}

func (s *Sequential) Parameters() []Parameter {
	var params []Parameter
	for i, l := range s.Layers {
		p, ok := l.(Parameterized)
		if !ok {
			continue
		}
		for _, param := range p.Parameters() {
			param.Name = strconv.Itoa(i) + "." + param.Name
			params = append(params, param)
		}
	}
	return params
}

func (s *Sequential) SetTraining(training bool) {
	for _, l := range s.Layers {
		if t, ok := l.(Trainable); ok {
			t.SetTraining(training)
		}
	}
}

func (s *Sequential) SetAccelerator(a Accelerator) {
	for _, l := range s.Layers {
		if acc, ok := l.(Accelerated); ok {
			acc.SetAccelerator(a)
		}
	}
}

// Stage summarizes one layer of a Sequential for display.
type Stage struct {
	Index  int
	Op     string
	Output []int
	Params int
}

// Stages walks the layers with an input shape and reports each output.
func (s *Sequential) Stages(in []int) ([]Stage, error) {
	stages := make([]Stage, 0, len(s.Layers))
	shape := slices.Clone(in)
	for i, l := range s.Layers {
		sh, ok := l.(Shaper)
		if !ok {
			return nil, fmt.Errorf("layer %d (%s): cannot infer output shape", i, Describe(l))
		}
		var err error
		if shape, err = sh.OutputShape(shape); err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, Describe(l), err)
		}
		stages = append(stages, Stage{Index: i, Op: Describe(l), Output: shape, Params: CountParameters(l)})
	}
	return stages, nil
}

func (s *Sequential) Describe() string {
	return fmt.Sprintf("Sequential(%d)", len(s.Layers))
}

// Describe returns a short human readable description of a layer.
func Describe(l any) string {
	if d, ok := l.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", l)
}

// CountParameters returns the number of trainable scalars of a layer.
func CountParameters(l any) int {
	p, ok := l.(Parameterized)
	if !ok {
		return 0
	}
	n := 0
	for _, param := range p.Parameters() {
		if param.Trainable {
			n += param.Value.Size()
		}
	}
	return n
}
