package nn

import (
	"context"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear is a fully-connected layer: y = x W^T + b.
type Linear struct {
	In  int
	Out int

	Weight *Tensor // [out, in]
	Bias   *Tensor // [out]
}

// NewLinear initializes a fully-connected layer with random weights
func NewLinear(r *rand.Rand, in, out int) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: NewTensor(out, in),
		Bias:   NewTensor(out),
	}
	kaimingUniform(r, l.Weight.Data, l.Bias.Data, in)
	return l
}

func (l *Linear) OutputShape(in []int) ([]int, error) {
	if len(in) != 2 || in[1] != l.In {
		return nil, &ShapeError{Op: "linear", Got: in, Want: []int{-1, l.In}}
	}
	return []int{in[0], l.Out}, nil
}

func (l *Linear) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	shape, err := l.OutputShape(x.Shape)
	if err != nil {
		return nil, err
	}

	n := shape[0]
	out := NewTensor(shape...)
	for b := 0; b < n; b++ {
		copy(out.Data[b*l.Out:(b+1)*l.Out], l.Bias.Data)
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: n, Cols: l.In, Stride: l.In, Data: x.Data},
		blas32.General{Rows: l.Out, Cols: l.In, Stride: l.In, Data: l.Weight.Data},
		1, blas32.General{Rows: n, Cols: l.Out, Stride: l.Out, Data: out.Data})
	return out, nil
}

func (l *Linear) Parameters() []Parameter {
	return []Parameter{
		{Name: "weight", Value: l.Weight, Trainable: true},
		{Name: "bias", Value: l.Bias, Trainable: true},
	}
}

func (l *Linear) Describe() string {
	return fmt.Sprintf("Linear(%d, %d)", l.In, l.Out)
}
