package nn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
)

var defaultAccelerator = sync.OnceValue(func() Accelerator { return NewCPU() })

// Conv2D is a strided 2D convolution over NCHW input.
type Conv2D struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int

	Weight *Tensor // [out, in, k, k]
	Bias   *Tensor // [out]

	accel Accelerator
}

// NewConv2D initializes a Conv2D layer with random weights
func NewConv2D(r *rand.Rand, in, out, kernel, stride, padding int) *Conv2D {
	l := &Conv2D{
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      NewTensor(out, in, kernel, kernel),
		Bias:        NewTensor(out),
	}
	kaimingUniform(r, l.Weight.Data, l.Bias.Data, in*kernel*kernel)
	return l
}

func (l *Conv2D) SetAccelerator(a Accelerator) { l.accel = a }

func (l *Conv2D) geometry(in []int) (ConvGeometry, error) {
	if len(in) != 4 || in[1] != l.InChannels {
		return ConvGeometry{}, &ShapeError{Op: "conv2d", Got: in, Want: []int{-1, l.InChannels, -1, -1}}
	}
	g := ConvGeometry{
		Batch:       in[0],
		InChannels:  l.InChannels,
		OutChannels: l.OutChannels,
		InH:         in[2],
		InW:         in[3],
		OutH:        Conv2DOutputSize(in[2], l.Kernel, l.Stride, l.Padding),
		OutW:        Conv2DOutputSize(in[3], l.Kernel, l.Stride, l.Padding),
		Kernel:      l.Kernel,
		Stride:      l.Stride,
		Padding:     l.Padding,
	}
	if g.OutH <= 0 || g.OutW <= 0 {
		return ConvGeometry{}, fmt.Errorf("%w: conv2d input %dx%d smaller than kernel %d", ErrInvalidShape, g.InH, g.InW, l.Kernel)
	}
	return g, nil
}

func (l *Conv2D) OutputShape(in []int) ([]int, error) {
	g, err := l.geometry(in)
	if err != nil {
		return nil, err
	}
	return []int{g.Batch, g.OutChannels, g.OutH, g.OutW}, nil
}

func (l *Conv2D) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	g, err := l.geometry(x.Shape)
	if err != nil {
		return nil, err
	}

	accel := l.accel
	if accel == nil {
		accel = defaultAccelerator()
	}
	out, err := accel.Conv2D(ctx, x.Data, g, l.Weight.Data, l.Bias.Data)
	if err != nil {
		return nil, err
	}
	return &Tensor{Data: out, Shape: []int{g.Batch, g.OutChannels, g.OutH, g.OutW}}, nil
}

func (l *Conv2D) Parameters() []Parameter {
	return []Parameter{
		{Name: "weight", Value: l.Weight, Trainable: true},
		{Name: "bias", Value: l.Bias, Trainable: true},
	}
}

func (l *Conv2D) Describe() string {
	return fmt.Sprintf("Conv2d(%d, %d, k=%d, s=%d, p=%d)", l.InChannels, l.OutChannels, l.Kernel, l.Stride, l.Padding)
}

// ConvTranspose2D is the transposed (fractionally strided) convolution used
// for upsampling.
type ConvTranspose2D struct {
	InChannels    int
	OutChannels   int
	Kernel        int
	Stride        int
	Padding       int
	OutputPadding int

	Weight *Tensor // [in, out, k, k]
	Bias   *Tensor // [out]

	accel Accelerator
}

// NewConvTranspose2D initializes a transposed convolution. As in torch, the
// init fan-in is taken from weight dimension 1, i.e. out*k*k.
func NewConvTranspose2D(r *rand.Rand, in, out, kernel, stride, padding, outputPadding int) *ConvTranspose2D {
	l := &ConvTranspose2D{
		InChannels:    in,
		OutChannels:   out,
		Kernel:        kernel,
		Stride:        stride,
		Padding:       padding,
		OutputPadding: outputPadding,
		Weight:        NewTensor(in, out, kernel, kernel),
		Bias:          NewTensor(out),
	}
	kaimingUniform(r, l.Weight.Data, l.Bias.Data, out*kernel*kernel)
	return l
}

func (l *ConvTranspose2D) SetAccelerator(a Accelerator) { l.accel = a }

func (l *ConvTranspose2D) geometry(in []int) (ConvGeometry, error) {
	if len(in) != 4 || in[1] != l.InChannels {
		return ConvGeometry{}, &ShapeError{Op: "conv_transpose2d", Got: in, Want: []int{-1, l.InChannels, -1, -1}}
	}
	g := ConvGeometry{
		Batch:         in[0],
		InChannels:    l.InChannels,
		OutChannels:   l.OutChannels,
		InH:           in[2],
		InW:           in[3],
		OutH:          ConvTranspose2DOutputSize(in[2], l.Kernel, l.Stride, l.Padding, l.OutputPadding),
		OutW:          ConvTranspose2DOutputSize(in[3], l.Kernel, l.Stride, l.Padding, l.OutputPadding),
		Kernel:        l.Kernel,
		Stride:        l.Stride,
		Padding:       l.Padding,
		OutputPadding: l.OutputPadding,
	}
	if g.OutH <= 0 || g.OutW <= 0 {
		return ConvGeometry{}, fmt.Errorf("%w: conv_transpose2d output %dx%d", ErrInvalidShape, g.OutH, g.OutW)
	}
	return g, nil
}

func (l *ConvTranspose2D) OutputShape(in []int) ([]int, error) {
	g, err := l.geometry(in)
	if err != nil {
		return nil, err
	}
	return []int{g.Batch, g.OutChannels, g.OutH, g.OutW}, nil
}

func (l *ConvTranspose2D) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	g, err := l.geometry(x.Shape)
	if err != nil {
		return nil, err
	}

	accel := l.accel
	if accel == nil {
		accel = defaultAccelerator()
	}
	out, err := accel.ConvTranspose2D(ctx, x.Data, g, l.Weight.Data, l.Bias.Data)
	if err != nil {
		return nil, err
	}
	return &Tensor{Data: out, Shape: []int{g.Batch, g.OutChannels, g.OutH, g.OutW}}, nil
}

func (l *ConvTranspose2D) Parameters() []Parameter {
	return []Parameter{
		{Name: "weight", Value: l.Weight, Trainable: true},
		{Name: "bias", Value: l.Bias, Trainable: true},
	}
}

func (l *ConvTranspose2D) Describe() string {
	return fmt.Sprintf("ConvTranspose2d(%d, %d, k=%d, s=%d, p=%d, op=%d)",
		l.InChannels, l.OutChannels, l.Kernel, l.Stride, l.Padding, l.OutputPadding)
}
