package nn

import (
	"context"
	"fmt"
)

// AvgPool2D averages non-overlapping KxK windows. Kernel 0 pools the whole
// remaining spatial extent to 1x1.
type AvgPool2D struct {
	Kernel int
}

func (p *AvgPool2D) window(in []int) (int, int, error) {
	if len(in) != 4 {
		return 0, 0, &ShapeError{Op: "avg_pool2d", Got: in, Want: []int{-1, -1, -1, -1}}
	}
	kh, kw := p.Kernel, p.Kernel
	if p.Kernel == 0 {
		kh, kw = in[2], in[3]
	}
	if kh > in[2] || kw > in[3] {
		return 0, 0, fmt.Errorf("%w: avg_pool2d kernel %dx%d larger than input %dx%d", ErrInvalidShape, kh, kw, in[2], in[3])
	}
	return kh, kw, nil
}

func (p *AvgPool2D) OutputShape(in []int) ([]int, error) {
	kh, kw, err := p.window(in)
	if err != nil {
		return nil, err
	}
	return []int{in[0], in[1], in[2] / kh, in[3] / kw}, nil
}

func (p *AvgPool2D) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	kh, kw, err := p.window(x.Shape)
	if err != nil {
		return nil, err
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/kh, w/kw
	out := NewTensor(n, c, oh, ow)
	norm := 1 / float64(kh*kw)
	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for i := 0; i < oh; i++ {
			for j := 0; j < ow; j++ {
				var sum float64
				for y := i * kh; y < (i+1)*kh; y++ {
					for _, v := range src[y*w+j*kw : y*w+(j+1)*kw] {
						sum += float64(v)
					}
				}
				dst[i*ow+j] = float32(sum * norm)
			}
		}
	}
	return out, nil
}

func (p *AvgPool2D) Describe() string {
	if p.Kernel == 0 {
		return "AdaptiveAvgPool2d(1)"
	}
	return fmt.Sprintf("AvgPool2d(%d)", p.Kernel)
}

// Flatten reshapes a multi-dimensional tensor into [batch, features].
type Flatten struct{}

func (Flatten) OutputShape(in []int) ([]int, error) {
	if len(in) < 2 {
		return nil, &ShapeError{Op: "flatten", Got: in, Want: []int{-1, -1}}
	}
	n := 1
	for _, d := range in[1:] {
		n *= d
	}
	return []int{in[0], n}, nil
}

func (f Flatten) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	return x.Reshape(x.Shape[0], -1)
}

func (Flatten) Describe() string { return "Flatten" }

// UnFlatten reshapes [batch, features] into [batch, features/(S*S), S, S].
type UnFlatten struct {
	Size int
}

func (u UnFlatten) OutputShape(in []int) ([]int, error) {
	plane := u.Size * u.Size
	if len(in) != 2 || in[1]%plane != 0 {
		return nil, &ShapeError{Op: "unflatten", Got: in, Want: []int{-1, plane}}
	}
	return []int{in[0], in[1] / plane, u.Size, u.Size}, nil
}

func (u UnFlatten) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	shape, err := u.OutputShape(x.Shape)
	if err != nil {
		return nil, err
	}
	return x.Reshape(shape...)
}

func (u UnFlatten) Describe() string { return fmt.Sprintf("UnFlatten(%d)", u.Size) }
