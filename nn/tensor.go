package nn

import (
	"fmt"
	"math"
	"slices"
)

// Tensor is a contiguous row-major float32 buffer with a shape.
// Image tensors use NCHW layout.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor allocates a zero tensor. Non-positive dimensions panic since
// they can only come from a programming error in layer code.
func NewTensor(shape ...int) *Tensor {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{Data: make([]float32, n), Shape: slices.Clone(shape)}
}

// FromSlice wraps data without copying it.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, &ShapeError{Op: "from_slice", Got: []int{len(data)}, Want: shape}
	}
	return &Tensor{Data: data, Shape: slices.Clone(shape)}, nil
}

func numel(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrInvalidShape)
	}
	n := 1
	for i, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: dimension %d is %d", ErrInvalidShape, i, d)
		}
		n *= d
	}
	return n, nil
}

func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) Size() int { return len(t.Data) }

// Dim returns the size of dimension i. Negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Data: slices.Clone(t.Data), Shape: slices.Clone(t.Shape)}
}

// Reshape returns a view with a new shape sharing the same data. At most
// one dimension may be -1 and is inferred.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d <= 0:
			return nil, &ShapeError{Op: "reshape", Got: t.Shape, Want: shape}
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil, &ShapeError{Op: "reshape", Got: t.Shape, Want: shape}
		}
		shape[infer] = len(t.Data) / known
		known *= shape[infer]
	}

	if known != len(t.Data) {
		return nil, &ShapeError{Op: "reshape", Got: t.Shape, Want: shape}
	}
	return &Tensor{Data: t.Data, Shape: shape}, nil
}

// Narrow copies the range [start, start+length) along dim.
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("%w: narrow dim %d of rank %d tensor", ErrInvalidShape, dim, len(t.Shape))
	}
	if start < 0 || length <= 0 || start+length > t.Shape[dim] {
		want := slices.Clone(t.Shape)
		want[dim] = start + length
		return nil, &ShapeError{Op: "narrow", Got: t.Shape, Want: want}
	}

	outer := 1
	for _, d := range t.Shape[:dim] {
		outer *= d
	}
	inner := 1
	for _, d := range t.Shape[dim+1:] {
		inner *= d
	}

	shape := slices.Clone(t.Shape)
	shape[dim] = length
	out := NewTensor(shape...)

	src := t.Shape[dim] * inner
	dst := length * inner
	for o := 0; o < outer; o++ {
		copy(out.Data[o*dst:(o+1)*dst], t.Data[o*src+start*inner:o*src+(start+length)*inner])
	}
	return out, nil
}

// Equal reports whether two tensors have the same shape and bit-identical data.
func (t *Tensor) Equal(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape) && slices.Equal(t.Data, o.Data)
}

// IsFinite reports whether no element is NaN or infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
