package nn

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("nn: shape mismatch")

	// ErrInvalidShape indicates a malformed shape.
	ErrInvalidShape = errors.New("nn: invalid shape")
)

// ShapeError describes the offending shapes of a failed operation.
type ShapeError struct {
	Op   string
	Got  []int
	Want []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("nn: %s: shape mismatch: got %v, want %v", e.Op, e.Got, e.Want)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }
