package nn

import "context"

// Layer is a single forward transformation.
type Layer interface {
	Forward(ctx context.Context, x *Tensor) (*Tensor, error)
}

// Parameter is a named tensor owned by a layer. Buffers (running
// statistics) are parameters with Trainable unset.
type Parameter struct {
	Name      string
	Value     *Tensor
	Trainable bool
}

// Parameterized layers expose their learned state.
type Parameterized interface {
	Parameters() []Parameter
}

// Trainable layers behave differently while training.
type Trainable interface {
	SetTraining(training bool)
}

// Accelerated layers can run their kernels on an Accelerator.
type Accelerated interface {
	SetAccelerator(a Accelerator)
}

// Describer is implemented by layers that can report their configuration,
// e.g. "Conv2d(3, 16, k=5, s=2, p=2)".
type Describer interface {
	Describe() string
}

// Shaper layers can infer their output shape without running.
type Shaper interface {
	OutputShape(in []int) ([]int, error)
}
