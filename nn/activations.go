package nn

import (
	"context"
	"fmt"
	"math"
	"slices"
)

// ActivationType defines the activation function used in a layer
type ActivationType int

const (
	ActivationLeakyReLU ActivationType = iota // v if v >= 0, else v * slope
	ActivationTanh                            // tanh(v)
	ActivationSigmoid                         // 1 / (1 + exp(-v))
)

// DefaultLeakySlope matches torch.nn.LeakyReLU.
const DefaultLeakySlope = 0.01

func (a ActivationType) String() string {
	switch a {
	case ActivationLeakyReLU:
		return "LeakyReLU"
	case ActivationTanh:
		return "Tanh"
	case ActivationSigmoid:
		return "Sigmoid"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// activate applies the activation function to a single value
func activate(v float32, activation ActivationType, slope float32) float32 {
	switch activation {
	case ActivationLeakyReLU:
		if v < 0 {
			return v * slope
		}
		return v
	case ActivationTanh:
		return float32(math.Tanh(float64(v)))
	case ActivationSigmoid:
		return float32(1.0 / (1.0 + math.Exp(-float64(v))))
	default:
		return v
	}
}

// Activation is a parameterless element-wise layer.
type Activation struct {
	Type  ActivationType
	Slope float32
}

func LeakyReLU() *Activation { return &Activation{Type: ActivationLeakyReLU, Slope: DefaultLeakySlope} }
func Tanh() *Activation      { return &Activation{Type: ActivationTanh} }
func Sigmoid() *Activation   { return &Activation{Type: ActivationSigmoid} }

func (a *Activation) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	out := &Tensor{Data: make([]float32, len(x.Data)), Shape: slices.Clone(x.Shape)}
	for i, v := range x.Data {
		out.Data[i] = activate(v, a.Type, a.Slope)
	}
	return out, nil
}

func (a *Activation) OutputShape(in []int) ([]int, error) { return slices.Clone(in), nil }

func (a *Activation) Describe() string {
	if a.Type == ActivationLeakyReLU {
		return fmt.Sprintf("LeakyReLU(%g)", a.Slope)
	}
	return a.Type.String()
}
