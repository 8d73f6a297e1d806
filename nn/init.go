package nn

import (
	"math"
	"math/rand/v2"
)

// NewRand returns the deterministic source used for parameter init.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// kaimingUniform fills w and b the way torch.nn initializes Linear and
// convolution layers: kaiming_uniform(a=sqrt(5)) for weights, which reduces
// to U(-1/sqrt(fanIn), 1/sqrt(fanIn)), and the same bound for biases.
func kaimingUniform(r *rand.Rand, w, b []float32, fanIn int) {
	bound := float32(1 / math.Sqrt(float64(fanIn)))
	for i := range w {
		w[i] = (2*r.Float32() - 1) * bound
	}
	for i := range b {
		b[i] = (2*r.Float32() - 1) * bound
	}
}
