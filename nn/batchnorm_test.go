package nn

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	bn := NewBatchNorm(2)
	x, err := FromSlice([]float32{1, -2, 3, 4}, 2, 2)
	require.NoError(t, err)

	y, err := bn.Forward(context.Background(), x)
	require.NoError(t, err)

	scale := float32(1 / math.Sqrt(1+1e-5))
	for i, v := range x.Data {
		assert.InDelta(t, v*scale, y.Data[i], 1e-6)
	}

	// eval mode never touches the running statistics
	assert.Equal(t, []float32{0, 0}, bn.RunningMean.Data)
	assert.Equal(t, []float32{1, 1}, bn.RunningVar.Data)
}

func TestBatchNormTraining(t *testing.T) {
	bn := NewBatchNorm(1)
	bn.SetTraining(true)

	x, err := FromSlice([]float32{1, 2, 3, 4}, 4, 1)
	require.NoError(t, err)

	y, err := bn.Forward(context.Background(), x)
	require.NoError(t, err)

	// mean 2.5, biased variance 1.25
	denom := math.Sqrt(1.25 + 1e-5)
	for i, v := range x.Data {
		assert.InDelta(t, (float64(v)-2.5)/denom, float64(y.Data[i]), 1e-5)
	}
	assert.InDelta(t, 0, Summarize(y.Data).Mean, 1e-6)

	// running stats move by momentum 0.1, variance unbiased (1.25 * 4/3)
	assert.InDelta(t, 0.25, bn.RunningMean.Data[0], 1e-6)
	assert.InDelta(t, 0.9+0.1*1.25*4/3, bn.RunningVar.Data[0], 1e-6)
}

func TestBatchNormSpatial(t *testing.T) {
	bn := NewBatchNorm(2)
	bn.SetTraining(true)

	x := randomTensor(4, 3, 2, 4, 4)
	y, err := bn.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, x.Shape, y.Shape)

	// every channel is normalized over batch and space
	for ch := 0; ch < 2; ch++ {
		var vals []float32
		for b := 0; b < 3; b++ {
			off := (b*2 + ch) * 16
			vals = append(vals, y.Data[off:off+16]...)
		}
		assert.InDelta(t, 0, Summarize(vals).Mean, 1e-5, "channel %d", ch)
	}
}

func TestBatchNormTooFewValues(t *testing.T) {
	bn := NewBatchNorm(3)
	bn.SetTraining(true)

	_, err := bn.Forward(context.Background(), NewTensor(1, 3))
	assert.ErrorIs(t, err, ErrTooFewValues)

	// a single sample is fine once spatial dims give more than one value
	_, err = bn.Forward(context.Background(), NewTensor(1, 3, 2, 2))
	assert.NoError(t, err)

	bn.SetTraining(false)
	_, err = bn.Forward(context.Background(), NewTensor(1, 3))
	assert.NoError(t, err)
}

func TestBatchNormShape(t *testing.T) {
	bn := NewBatchNorm(4)
	_, err := bn.Forward(context.Background(), NewTensor(2, 3))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = bn.Forward(context.Background(), NewTensor(2, 4, 3))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBatchNormParameters(t *testing.T) {
	bn := NewBatchNorm(5)
	var names []string
	for _, p := range bn.Parameters() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"weight", "bias", "running_mean", "running_var"}, names)
	assert.Equal(t, 10, CountParameters(bn))
}
