package vae

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/nssm/nn"
)

func testDecoderConfig() DecoderConfig {
	return DecoderConfig{GenerationLen: 5, Dim: 32, NumFilters: 8, NumChannels: 1, LatentDim: 8, Seed: 2}
}

func TestDecoderShapeAndRange(t *testing.T) {
	dec, err := NewEmissionDecoder(testDecoderConfig())
	require.NoError(t, err)
	assert.Equal(t, 512, dec.Config().ConvDim())

	z := randomInput(1, 2, 5, 8)
	for i := range z.Data {
		z.Data[i] = z.Data[i]*20 - 10
	}
	frames, err := dec.Forward(context.Background(), z)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 32, 32}, frames.Shape)
	assert.True(t, frames.IsFinite())
	assert.GreaterOrEqual(t, nn.Summarize(frames.Data).Min, float32(0))
	assert.LessOrEqual(t, nn.Summarize(frames.Data).Max, float32(1))
}

func TestDecoderZeroLatents(t *testing.T) {
	dec, err := NewEmissionDecoder(DecoderConfig{GenerationLen: 10, Dim: 32, NumFilters: 16, NumChannels: 1, LatentDim: 8})
	require.NoError(t, err)

	frames, err := dec.Forward(context.Background(), nn.NewTensor(4, 10, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 10, 32, 32}, frames.Shape)
	assert.True(t, frames.IsFinite())
	assert.GreaterOrEqual(t, nn.Summarize(frames.Data).Min, float32(0))
	assert.LessOrEqual(t, nn.Summarize(frames.Data).Max, float32(1))
}

func TestDecoderForwardFlat(t *testing.T) {
	dec, err := NewEmissionDecoder(testDecoderConfig())
	require.NoError(t, err)

	z := randomInput(2, 10, 8)
	frames, err := dec.ForwardFlat(context.Background(), z, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 32, 32}, frames.Shape)

	// the flat path and the [B, T, L] path agree
	batched, err := z.Reshape(2, 5, 8)
	require.NoError(t, err)
	want, err := dec.Forward(context.Background(), batched)
	require.NoError(t, err)
	assert.Equal(t, want.Data, frames.Data)

	for _, batchSize := range []int{3, 4, 0, -1} {
		_, err := dec.ForwardFlat(context.Background(), z, batchSize)
		assert.ErrorIs(t, err, ErrIndivisibleBatch, "batch size %d", batchSize)
	}

	_, err = dec.ForwardFlat(context.Background(), randomInput(3, 10, 7), 2)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
}

func TestDecoderTimePermutation(t *testing.T) {
	dec, err := NewEmissionDecoder(testDecoderConfig())
	require.NoError(t, err)

	const steps, frame = 4, 32 * 32
	z := randomInput(4, 1, steps, 8)
	perm := []int{2, 0, 3, 1}
	permuted := nn.NewTensor(1, steps, 8)
	for i, p := range perm {
		copy(permuted.Data[i*8:(i+1)*8], z.Data[p*8:(p+1)*8])
	}

	want, err := dec.Forward(context.Background(), z)
	require.NoError(t, err)
	got, err := dec.Forward(context.Background(), permuted)
	require.NoError(t, err)

	for i, p := range perm {
		assert.InDelta(t, 0, nn.MaxAbsDiff(want.Data[p*frame:(p+1)*frame], got.Data[i*frame:(i+1)*frame]), 1e-6, "step %d", i)
	}
}

func TestDecoderIndependentOfGenerationLen(t *testing.T) {
	short := testDecoderConfig()
	short.GenerationLen = 1
	a, err := NewEmissionDecoder(short)
	require.NoError(t, err)
	b, err := NewEmissionDecoder(testDecoderConfig())
	require.NoError(t, err)

	z := randomInput(5, 1, 3, 8)
	fa, err := a.Forward(context.Background(), z)
	require.NoError(t, err)
	fb, err := b.Forward(context.Background(), z)
	require.NoError(t, err)
	assert.Equal(t, fa.Data, fb.Data)
}

func TestDecoderGeometry(t *testing.T) {
	assert.Equal(t, 32, testDecoderConfig().OutputSize())

	cfg := testDecoderConfig()
	cfg.Dim = 28
	_, err := NewEmissionDecoder(cfg)
	require.ErrorIs(t, err, ErrGeometry)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "decoder.dim", ce.Field)
	assert.Equal(t, 28, ce.Value)
	assert.Contains(t, ce.Reason, "32x32")
}

func TestDecoderShapeErrors(t *testing.T) {
	dec, err := NewEmissionDecoder(testDecoderConfig())
	require.NoError(t, err)

	_, err = dec.Forward(context.Background(), nn.NewTensor(2, 5, 4))
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)

	_, err = dec.Forward(context.Background(), nn.NewTensor(10, 8))
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
}

func TestDecoderTrainingSingleRow(t *testing.T) {
	dec, err := NewEmissionDecoder(testDecoderConfig())
	require.NoError(t, err)
	dec.SetTraining(true)
	assert.True(t, dec.Training())

	_, err = dec.Forward(context.Background(), randomInput(6, 1, 1, 8))
	assert.ErrorIs(t, err, nn.ErrTooFewValues)

	frames, err := dec.Forward(context.Background(), randomInput(6, 2, 3, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 32, 32}, frames.Shape)
}

func TestDecoderStateDict(t *testing.T) {
	dec, err := NewEmissionDecoder(testDecoderConfig())
	require.NoError(t, err)

	sd := dec.StateDict()
	var want []string
	want = append(want, "decoder.0.weight", "decoder.0.bias")
	for _, i := range []string{"1", "5", "8", "11"} {
		want = append(want,
			"decoder."+i+".weight", "decoder."+i+".bias",
			"decoder."+i+".running_mean", "decoder."+i+".running_var")
	}
	for _, i := range []string{"4", "7", "10", "13"} {
		want = append(want, "decoder."+i+".weight", "decoder."+i+".bias")
	}
	assert.ElementsMatch(t, want, sd.Keys())

	assert.Equal(t, []int{512, 8}, sd["decoder.0.weight"].Shape)
	assert.Equal(t, []int{32, 32, 4, 4}, sd["decoder.4.weight"].Shape)
	assert.Equal(t, []int{8, 1, 5, 5}, sd["decoder.13.weight"].Shape)
	assert.Equal(t, 38385, dec.NumParameters())

	cfg := testDecoderConfig()
	cfg.Seed = 77
	other, err := NewEmissionDecoder(cfg)
	require.NoError(t, err)

	z := randomInput(7, 2, 2, 8)
	want4, err := dec.Forward(context.Background(), z)
	require.NoError(t, err)
	require.NoError(t, other.LoadStateDict(dec.StateDict()))
	got, err := other.Forward(context.Background(), z)
	require.NoError(t, err)
	assert.Equal(t, want4.Data, got.Data)

	bad := dec.StateDict()
	bad["decoder.0.weight"] = nn.NewTensor(8, 512)
	assert.ErrorIs(t, other.LoadStateDict(bad), ErrStateDict)
}

func TestDecoderStages(t *testing.T) {
	dec, err := NewEmissionDecoder(testDecoderConfig())
	require.NoError(t, err)

	stages, err := dec.Stages(6)
	require.NoError(t, err)
	require.Len(t, stages, 15)

	sizes := map[int][]int{
		0:  {6, 512},
		3:  {6, 32, 4, 4},
		4:  {6, 32, 7, 7},
		7:  {6, 16, 15, 15},
		10: {6, 8, 32, 32},
		13: {6, 1, 32, 32},
		14: {6, 1, 32, 32},
	}
	for i, want := range sizes {
		assert.Equal(t, want, stages[i].Output, "stage %d", i)
	}
	assert.Equal(t, "decoder.4", stages[4].Name)
	assert.Empty(t, stages[3].Name)
	assert.Equal(t, "Sigmoid", stages[14].Op)
}
