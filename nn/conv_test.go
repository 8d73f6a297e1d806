package nn

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// naiveConv2D is the direct six-loop convolution used as the reference.
func naiveConv2D(in []float32, g ConvGeometry, w, b []float32) []float32 {
	k := g.Kernel
	out := make([]float32, g.OutputSize())
	for n := 0; n < g.Batch; n++ {
		for oc := 0; oc < g.OutChannels; oc++ {
			for oh := 0; oh < g.OutH; oh++ {
				for ow := 0; ow < g.OutW; ow++ {
					sum := b[oc]
					for ic := 0; ic < g.InChannels; ic++ {
						for kh := 0; kh < k; kh++ {
							for kw := 0; kw < k; kw++ {
								ih := oh*g.Stride - g.Padding + kh
								iw := ow*g.Stride - g.Padding + kw
								if ih < 0 || ih >= g.InH || iw < 0 || iw >= g.InW {
									continue
								}
								sum += in[((n*g.InChannels+ic)*g.InH+ih)*g.InW+iw] * w[((oc*g.InChannels+ic)*k+kh)*k+kw]
							}
						}
					}
					out[((n*g.OutChannels+oc)*g.OutH+oh)*g.OutW+ow] = sum
				}
			}
		}
	}
	return out
}

// naiveConvTranspose2D scatters every input value through the kernel.
func naiveConvTranspose2D(in []float32, g ConvGeometry, w, b []float32) []float32 {
	k := g.Kernel
	out := make([]float32, g.OutputSize())
	for n := 0; n < g.Batch; n++ {
		for oc := 0; oc < g.OutChannels; oc++ {
			for i := 0; i < g.OutH*g.OutW; i++ {
				out[(n*g.OutChannels+oc)*g.OutH*g.OutW+i] = b[oc]
			}
		}
		for ic := 0; ic < g.InChannels; ic++ {
			for ih := 0; ih < g.InH; ih++ {
				for iw := 0; iw < g.InW; iw++ {
					v := in[((n*g.InChannels+ic)*g.InH+ih)*g.InW+iw]
					for oc := 0; oc < g.OutChannels; oc++ {
						for kh := 0; kh < k; kh++ {
							for kw := 0; kw < k; kw++ {
								oh := ih*g.Stride - g.Padding + kh
								ow := iw*g.Stride - g.Padding + kw
								if oh < 0 || oh >= g.OutH || ow < 0 || ow >= g.OutW {
									continue
								}
								out[((n*g.OutChannels+oc)*g.OutH+oh)*g.OutW+ow] += v * w[((ic*g.OutChannels+oc)*k+kh)*k+kw]
							}
						}
					}
				}
			}
		}
	}
	return out
}

func randomTensor(seed uint64, shape ...int) *Tensor {
	r := NewRand(seed)
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = 2*r.Float32() - 1
	}
	return t
}

func TestConv2DKnownValues(t *testing.T) {
	l := NewConv2D(NewRand(1), 1, 1, 2, 1, 0)
	copy(l.Weight.Data, []float32{1, 1, 1, 1})
	l.Bias.Data[0] = 0

	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	require.NoError(t, err)

	y, err := l.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape)
	if diff := cmp.Diff([]float32{12, 16, 24, 28}, y.Data); diff != "" {
		t.Errorf("conv2d mismatch (-want +got):\n%s", diff)
	}
}

func TestConvTranspose2DKnownValues(t *testing.T) {
	l := NewConvTranspose2D(NewRand(1), 1, 1, 2, 1, 0, 0)
	copy(l.Weight.Data, []float32{1, 1, 1, 1})
	l.Bias.Data[0] = 0

	x, err := FromSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	require.NoError(t, err)

	y, err := l.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3}, y.Shape)
	if diff := cmp.Diff([]float32{1, 3, 2, 4, 10, 6, 3, 7, 4}, y.Data); diff != "" {
		t.Errorf("conv_transpose2d mismatch (-want +got):\n%s", diff)
	}
}

func TestConv2DMatchesReference(t *testing.T) {
	cases := []struct {
		name                    string
		batch, in, out, size    int
		kernel, stride, padding int
		wantSize                int
	}{
		{"encoder stage 28", 2, 3, 4, 28, 5, 2, 2, 14},
		{"encoder stage 7", 3, 8, 16, 7, 5, 2, 2, 4},
		{"encoder stage 32", 1, 2, 4, 32, 5, 2, 2, 16},
		{"unit stride", 2, 2, 3, 6, 3, 1, 1, 6},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			l := NewConv2D(NewRand(7), tt.in, tt.out, tt.kernel, tt.stride, tt.padding)
			x := randomTensor(11, tt.batch, tt.in, tt.size, tt.size)

			shape, err := l.OutputShape(x.Shape)
			require.NoError(t, err)
			assert.Equal(t, []int{tt.batch, tt.out, tt.wantSize, tt.wantSize}, shape)

			y, err := l.Forward(context.Background(), x)
			require.NoError(t, err)
			assert.Equal(t, shape, y.Shape)

			g, err := l.geometry(x.Shape)
			require.NoError(t, err)
			want := naiveConv2D(x.Data, g, l.Weight.Data, l.Bias.Data)
			assert.InDelta(t, 0, MaxAbsDiff(want, y.Data), 1e-4)
		})
	}
}

func TestConvTranspose2DMatchesReference(t *testing.T) {
	cases := []struct {
		name                                   string
		batch, in, out, size                   int
		kernel, stride, padding, outputPadding int
		wantSize                               int
	}{
		{"k4 s1 p0", 2, 8, 6, 4, 4, 1, 0, 0, 7},
		{"k5 s2 p1", 2, 6, 4, 7, 5, 2, 1, 0, 15},
		{"k5 s2 p1 op1", 1, 4, 2, 15, 5, 2, 1, 1, 32},
		{"k5 s1 p2", 3, 2, 1, 32, 5, 1, 2, 0, 32},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			l := NewConvTranspose2D(NewRand(3), tt.in, tt.out, tt.kernel, tt.stride, tt.padding, tt.outputPadding)
			x := randomTensor(5, tt.batch, tt.in, tt.size, tt.size)

			y, err := l.Forward(context.Background(), x)
			require.NoError(t, err)
			assert.Equal(t, []int{tt.batch, tt.out, tt.wantSize, tt.wantSize}, y.Shape)

			g, err := l.geometry(x.Shape)
			require.NoError(t, err)
			want := naiveConvTranspose2D(x.Data, g, l.Weight.Data, l.Bias.Data)
			assert.InDelta(t, 0, MaxAbsDiff(want, y.Data), 1e-4)
		})
	}
}

func TestConvThreadCountDoesNotChangeResult(t *testing.T) {
	l := NewConv2D(NewRand(2), 3, 4, 5, 2, 2)
	x := randomTensor(9, 6, 3, 16, 16)
	g, err := l.geometry(x.Shape)
	require.NoError(t, err)

	serial, err := (&CPU{Threads: 1}).Conv2D(context.Background(), x.Data, g, l.Weight.Data, l.Bias.Data)
	require.NoError(t, err)
	parallel, err := (&CPU{Threads: 4}).Conv2D(context.Background(), x.Data, g, l.Weight.Data, l.Bias.Data)
	require.NoError(t, err)
	assert.Equal(t, serial, parallel)
}

func TestConvShapeErrors(t *testing.T) {
	conv := NewConv2D(NewRand(1), 3, 4, 5, 2, 2)
	_, err := conv.Forward(context.Background(), NewTensor(1, 2, 8, 8))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = conv.Forward(context.Background(), NewTensor(3, 8, 8))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	big := NewConv2D(NewRand(1), 1, 1, 5, 1, 0)
	_, err = big.Forward(context.Background(), NewTensor(1, 1, 3, 3))
	assert.ErrorIs(t, err, ErrInvalidShape)

	g := ConvGeometry{Batch: 1, InChannels: 1, OutChannels: 1, InH: 2, InW: 2, OutH: 1, OutW: 1, Kernel: 2, Stride: 1}
	_, err = NewCPU().Conv2D(context.Background(), make([]float32, 3), g, make([]float32, 4), nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConvCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := NewConv2D(NewRand(1), 1, 2, 3, 1, 1)
	_, err := l.Forward(ctx, NewTensor(4, 1, 8, 8))
	assert.ErrorIs(t, err, context.Canceled)
}

// recordingAccelerator delegates to the CPU and counts calls.
type recordingAccelerator struct {
	*CPU
	conv, deconv int
}

func (r *recordingAccelerator) Name() string { return "recording" }

func (r *recordingAccelerator) Conv2D(ctx context.Context, in []float32, g ConvGeometry, w, b []float32) ([]float32, error) {
	r.conv++
	return r.CPU.Conv2D(ctx, in, g, w, b)
}

func (r *recordingAccelerator) ConvTranspose2D(ctx context.Context, in []float32, g ConvGeometry, w, b []float32) ([]float32, error) {
	r.deconv++
	return r.CPU.ConvTranspose2D(ctx, in, g, w, b)
}

func TestSetAccelerator(t *testing.T) {
	rec := &recordingAccelerator{CPU: &CPU{Threads: 1}}
	seq := NewSequential(
		NewConv2D(NewRand(1), 1, 2, 3, 1, 1),
		LeakyReLU(),
		NewConvTranspose2D(NewRand(2), 2, 1, 3, 1, 1, 0),
	)
	seq.SetAccelerator(rec)

	y, err := seq.Forward(context.Background(), randomTensor(1, 2, 1, 5, 5))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 5, 5}, y.Shape)
	assert.Equal(t, 1, rec.conv)
	assert.Equal(t, 1, rec.deconv)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Conv2d(3, 16, k=5, s=2, p=2)", Describe(NewConv2D(NewRand(1), 3, 16, 5, 2, 2)))
	assert.Equal(t, "ConvTranspose2d(64, 32, k=5, s=2, p=1, op=1)", Describe(NewConvTranspose2D(NewRand(1), 64, 32, 5, 2, 1, 1)))
	assert.Equal(t, "LeakyReLU(0.01)", Describe(LeakyReLU()))
	assert.Equal(t, "AdaptiveAvgPool2d(1)", Describe(&AvgPool2D{}))
	assert.Equal(t, "UnFlatten(4)", Describe(UnFlatten{Size: 4}))
}
