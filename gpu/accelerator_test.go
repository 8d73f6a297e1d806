package gpu

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/nssm/nn"
)

func geometry(batch, in, out, size, kernel, stride, padding, outputPadding int, transposed bool) nn.ConvGeometry {
	g := nn.ConvGeometry{
		Batch: batch, InChannels: in, OutChannels: out, InH: size, InW: size,
		Kernel: kernel, Stride: stride, Padding: padding, OutputPadding: outputPadding,
	}
	if transposed {
		g.OutH = nn.ConvTranspose2DOutputSize(size, kernel, stride, padding, outputPadding)
	} else {
		g.OutH = nn.Conv2DOutputSize(size, kernel, stride, padding)
	}
	g.OutW = g.OutH
	return g
}

func TestGenerateShader(t *testing.T) {
	for _, transposed := range []bool{false, true} {
		l := &ConvLayer{Spec: ConvSpec{ConvGeometry: geometry(2, 8, 4, 7, 5, 2, 1, 0, transposed), Transposed: transposed}}
		src := l.GenerateShader()

		assert.NotContains(t, src, "%!", "unformatted verb in shader")
		assert.Contains(t, src, "const TOTAL : u32 = "+strconv.Itoa(l.Spec.OutputSize())+"u;")
		assert.Contains(t, src, "const PADDING : i32 = 1;")
		assert.Contains(t, src, "@workgroup_size(256)")
		assert.Contains(t, src, "let ow = idx % OUT_W;")
		assert.Equal(t, transposed, strings.Contains(src, "u32(th) % STRIDE"))
	}
}

func TestWorkgroups(t *testing.T) {
	cases := []struct {
		n    int
		x, y uint32
	}{
		{1, 1, 1},
		{256, 1, 1},
		{257, 2, 1},
		{256 * 65535, 65535, 1},
		{256*65535 + 1, 65535, 2},
	}
	for _, tt := range cases {
		x, y := workgroups(tt.n)
		assert.Equal(t, tt.x, x, "n=%d", tt.n)
		assert.Equal(t, tt.y, y, "n=%d", tt.n)
		assert.GreaterOrEqual(t, int(x)*int(y)*workgroupSize, tt.n)
	}
}

func TestConvSpecLabel(t *testing.T) {
	spec := ConvSpec{ConvGeometry: geometry(4, 32, 16, 7, 5, 2, 1, 0, true), Transposed: true}
	assert.Equal(t, "conv_transpose2d_b4_32x7x7_to_16x15x15_k5", spec.label())
}

func TestFromEnvCPU(t *testing.T) {
	t.Setenv("NSSM_DEVICE", "cpu")
	_, ok := FromEnv().(*nn.CPU)
	assert.True(t, ok)
}

func randomData(seed uint64, n int) []float32 {
	r := nn.NewRand(seed)
	out := make([]float32, n)
	for i := range out {
		out[i] = 2*r.Float32() - 1
	}
	return out
}

func TestAcceleratorMatchesCPU(t *testing.T) {
	a, err := NewAccelerator()
	if err != nil {
		t.Skipf("webgpu not available: %v", err)
	}
	defer a.Close()

	cpu := &nn.CPU{Threads: 1}
	cases := []struct {
		name       string
		g          nn.ConvGeometry
		transposed bool
	}{
		{"conv k5 s2 p2", geometry(2, 3, 8, 28, 5, 2, 2, 0, false), false},
		{"conv odd size", geometry(3, 8, 16, 7, 5, 2, 2, 0, false), false},
		{"deconv k4 s1 p0", geometry(2, 32, 16, 4, 4, 1, 0, 0, true), true},
		{"deconv k5 s2 p1", geometry(2, 16, 8, 7, 5, 2, 1, 0, true), true},
		{"deconv k5 s2 p1 op1", geometry(1, 8, 4, 15, 5, 2, 1, 1, true), true},
		{"deconv k5 s1 p2", geometry(3, 4, 1, 32, 5, 1, 2, 0, true), true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			in := randomData(1, tt.g.InputSize())
			w := randomData(2, tt.g.WeightSize())
			b := randomData(3, tt.g.OutChannels)

			run, ref := a.Conv2D, cpu.Conv2D
			if tt.transposed {
				run, ref = a.ConvTranspose2D, cpu.ConvTranspose2D
			}
			want, err := ref(context.Background(), in, tt.g, w, b)
			require.NoError(t, err)

			// twice, the second time through the cached kernel
			for range 2 {
				got, err := run(context.Background(), in, tt.g, w, b)
				require.NoError(t, err)
				assert.InDelta(t, 0, nn.MaxAbsDiff(want, got), 1e-4)
			}
		})
	}
}

func TestAcceleratorShapeErrors(t *testing.T) {
	a := &Accelerator{layers: map[ConvSpec]*ConvLayer{}}
	g := geometry(1, 1, 1, 4, 3, 1, 1, 0, false)

	_, err := a.Conv2D(context.Background(), make([]float32, 3), g, make([]float32, 9), nil)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)

	_, err = a.ConvTranspose2D(context.Background(), make([]float32, 16), g, make([]float32, 4), nil)
	assert.ErrorIs(t, err, nn.ErrShapeMismatch)
}
