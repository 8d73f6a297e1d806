package nn

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/openfluke/nssm/envconfig"
)

// ConvGeometry fixes every size a convolution kernel needs. Weight layouts
// follow PyTorch: [out, in, k, k] for Conv2D and [in, out, k, k] for
// ConvTranspose2D.
type ConvGeometry struct {
	Batch         int
	InChannels    int
	OutChannels   int
	InH, InW      int
	OutH, OutW    int
	Kernel        int
	Stride        int
	Padding       int
	OutputPadding int
}

func (g ConvGeometry) InputSize() int  { return g.Batch * g.InChannels * g.InH * g.InW }
func (g ConvGeometry) OutputSize() int { return g.Batch * g.OutChannels * g.OutH * g.OutW }
func (g ConvGeometry) WeightSize() int { return g.InChannels * g.OutChannels * g.Kernel * g.Kernel }

func (g ConvGeometry) check(op string, in, weight, bias []float32) error {
	if len(in) != g.InputSize() {
		return &ShapeError{Op: op, Got: []int{len(in)}, Want: []int{g.Batch, g.InChannels, g.InH, g.InW}}
	}
	if len(weight) != g.WeightSize() {
		return &ShapeError{Op: op + " weight", Got: []int{len(weight)}, Want: []int{g.WeightSize()}}
	}
	if bias != nil && len(bias) != g.OutChannels {
		return &ShapeError{Op: op + " bias", Got: []int{len(bias)}, Want: []int{g.OutChannels}}
	}
	return nil
}

// Conv2DOutputSize is the spatial output size of a strided convolution.
func Conv2DOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// ConvTranspose2DOutputSize is the spatial output size of a transposed
// convolution.
func ConvTranspose2DOutputSize(in, kernel, stride, padding, outputPadding int) int {
	return (in-1)*stride - 2*padding + kernel + outputPadding
}

// Accelerator runs the convolution kernels. This abstraction allows
// swapping implementations (CPU, GPU) without changing layer code.
type Accelerator interface {
	Name() string
	Conv2D(ctx context.Context, in []float32, g ConvGeometry, weight, bias []float32) ([]float32, error)
	ConvTranspose2D(ctx context.Context, in []float32, g ConvGeometry, weight, bias []float32) ([]float32, error)
}

// CPU computes convolutions with im2col/col2im and a single-precision
// GEMM, one batch element per goroutine.
type CPU struct {
	Threads int
}

// NewCPU returns a CPU accelerator sized by NSSM_NUM_THREADS.
func NewCPU() *CPU {
	return &CPU{Threads: envconfig.Threads()}
}

func (c *CPU) Name() string { return "cpu" }

// each runs fn for every batch element and stops at the first error or
// when ctx is cancelled.
func (c *CPU) each(ctx context.Context, n int, fn func(b int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.Threads > 0 {
		g.SetLimit(c.Threads)
	}
	for b := 0; b < n; b++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(b)
		})
	}
	return g.Wait()
}

func (c *CPU) Conv2D(ctx context.Context, in []float32, g ConvGeometry, weight, bias []float32) ([]float32, error) {
	if err := g.check("conv2d", in, weight, bias); err != nil {
		return nil, err
	}

	rows := g.InChannels * g.Kernel * g.Kernel
	spatial := g.OutH * g.OutW
	inStride := g.InChannels * g.InH * g.InW
	outStride := g.OutChannels * spatial
	out := make([]float32, g.OutputSize())

	w := blas32.General{Rows: g.OutChannels, Cols: rows, Stride: rows, Data: weight}
	err := c.each(ctx, g.Batch, func(b int) error {
		cols := make([]float32, rows*spatial)
		im2col(in[b*inStride:(b+1)*inStride], cols, g)

		dst := out[b*outStride : (b+1)*outStride]
		fillBias(dst, bias, spatial)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w,
			blas32.General{Rows: rows, Cols: spatial, Stride: spatial, Data: cols},
			1, blas32.General{Rows: g.OutChannels, Cols: spatial, Stride: spatial, Data: dst})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}
	return out, nil
}

func (c *CPU) ConvTranspose2D(ctx context.Context, in []float32, g ConvGeometry, weight, bias []float32) ([]float32, error) {
	if err := g.check("conv_transpose2d", in, weight, bias); err != nil {
		return nil, err
	}

	rows := g.OutChannels * g.Kernel * g.Kernel
	inSpatial := g.InH * g.InW
	inStride := g.InChannels * inSpatial
	outStride := g.OutChannels * g.OutH * g.OutW
	out := make([]float32, g.OutputSize())

	w := blas32.General{Rows: g.InChannels, Cols: rows, Stride: rows, Data: weight}
	err := c.each(ctx, g.Batch, func(b int) error {
		cols := make([]float32, rows*inSpatial)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, w,
			blas32.General{Rows: g.InChannels, Cols: inSpatial, Stride: inSpatial, Data: in[b*inStride : (b+1)*inStride]},
			0, blas32.General{Rows: rows, Cols: inSpatial, Stride: inSpatial, Data: cols})

		dst := out[b*outStride : (b+1)*outStride]
		fillBias(dst, bias, g.OutH*g.OutW)
		col2im(cols, dst, g)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conv_transpose2d: %w", err)
	}
	return out, nil
}

func fillBias(dst, bias []float32, spatial int) {
	if bias == nil {
		return
	}
	for c, v := range bias {
		row := dst[c*spatial : (c+1)*spatial]
		for i := range row {
			row[i] = v
		}
	}
}

// im2col unfolds one [C, H, W] sample into [C*K*K, OutH*OutW] columns.
func im2col(src, cols []float32, g ConvGeometry) {
	k := g.Kernel
	spatial := g.OutH * g.OutW
	for c := 0; c < g.InChannels; c++ {
		plane := src[c*g.InH*g.InW : (c+1)*g.InH*g.InW]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := cols[((c*k+kh)*k+kw)*spatial:]
				for oh := 0; oh < g.OutH; oh++ {
					ih := oh*g.Stride - g.Padding + kh
					for ow := 0; ow < g.OutW; ow++ {
						iw := ow*g.Stride - g.Padding + kw
						if ih >= 0 && ih < g.InH && iw >= 0 && iw < g.InW {
							row[oh*g.OutW+ow] = plane[ih*g.InW+iw]
						}
					}
				}
			}
		}
	}
}

// col2im scatters [OutC*K*K, InH*InW] columns into one [OutC, OutH, OutW]
// sample, accumulating overlaps.
func col2im(cols, dst []float32, g ConvGeometry) {
	k := g.Kernel
	inSpatial := g.InH * g.InW
	for c := 0; c < g.OutChannels; c++ {
		plane := dst[c*g.OutH*g.OutW : (c+1)*g.OutH*g.OutW]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := cols[((c*k+kh)*k+kw)*inSpatial:]
				for ih := 0; ih < g.InH; ih++ {
					oh := ih*g.Stride - g.Padding + kh
					if oh < 0 || oh >= g.OutH {
						continue
					}
					for iw := 0; iw < g.InW; iw++ {
						ow := iw*g.Stride - g.Padding + kw
						if ow >= 0 && ow < g.OutW {
							plane[oh*g.OutW+ow] += row[ih*g.InW+iw]
						}
					}
				}
			}
		}
	}
}
