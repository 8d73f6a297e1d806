package vae

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/openfluke/nssm/logutil"
	"github.com/openfluke/nssm/nn"
)

// EmissionDecoder maps latent states to single channel Dim x Dim frames in
// [0, 1].
//
// A linear layer expands each latent vector to ConvDim features which are
// unflattened to 4x4 maps and upsampled by four transposed convolutions
// (4 -> 7 -> 15 -> 32 -> 32). Every latent vector is decoded on its own;
// batch and time only shape the output.
type EmissionDecoder struct {
	cfg DecoderConfig

	decoder *nn.Sequential

	training atomic.Bool
	logger   *slog.Logger
}

func NewEmissionDecoder(cfg DecoderConfig, opts ...Option) (*EmissionDecoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	r := nn.NewRand(cfg.Seed)
	f := cfg.NumFilters
	st := decoderStages
	d := &EmissionDecoder{
		cfg: cfg,
		decoder: nn.NewSequential(
			nn.NewLinear(r, cfg.LatentDim, cfg.ConvDim()),
			nn.NewBatchNorm(cfg.ConvDim()),
			nn.LeakyReLU(),
			nn.UnFlatten{Size: unflattenSize},
			nn.NewConvTranspose2D(r, cfg.ConvDim()/(unflattenSize*unflattenSize), f*4, st[0].kernel, st[0].stride, st[0].padding, st[0].outputPadding),
			nn.NewBatchNorm(f*4),
			nn.LeakyReLU(),
			nn.NewConvTranspose2D(r, f*4, f*2, st[1].kernel, st[1].stride, st[1].padding, st[1].outputPadding),
			nn.NewBatchNorm(f*2),
			nn.LeakyReLU(),
			nn.NewConvTranspose2D(r, f*2, f, st[2].kernel, st[2].stride, st[2].padding, st[2].outputPadding),
			nn.NewBatchNorm(f),
			nn.LeakyReLU(),
			nn.NewConvTranspose2D(r, f, cfg.NumChannels, st[3].kernel, st[3].stride, st[3].padding, st[3].outputPadding),
			nn.Sigmoid(),
		),
		logger: o.logger,
	}
	if o.accel != nil {
		d.decoder.SetAccelerator(o.accel)
	}

	d.logger.Debug("emission decoder", "dim", cfg.Dim, "num_filters", f, "conv_dim", cfg.ConvDim(),
		"latent_dim", cfg.LatentDim, "generation_len", cfg.GenerationLen, "parameters", d.NumParameters())
	return d, nil
}

func (d *EmissionDecoder) Config() DecoderConfig { return d.cfg }

// Forward decodes z [B, T, LatentDim] to frames [B, T, Dim, Dim].
func (d *EmissionDecoder) Forward(ctx context.Context, z *nn.Tensor) (*nn.Tensor, error) {
	if z.Rank() != 3 || z.Dim(2) != d.cfg.LatentDim {
		return nil, &nn.ShapeError{Op: "emission_decoder", Got: z.Shape, Want: []int{-1, -1, d.cfg.LatentDim}}
	}
	b, t := z.Dim(0), z.Dim(1)

	flat, err := z.Reshape(b*t, d.cfg.LatentDim)
	if err != nil {
		return nil, err
	}
	frames, err := d.decode(ctx, flat)
	if err != nil {
		return nil, err
	}
	return frames.Reshape(b, t, d.cfg.Dim, d.cfg.Dim)
}

// ForwardFlat decodes N flattened latent rows [N, LatentDim] and groups the
// frames into [batchSize, N/batchSize, Dim, Dim]. N must be a multiple of
// batchSize, otherwise ErrIndivisibleBatch is returned.
func (d *EmissionDecoder) ForwardFlat(ctx context.Context, z *nn.Tensor, batchSize int) (*nn.Tensor, error) {
	if z.Rank() != 2 || z.Dim(1) != d.cfg.LatentDim {
		return nil, &nn.ShapeError{Op: "emission_decoder", Got: z.Shape, Want: []int{-1, d.cfg.LatentDim}}
	}
	n := z.Dim(0)
	if batchSize <= 0 || n%batchSize != 0 {
		return nil, fmt.Errorf("%w: %d rows, batch size %d", ErrIndivisibleBatch, n, batchSize)
	}

	frames, err := d.decode(ctx, z)
	if err != nil {
		return nil, err
	}
	return frames.Reshape(batchSize, n/batchSize, d.cfg.Dim, d.cfg.Dim)
}

func (d *EmissionDecoder) decode(ctx context.Context, flat *nn.Tensor) (*nn.Tensor, error) {
	out, err := d.decoder.Forward(ctx, flat)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	// [N, 1, Dim, Dim] is guaranteed by the geometry check at construction
	d.logger.Log(ctx, logutil.LevelTrace, "decoded frames", "rows", flat.Dim(0), "shape", out.Shape, "values", nn.Summarize(out.Data))
	return out, nil
}

// SetTraining switches batch norm between batch statistics (true) and the
// running statistics (false, the default). In training mode a single latent
// row cannot be normalized and Forward fails with nn.ErrTooFewValues.
func (d *EmissionDecoder) SetTraining(training bool) {
	d.training.Store(training)
	d.decoder.SetTraining(training)
}

func (d *EmissionDecoder) Training() bool { return d.training.Load() }

// Parameters lists weights and batch norm buffers under their PyTorch names,
// e.g. "decoder.4.weight".
func (d *EmissionDecoder) Parameters() []nn.Parameter {
	return namedParameters(prefixed{"decoder", d.decoder})
}

func (d *EmissionDecoder) StateDict() nn.StateDict { return nn.StateDictOf("", d) }

func (d *EmissionDecoder) LoadStateDict(sd nn.StateDict) error {
	if err := nn.LoadParameters(d.Parameters(), sd); err != nil {
		return fmt.Errorf("emission decoder: %w", err)
	}
	return nil
}

func (d *EmissionDecoder) NumParameters() int { return nn.CountParameters(d) }

// Stages reports each layer's output for n latent rows.
func (d *EmissionDecoder) Stages(n int) ([]Stage, error) {
	return sequentialStages("decoder", d.decoder, []int{n, d.cfg.LatentDim})
}
