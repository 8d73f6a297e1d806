package vae

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/openfluke/nssm/logutil"
	"github.com/openfluke/nssm/nn"
)

// LatentStateEncoder infers the initial latent state z0 from the first
// ZAmort frames of a sequence.
//
// The network is three Conv2d(k=5, s=2, p=2) stages of widths F, 2F and 4F,
// each followed by batch norm and LeakyReLU, a global average pool and a
// linear projection to LatentDim squashed by tanh. Input frames are read as
// ZAmort groups of NumChannels channels, so [B, T, H, W] grayscale sequences
// and [B, T*C, H, W] color sequences both work.
type LatentStateEncoder struct {
	cfg EncoderConfig

	initialEncoder    *nn.Sequential
	initialEncoderOut *nn.Linear
	activation        *nn.Activation

	training atomic.Bool
	logger   *slog.Logger
}

func NewLatentStateEncoder(cfg EncoderConfig, opts ...Option) (*LatentStateEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	r := nn.NewRand(cfg.Seed)
	f := cfg.NumFilters
	e := &LatentStateEncoder{
		cfg: cfg,
		initialEncoder: nn.NewSequential(
			nn.NewConv2D(r, cfg.InputChannels(), f, 5, 2, 2),
			nn.NewBatchNorm(f),
			nn.LeakyReLU(),
			nn.NewConv2D(r, f, f*2, 5, 2, 2),
			nn.NewBatchNorm(f*2),
			nn.LeakyReLU(),
			nn.NewConv2D(r, f*2, f*4, 5, 2, 2),
			nn.NewBatchNorm(f*4),
			nn.LeakyReLU(),
			&nn.AvgPool2D{},
			nn.Flatten{},
		),
		initialEncoderOut: nn.NewLinear(r, cfg.FeatureDim(), cfg.LatentDim),
		activation:        nn.Tanh(),
		logger:            o.logger,
	}
	if o.accel != nil {
		e.initialEncoder.SetAccelerator(o.accel)
	}

	e.logger.Debug("latent state encoder", "z_amort", cfg.ZAmort, "num_filters", f,
		"num_channels", cfg.NumChannels, "latent_dim", cfg.LatentDim, "parameters", e.NumParameters())
	return e, nil
}

func (e *LatentStateEncoder) Config() EncoderConfig { return e.cfg }

// Forward maps x [B, T, H, W] with T >= ZAmort*NumChannels to z0
// [B, LatentDim] with every value in [-1, 1]. The bounds are closed: tanh in
// float32 rounds to exactly -1 or 1 once |x| exceeds about 9, as in PyTorch.
// Channels past the first ZAmort frames are never read.
func (e *LatentStateEncoder) Forward(ctx context.Context, x *nn.Tensor) (*nn.Tensor, error) {
	need := e.cfg.InputChannels()
	if x.Rank() != 4 || x.Dim(1) < need {
		return nil, &nn.ShapeError{Op: "latent_state_encoder", Got: x.Shape, Want: []int{-1, need, -1, -1}}
	}

	window := x
	if x.Dim(1) > need {
		var err error
		if window, err = x.Narrow(1, 0, need); err != nil {
			return nil, err
		}
	}

	h, err := e.initialEncoder.Forward(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("initial_encoder: %w", err)
	}
	z, err := e.initialEncoderOut.Forward(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("initial_encoder_out: %w", err)
	}
	if z, err = e.activation.Forward(ctx, z); err != nil {
		return nil, err
	}
	e.logger.Log(ctx, logutil.LevelTrace, "encoded initial state", "batch", z.Dim(0), "values", nn.Summarize(z.Data))
	return z, nil
}

// SetTraining switches batch norm between batch statistics (true) and the
// running statistics (false, the default).
func (e *LatentStateEncoder) SetTraining(training bool) {
	e.training.Store(training)
	e.initialEncoder.SetTraining(training)
}

func (e *LatentStateEncoder) Training() bool { return e.training.Load() }

// Parameters lists weights and batch norm buffers under their PyTorch names,
// e.g. "initial_encoder.0.weight" or "initial_encoder_out.bias".
func (e *LatentStateEncoder) Parameters() []nn.Parameter {
	return namedParameters(
		prefixed{"initial_encoder", e.initialEncoder},
		prefixed{"initial_encoder_out", e.initialEncoderOut},
	)
}

// StateDict shares the model tensors; clone them before mutating.
func (e *LatentStateEncoder) StateDict() nn.StateDict { return nn.StateDictOf("", e) }

// LoadStateDict replaces every parameter and buffer. It fails with
// ErrStateDict, leaving the model untouched, unless sd has exactly the
// model's names and shapes.
func (e *LatentStateEncoder) LoadStateDict(sd nn.StateDict) error {
	if err := nn.LoadParameters(e.Parameters(), sd); err != nil {
		return fmt.Errorf("latent state encoder: %w", err)
	}
	return nil
}

func (e *LatentStateEncoder) NumParameters() int { return nn.CountParameters(e) }

// Stages reports each layer's output for an input shape.
func (e *LatentStateEncoder) Stages(in []int) ([]Stage, error) {
	if len(in) != 4 || in[1] < e.cfg.InputChannels() {
		return nil, &nn.ShapeError{Op: "latent_state_encoder", Got: in, Want: []int{-1, e.cfg.InputChannels(), -1, -1}}
	}
	in = []int{in[0], e.cfg.InputChannels(), in[2], in[3]}

	stages, err := sequentialStages("initial_encoder", e.initialEncoder, in)
	if err != nil {
		return nil, err
	}
	out, err := e.initialEncoderOut.OutputShape(stages[len(stages)-1].Output)
	if err != nil {
		return nil, err
	}
	return append(stages,
		Stage{Name: "initial_encoder_out", Op: nn.Describe(e.initialEncoderOut), Output: out, Params: nn.CountParameters(e.initialEncoderOut)},
		Stage{Op: nn.Describe(e.activation), Output: out},
	), nil
}
