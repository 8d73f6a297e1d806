package vae

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/openfluke/nssm/nn"
)

var (
	// ErrInvalidConfig marks construction parameters that cannot build a model.
	ErrInvalidConfig = errors.New("vae: invalid config")

	// ErrGeometry marks a decoder whose deconvolution stack cannot produce
	// dim x dim frames. It also matches ErrInvalidConfig.
	ErrGeometry = fmt.Errorf("%w: output geometry", ErrInvalidConfig)

	// ErrIndivisibleBatch is returned when flattened latents cannot be split
	// into the requested batch size.
	ErrIndivisibleBatch = errors.New("vae: latent rows not divisible by batch size")

	// ErrStateDict is returned when weights do not fit the model.
	ErrStateDict = nn.ErrStateDict
)

// ConfigError reports which field broke a construction-time invariant.
type ConfigError struct {
	Field  string
	Value  int
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s=%d: %s", e.Err, e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func positive(field string, v int) error {
	if v <= 0 {
		return &ConfigError{Field: field, Value: v, Reason: "must be positive", Err: ErrInvalidConfig}
	}
	return nil
}

// EncoderConfig holds the LatentStateEncoder construction parameters.
type EncoderConfig struct {
	// ZAmort is the number of leading frames used to infer z0.
	ZAmort int `json:"z_amort"`
	// NumFilters is the width of the first convolution, doubled per stage.
	NumFilters int `json:"num_filters"`
	// NumChannels is the number of color channels per frame.
	NumChannels int `json:"num_channels"`
	LatentDim   int `json:"latent_dim"`
	// Seed makes parameter initialization reproducible.
	Seed uint64 `json:"seed,omitempty"`
}

// InputChannels is the channel count the first convolution reads: ZAmort
// frames of NumChannels channels each.
func (c EncoderConfig) InputChannels() int { return c.ZAmort * c.NumChannels }

// FeatureDim is the pooled feature width fed to the output projection.
func (c EncoderConfig) FeatureDim() int { return c.NumFilters * 4 }

func (c EncoderConfig) Validate() error {
	return errors.Join(
		positive("encoder.z_amort", c.ZAmort),
		positive("encoder.num_filters", c.NumFilters),
		positive("encoder.num_channels", c.NumChannels),
		positive("encoder.latent_dim", c.LatentDim),
	)
}

// DecoderConfig holds the EmissionDecoder construction parameters. The batch
// size is not part of it: the decoder derives it from each input.
type DecoderConfig struct {
	// GenerationLen is the nominal number of decoded steps. The forward pass
	// takes the actual count from the input shape.
	GenerationLen int `json:"generation_len"`
	// Dim is the side of the square output frames.
	Dim         int    `json:"dim"`
	NumFilters  int    `json:"num_filters"`
	NumChannels int    `json:"num_channels"`
	LatentDim   int    `json:"latent_dim"`
	Seed        uint64 `json:"seed,omitempty"`
}

// ConvDim is the width of the linear expansion, unflattened to
// ConvDim/16 channels of 4x4.
func (c DecoderConfig) ConvDim() int { return c.NumFilters * 4 * 4 * 4 }

type deconvStage struct {
	kernel, stride, padding, outputPadding int
}

const unflattenSize = 4

var decoderStages = [...]deconvStage{
	{kernel: 4, stride: 1, padding: 0},
	{kernel: 5, stride: 2, padding: 1},
	{kernel: 5, stride: 2, padding: 1, outputPadding: 1},
	{kernel: 5, stride: 1, padding: 2},
}

// OutputSize is the frame side produced by the deconvolution stack.
func (c DecoderConfig) OutputSize() int {
	s := unflattenSize
	for _, st := range decoderStages {
		s = nn.ConvTranspose2DOutputSize(s, st.kernel, st.stride, st.padding, st.outputPadding)
	}
	return s
}

func (c DecoderConfig) Validate() error {
	err := errors.Join(
		positive("decoder.generation_len", c.GenerationLen),
		positive("decoder.dim", c.Dim),
		positive("decoder.num_filters", c.NumFilters),
		positive("decoder.num_channels", c.NumChannels),
		positive("decoder.latent_dim", c.LatentDim),
	)
	if err != nil {
		return err
	}

	if c.NumChannels != 1 {
		return &ConfigError{Field: "decoder.num_channels", Value: c.NumChannels, Reason: "the decoder emits single channel frames", Err: ErrInvalidConfig}
	}
	if out := c.OutputSize(); out != c.Dim {
		return &ConfigError{
			Field:  "decoder.dim",
			Value:  c.Dim,
			Reason: fmt.Sprintf("deconvolution stack produces %dx%d frames", out, out),
			Err:    ErrGeometry,
		}
	}
	return nil
}

// Config bundles both components as stored in a model config file.
type Config struct {
	Encoder EncoderConfig `json:"encoder"`
	Decoder DecoderConfig `json:"decoder"`
}

func (c Config) Validate() error {
	if err := errors.Join(c.Encoder.Validate(), c.Decoder.Validate()); err != nil {
		return err
	}
	if c.Encoder.LatentDim != c.Decoder.LatentDim {
		return &ConfigError{
			Field:  "decoder.latent_dim",
			Value:  c.Decoder.LatentDim,
			Reason: fmt.Sprintf("encoder.latent_dim is %d", c.Encoder.LatentDim),
			Err:    ErrInvalidConfig,
		}
	}
	return nil
}

// LoadConfig reads and validates a JSON model config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var c Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
