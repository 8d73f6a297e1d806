package vae

import (
	"log/slog"

	"github.com/openfluke/nssm/nn"
)

type options struct {
	accel  nn.Accelerator
	logger *slog.Logger
}

// Option configures a component at construction.
type Option func(*options)

// WithAccelerator runs the convolutions of the component on a. The default
// is the CPU backend.
func WithAccelerator(a nn.Accelerator) Option {
	return func(o *options) { o.accel = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
