package nn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

// ErrTooFewValues is returned by BatchNorm in training mode when a channel
// has a single value to normalize.
var ErrTooFewValues = errors.New("nn: batch_norm: expected more than 1 value per channel when training")

// BatchNorm normalizes each channel of [N, C] or [N, C, H, W] input.
// In training mode it uses batch statistics and updates the running
// statistics; otherwise it uses the running statistics and is read-only.
type BatchNorm struct {
	Features int
	Eps      float64
	Momentum float64

	Weight      *Tensor // gamma [C]
	Bias        *Tensor // beta [C]
	RunningMean *Tensor // [C]
	RunningVar  *Tensor // [C]

	mu       sync.RWMutex
	training bool
}

// NewBatchNorm returns a layer with torch defaults: gamma 1, beta 0,
// running mean 0, running var 1, eps 1e-5, momentum 0.1.
func NewBatchNorm(features int) *BatchNorm {
	l := &BatchNorm{
		Features:    features,
		Eps:         1e-5,
		Momentum:    0.1,
		Weight:      NewTensor(features),
		Bias:        NewTensor(features),
		RunningMean: NewTensor(features),
		RunningVar:  NewTensor(features),
	}
	for i := 0; i < features; i++ {
		l.Weight.Data[i] = 1
		l.RunningVar.Data[i] = 1
	}
	return l
}

func (l *BatchNorm) SetTraining(training bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.training = training
}

func (l *BatchNorm) OutputShape(in []int) ([]int, error) {
	if (len(in) != 2 && len(in) != 4) || in[1] != l.Features {
		return nil, &ShapeError{Op: "batch_norm", Got: in, Want: []int{-1, l.Features}}
	}
	return slices.Clone(in), nil
}

func (l *BatchNorm) Forward(ctx context.Context, x *Tensor) (*Tensor, error) {
	if _, err := l.OutputShape(x.Shape); err != nil {
		return nil, err
	}

	n, c := x.Shape[0], x.Shape[1]
	inner := 1
	for _, d := range x.Shape[2:] {
		inner *= d
	}

	l.mu.RLock()
	training := l.training
	l.mu.RUnlock()

	mean := make([]float64, c)
	variance := make([]float64, c)
	if training {
		count := n * inner
		if count <= 1 {
			return nil, fmt.Errorf("%w (got input shape %v)", ErrTooFewValues, x.Shape)
		}
		for ch := 0; ch < c; ch++ {
			var sum float64
			for b := 0; b < n; b++ {
				for _, v := range x.Data[(b*c+ch)*inner : (b*c+ch+1)*inner] {
					sum += float64(v)
				}
			}
			mean[ch] = sum / float64(count)

			var sq float64
			for b := 0; b < n; b++ {
				for _, v := range x.Data[(b*c+ch)*inner : (b*c+ch+1)*inner] {
					d := float64(v) - mean[ch]
					sq += d * d
				}
			}
			variance[ch] = sq / float64(count)
		}
		l.updateRunning(mean, variance, count)
	} else {
		l.mu.RLock()
		for ch := 0; ch < c; ch++ {
			mean[ch] = float64(l.RunningMean.Data[ch])
			variance[ch] = float64(l.RunningVar.Data[ch])
		}
		l.mu.RUnlock()
	}

	out := NewTensor(x.Shape...)
	for ch := 0; ch < c; ch++ {
		scale := float64(l.Weight.Data[ch]) / math.Sqrt(variance[ch]+l.Eps)
		shift := float64(l.Bias.Data[ch]) - mean[ch]*scale
		for b := 0; b < n; b++ {
			off := (b*c + ch) * inner
			for i := off; i < off+inner; i++ {
				out.Data[i] = float32(float64(x.Data[i])*scale + shift)
			}
		}
	}
	return out, nil
}

// updateRunning folds batch statistics into the running estimates; the
// running variance uses the unbiased estimator.
func (l *BatchNorm) updateRunning(mean, variance []float64, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	unbias := float64(count) / float64(count-1)
	for ch := range mean {
		rm := float64(l.RunningMean.Data[ch])
		rv := float64(l.RunningVar.Data[ch])
		l.RunningMean.Data[ch] = float32((1-l.Momentum)*rm + l.Momentum*mean[ch])
		l.RunningVar.Data[ch] = float32((1-l.Momentum)*rv + l.Momentum*variance[ch]*unbias)
	}
}

func (l *BatchNorm) Parameters() []Parameter {
	return []Parameter{
		{Name: "weight", Value: l.Weight, Trainable: true},
		{Name: "bias", Value: l.Bias, Trainable: true},
		{Name: "running_mean", Value: l.RunningMean},
		{Name: "running_var", Value: l.RunningVar},
	}
}

func (l *BatchNorm) Describe() string {
	return fmt.Sprintf("BatchNorm(%d)", l.Features)
}
