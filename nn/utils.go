package nn

import (
	"log/slog"
	"math"
)

// Summary is the range and mean of a slice of values.
type Summary struct {
	Count          int
	Min, Max, Mean float32
}

// Summarize scans v once. The mean is accumulated in float64. An empty
// slice yields the zero Summary.
func Summarize(v []float32) Summary {
	if len(v) == 0 {
		return Summary{}
	}
	s := Summary{Count: len(v), Min: v[0], Max: v[0]}
	var sum float64
	for _, x := range v {
		s.Min = min(s.Min, x)
		s.Max = max(s.Max, x)
		sum += float64(x)
	}
	s.Mean = float32(sum / float64(len(v)))
	return s
}

func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("n", s.Count),
		slog.Float64("min", float64(s.Min)),
		slog.Float64("max", float64(s.Max)),
		slog.Float64("mean", float64(s.Mean)),
	)
}

// MaxAbsDiff is the largest |a[i]-b[i]| over the common prefix of a and b.
func MaxAbsDiff(a, b []float32) float64 {
	var d float64
	for i := range min(len(a), len(b)) {
		d = max(d, math.Abs(float64(a[i])-float64(b[i])))
	}
	return d
}
