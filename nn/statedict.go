package nn

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrStateDict indicates a state dict that does not fit a model.
var ErrStateDict = errors.New("nn: state dict mismatch")

// StateDict maps dotted parameter names to tensors.
type StateDict map[string]*Tensor

// Keys returns the names in sorted order.
func (sd StateDict) Keys() []string {
	return slices.Sorted(maps.Keys(sd))
}

// Sub returns the entries under prefix with the prefix removed. An empty
// prefix returns sd itself.
func (sd StateDict) Sub(prefix string) StateDict {
	if prefix == "" {
		return sd
	}
	prefix = strings.TrimSuffix(prefix, ".") + "."
	out := StateDict{}
	for k, v := range sd {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

// Prefixed returns a copy with every name prefixed by "prefix.".
func (sd StateDict) Prefixed(prefix string) StateDict {
	if prefix == "" {
		return maps.Clone(sd)
	}
	prefix = strings.TrimSuffix(prefix, ".") + "."
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[prefix+k] = v
	}
	return out
}

// Merge copies the entries of other into sd.
func (sd StateDict) Merge(other StateDict) StateDict {
	maps.Copy(sd, other)
	return sd
}

// StateDictOf collects the parameters of p under prefix. Tensors are shared,
// not copied.
func StateDictOf(prefix string, p Parameterized) StateDict {
	sd := StateDict{}
	for _, param := range p.Parameters() {
		sd[param.Name] = param.Value
	}
	return sd.Prefixed(prefix)
}

// LoadParameters copies sd into params. Loading is strict: every parameter
// must be present with the same shape and no extra names may remain.
// All problems are reported together and nothing is written unless the whole
// dict fits.
func LoadParameters(params []Parameter, sd StateDict) error {
	var errs []error
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		seen[p.Name] = true
		t, ok := sd[p.Name]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("missing key %q", p.Name))
		case !slices.Equal(t.Shape, p.Value.Shape):
			errs = append(errs, fmt.Errorf("key %q: shape %v, model expects %v", p.Name, t.Shape, p.Value.Shape))
		case len(t.Data) != len(p.Value.Data):
			errs = append(errs, fmt.Errorf("key %q: %d values for shape %v", p.Name, len(t.Data), t.Shape))
		}
	}
	for _, k := range sd.Keys() {
		if !seen[k] {
			errs = append(errs, fmt.Errorf("unexpected key %q", k))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrStateDict, errors.Join(errs...))
	}

	for _, p := range params {
		copy(p.Value.Data, sd[p.Name].Data)
	}
	return nil
}
