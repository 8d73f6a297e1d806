package vae

import (
	"strconv"

	"github.com/openfluke/nssm/nn"
)

// Component is the surface shared by the encoder and the decoder.
type Component interface {
	nn.Parameterized
	StateDict() nn.StateDict
	LoadStateDict(sd nn.StateDict) error
	NumParameters() int
	SetTraining(training bool)
	Training() bool
}

var (
	_ Component = (*LatentStateEncoder)(nil)
	_ Component = (*EmissionDecoder)(nil)
)

// Stage is one row of a model summary. Name is the state dict prefix of
// the layer and is empty for parameterless layers.
type Stage struct {
	Name   string
	Op     string
	Output []int
	Params int
}

type prefixed struct {
	prefix string
	p      nn.Parameterized
}

func namedParameters(parts ...prefixed) []nn.Parameter {
	var params []nn.Parameter
	for _, part := range parts {
		for _, p := range part.p.Parameters() {
			p.Name = part.prefix + "." + p.Name
			params = append(params, p)
		}
	}
	return params
}

func sequentialStages(prefix string, s *nn.Sequential, in []int) ([]Stage, error) {
	inner, err := s.Stages(in)
	if err != nil {
		return nil, err
	}
	stages := make([]Stage, len(inner))
	for i, st := range inner {
		stages[i] = Stage{Op: st.Op, Output: st.Output, Params: st.Params}
		if _, ok := s.Layers[st.Index].(nn.Parameterized); ok {
			stages[i].Name = prefix + "." + strconv.Itoa(st.Index)
		}
	}
	return stages, nil
}
