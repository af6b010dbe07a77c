// Package wrappers provides environment wrappers that transform
// observations while leaving the wrapped environment's dynamics
// untouched.
package wrappers

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r1"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/environment"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/timestep"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// NormObs wraps an Environment and linearly rescales selected
// observation keys into [-1, 1] using fixed per-key bounds. Keys
// without configured bounds pass through untouched. The wrapped
// environment's own observations are never mutated.
type NormObs struct {
	environment.Environment
	bounds map[string]r1.Interval
}

// NewNormObs wraps env. Each entry of bounds maps an observation key
// to the value range its data occupies before normalization.
func NewNormObs(env environment.Environment,
	bounds map[string]r1.Interval) (*NormObs, error) {

	for key, iv := range bounds {
		if iv.Max <= iv.Min {
			return nil, fmt.Errorf("newNormObs: degenerate bounds "+
				"[%v, %v] for key %q", iv.Min, iv.Max, key)
		}
	}
	return &NormObs{Environment: env, bounds: bounds}, nil
}

// Stats returns the normalization bounds as flat per-key statistics,
// in the form checkpoints store them: [min, max] per key.
func (n *NormObs) Stats() map[string][]float64 {
	out := make(map[string][]float64, len(n.bounds))
	for key, iv := range n.bounds {
		out[key] = []float64{iv.Min, iv.Max}
	}
	return out
}

func (n *NormObs) Reset() (obs.Dict, error) {
	d, err := n.Environment.Reset()
	if err != nil {
		return nil, err
	}
	return n.normalize(d), nil
}

func (n *NormObs) Step(action *tensor.Dense) (timestep.TimeStep, error) {
	t, err := n.Environment.Step(action)
	if err != nil {
		return t, err
	}
	t.Observation = n.normalize(t.Observation)
	return t, nil
}

func (n *NormObs) GetObservation() (obs.Dict, error) {
	d, err := n.Environment.GetObservation()
	if err != nil {
		return nil, err
	}
	return n.normalize(d), nil
}

func (n *NormObs) normalize(d obs.Dict) obs.Dict {
	out := make(obs.Dict, len(d))
	for key, t := range d {
		iv, ok := n.bounds[key]
		if !ok {
			out[key] = t
			continue
		}
		data := append([]float64(nil), tensorutils.Data(t)...)
		span := iv.Max - iv.Min
		for i, v := range data {
			data[i] = 2*(v-iv.Min)/span - 1
		}
		out[key] = tensorutils.New(t.Shape(), data)
	}
	return out
}
