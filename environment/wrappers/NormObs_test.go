package wrappers

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r1"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/environment"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/timestep"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

type fixedEnv struct {
	environment.Environment
	d obs.Dict
}

func (f *fixedEnv) Reset() (obs.Dict, error) { return f.d, nil }

func (f *fixedEnv) Step(*tensor.Dense) (timestep.TimeStep, error) {
	return timestep.New(timestep.Mid, 0, f.d, 1), nil
}

func (f *fixedEnv) GetObservation() (obs.Dict, error) { return f.d, nil }

func TestNormObsRescalesConfiguredKeys(t *testing.T) {
	env := &fixedEnv{d: obs.Dict{
		"joints": tensorutils.New([]int{1, 3}, []float64{0, 1, 2}),
		"scene":  tensorutils.New([]int{1, 2}, []float64{5, 6}),
	}}
	n, err := NewNormObs(env, map[string]r1.Interval{
		"joints": {Min: 0, Max: 2},
	})
	require.NoError(t, err)

	d, err := n.Reset()
	require.NoError(t, err)
	require.Equal(t, []float64{-1, 0, 1},
		tensorutils.Data(d["joints"]))

	// Unconfigured keys pass through untouched
	require.Same(t, env.d["scene"], d["scene"])

	// The wrapped environment's observation was not mutated
	require.Equal(t, []float64{0, 1, 2},
		tensorutils.Data(env.d["joints"]))

	step, err := n.Step(nil)
	require.NoError(t, err)
	require.Equal(t, []float64{-1, 0, 1},
		tensorutils.Data(step.Observation["joints"]))
}

func TestNormObsRejectsDegenerateBounds(t *testing.T) {
	_, err := NewNormObs(&fixedEnv{}, map[string]r1.Interval{
		"joints": {Min: 1, Max: 1},
	})
	require.Error(t, err)
}

func TestNormObsStats(t *testing.T) {
	n, err := NewNormObs(&fixedEnv{}, map[string]r1.Interval{
		"joints": {Min: -2, Max: 2},
	})
	require.NoError(t, err)
	require.Equal(t, map[string][]float64{"joints": {-2, 2}}, n.Stats())
}
