package solver

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomimic/gomimic/network"
)

// quadratic is a one-parameter loss 0.5*x² with gradient x
func quadratic(x float64) []*network.Parameter {
	return []*network.Parameter{{
		Name:  "x",
		Value: []float64{x},
		Grad:  []float64{x},
	}}
}

func TestVanillaStep(t *testing.T) {
	s, err := NewVanilla(0.1, -1)
	require.NoError(t, err)

	params := quadratic(2.0)
	norm := s.Step(params)
	assert.InDelta(t, 2.0, norm, 1e-12)
	assert.InDelta(t, 1.8, params[0].Value[0], 1e-12)
}

func TestClipping(t *testing.T) {
	s, err := NewVanilla(1.0, 1.0)
	require.NoError(t, err)

	params := []*network.Parameter{{
		Name:  "x",
		Value: []float64{0, 0},
		Grad:  []float64{3, 4},
	}}
	norm := s.Step(params)
	assert.InDelta(t, 5.0, norm, 1e-12)

	// unit step in the gradient direction
	assert.InDelta(t, -0.6, params[0].Value[0], 1e-12)
	assert.InDelta(t, -0.8, params[0].Value[1], 1e-12)
}

func TestAdamConverges(t *testing.T) {
	s, err := NewDefaultAdam(0.1)
	require.NoError(t, err)

	params := quadratic(5.0)
	for i := 0; i < 500; i++ {
		params[0].Grad[0] = params[0].Value[0]
		s.Step(params)
	}
	assert.Less(t, math.Abs(params[0].Value[0]), 1e-2)
}

func TestRMSPropDescends(t *testing.T) {
	s, err := NewDefaultRMSProp(0.01)
	require.NoError(t, err)

	params := quadratic(3.0)
	before := params[0].Value[0]
	for i := 0; i < 50; i++ {
		params[0].Grad[0] = params[0].Value[0]
		s.Step(params)
	}
	assert.Less(t, math.Abs(params[0].Value[0]), before)
}

func TestSolverJSONRoundTrip(t *testing.T) {
	s, err := NewAdam(1e-3, 1e-8, 0.9, 0.999, 5.0)
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var restored Solver
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, Adam, restored.Type)
	cfg, ok := restored.Config.(*AdamConfig)
	require.True(t, ok)
	assert.Equal(t, s.Config, *cfg)
	assert.NotNil(t, restored.Stepper)
}

func TestSolverUnknownType(t *testing.T) {
	var s Solver
	err := json.Unmarshal([]byte(`{"Type":"Newton","Config":{}}`), &s)
	assert.Error(t, err)
}
