package solver

import (
	"math"

	"github.com/gomimic/gomimic/network"
)

// RMSPropConfig describes a configuration of the RMSProp solver
type RMSPropConfig struct {
	StepSize float64
	Decay    float64
	Epsilon  float64 // Smoothing factor
	Clip     float64 // Global gradient norm bound, <= 0 if no clipping
}

// NewDefaultRMSProp returns a new RMSProp Solver with default
// hyperparameters.
func NewDefaultRMSProp(stepSize float64) (*Solver, error) {
	return NewRMSProp(stepSize, 0.99, 1e-8, -1)
}

// NewRMSProp returns a new RMSProp Solver
func NewRMSProp(stepSize, decay, epsilon, clip float64) (*Solver, error) {
	rmsprop := RMSPropConfig{
		StepSize: stepSize,
		Decay:    decay,
		Epsilon:  epsilon,
		Clip:     clip,
	}

	return newSolver(RMSProp, rmsprop)
}

// Create returns a new RMSProp Stepper as described by the
// RMSPropConfig.
func (r RMSPropConfig) Create() Stepper {
	return &rmsprop{RMSPropConfig: r, cache: make(map[string][]float64)}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (r RMSPropConfig) ValidType(t Type) bool {
	return t == RMSProp
}

type rmsprop struct {
	RMSPropConfig
	cache map[string][]float64
}

func (r *rmsprop) Step(params []*network.Parameter) float64 {
	norm := clipGrads(params, r.Clip)
	for _, p := range params {
		c, ok := r.cache[p.Name]
		if !ok {
			c = make([]float64, len(p.Value))
			r.cache[p.Name] = c
		}
		for i, g := range p.Grad {
			c[i] = r.Decay*c[i] + (1-r.Decay)*g*g
			p.Value[i] -= r.StepSize * g / (math.Sqrt(c[i]) + r.Epsilon)
		}
	}
	return norm
}
