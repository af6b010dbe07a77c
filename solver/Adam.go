package solver

import (
	"math"

	"github.com/gomimic/gomimic/network"
)

// AdamConfig describes a configuration of the Adam solver
type AdamConfig struct {
	StepSize float64
	Epsilon  float64 // Smoothing factor
	Beta1    float64
	Beta2    float64
	Clip     float64 // Global gradient norm bound, <= 0 if no clipping
}

// NewDefaultAdam returns a new Adam Solver with default hyperparameters
func NewDefaultAdam(stepSize float64) (*Solver, error) {
	return NewAdam(stepSize, 1e-8, 0.9, 0.999, -1)
}

// NewAdam returns a new Adam Solver
func NewAdam(stepSize, epsilon, beta1, beta2, clip float64) (*Solver,
	error) {
	adam := AdamConfig{
		StepSize: stepSize,
		Epsilon:  epsilon,
		Beta1:    beta1,
		Beta2:    beta2,
		Clip:     clip,
	}

	return newSolver(Adam, adam)
}

// Create returns a new Adam Stepper as described by the AdamConfig
func (a AdamConfig) Create() Stepper {
	return &adam{
		AdamConfig: a,
		m:          make(map[string][]float64),
		v:          make(map[string][]float64),
	}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (a AdamConfig) ValidType(t Type) bool {
	return t == Adam
}

// adam holds the per-parameter moment estimates, keyed by parameter
// name so state survives checkpoint restores that rebuild networks.
type adam struct {
	AdamConfig
	t    int
	m, v map[string][]float64
}

func (a *adam) Step(params []*network.Parameter) float64 {
	norm := clipGrads(params, a.Clip)
	a.t++

	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for _, p := range params {
		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float64, len(p.Value))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok {
			v = make([]float64, len(p.Value))
			a.v[p.Name] = v
		}

		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g

			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Value[i] -= a.StepSize * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
	return norm
}
