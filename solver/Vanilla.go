package solver

import "github.com/gomimic/gomimic/network"

// VanillaConfig describes a configuration of the vanilla gradient
// descent solver.
type VanillaConfig struct {
	StepSize float64
	Clip     float64 // Global gradient norm bound, <= 0 if no clipping
}

// NewVanilla returns a new Vanilla Solver
func NewVanilla(stepSize, clip float64) (*Solver, error) {
	vanilla := VanillaConfig{
		StepSize: stepSize,
		Clip:     clip,
	}

	return newSolver(Vanilla, vanilla)
}

// Create returns a Vanilla Stepper as described by the VanillaConfig
func (v VanillaConfig) Create() Stepper {
	return vanilla{v}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (v VanillaConfig) ValidType(t Type) bool {
	return t == Vanilla
}

type vanilla struct {
	VanillaConfig
}

func (v vanilla) Step(params []*network.Parameter) float64 {
	norm := clipGrads(params, v.Clip)
	for _, p := range params {
		for i, g := range p.Grad {
			p.Value[i] -= v.StepSize * g
		}
	}
	return norm
}
