// Package motionplan adapts a native motion-planning simulation to
// the environment contract, including demonstration round-robin
// resets and DAgger-style relabeling.
package motionplan

import (
	"gorgonia.org/tensor"
)

// Sim is the native simulation interface. Configurations are
// normalized joint vectors in [-1, 1]; scenes travel as packed
// parameter vectors.
type Sim interface {
	// SetState places the arm at cfg inside the scene described by
	// the packed parameter vector.
	SetState(cfg, sceneParams []float64) error

	// State returns the current normalized configuration
	State() []float64

	// SceneParams returns the active packed scene vector
	SceneParams() []float64

	// SetGoal sets the goal configuration
	SetGoal(goal []float64)

	// Goal returns the goal configuration
	Goal() []float64

	// Step moves the arm toward the target configuration
	Step(target []float64) error

	// InCollision reports whether any control point penetrates an
	// obstacle.
	InCollision() bool

	// AtGoal reports whether the current configuration reached the
	// goal.
	AtGoal() bool

	DOF() int
}

// Depther is an optional Sim capability producing a [H, W] depth
// render of the current state.
type Depther interface {
	Depth() *tensor.Dense
}

// Imager is an optional Sim capability producing a [H, W, 3] color
// render of the current state.
type Imager interface {
	Image() *tensor.Dense
}

// Planner replans action sequences between configurations. One
// Planner instance is reused across successive calls so its internal
// search structure carries over.
type Planner interface {
	Plan(from, goal []float64) ([][]float64, error)
}
