package environment

import (
	"gonum.org/v1/gonum/spatial/r1"

	"github.com/gomimic/gomimic/obs"
)

// Spec tells the shapes and bounds of an environment's observations
// and actions.
type Spec struct {
	ObsShapes  obs.Shapes
	GoalShapes obs.Shapes
	ActionDim  int

	// ActionBounds applies to every action dimension
	ActionBounds r1.Interval
}

// Contains reports whether every entry of an action vector lies
// within the action bounds.
func (s Spec) Contains(action []float64) bool {
	for _, a := range action {
		if a < s.ActionBounds.Min || a > s.ActionBounds.Max {
			return false
		}
	}
	return true
}

// Clip clamps an action vector into the action bounds in place
func (s Spec) Clip(action []float64) {
	for i, a := range action {
		switch {
		case a < s.ActionBounds.Min:
			action[i] = s.ActionBounds.Min
		case a > s.ActionBounds.Max:
			action[i] = s.ActionBounds.Max
		}
	}
}
