// Package timestep implements timesteps of the policy-environment
// interaction.
package timestep

import (
	"fmt"

	"github.com/gomimic/gomimic/obs"
)

// StepType denotes the type of step that a TimeStep can be, either a
// first environmental step, a middle step, or a last step
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// Info carries per-step diagnostics. Keys are namespaced by data
// split; an inactive split's key is present with a nil value so that
// the key set stays identical across heterogeneous rollout workers.
type Info map[string]*float64

// TimeStep packages together a single timestep in an environment
type TimeStep struct {
	stepType    StepType
	Reward      float64
	Observation obs.Dict
	Truncated   bool
	Info        Info
	Number      int
}

func New(t StepType, r float64, o obs.Dict, n int) TimeStep {
	return TimeStep{stepType: t, Reward: r, Observation: o, Number: n}
}

// First returns whether a TimeStep is the first in an environment
func (t *TimeStep) First() bool {
	return t.stepType == First
}

// Mid returns whether a TimeStep is a middle step in an environment
func (t *TimeStep) Mid() bool {
	return t.stepType == Mid
}

// Last returns whether a TimeStep is the last step in an environment
func (t *TimeStep) Last() bool {
	return t.stepType == Last
}

// End marks the TimeStep as the last of its episode
func (t *TimeStep) End(truncated bool) {
	t.stepType = Last
	t.Truncated = truncated
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  Reward:  %.2f  |  Step Number:  %v"

	return fmt.Sprintf(str, t.stepType, t.Reward, t.Number)
}
