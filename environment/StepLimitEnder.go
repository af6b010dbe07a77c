package environment

import "github.com/gomimic/gomimic/timestep"

// StepLimit truncates episodes at a fixed timestep limit
type StepLimit struct {
	episodeSteps int
}

// NewStepLimit creates and returns a new step limit
func NewStepLimit(episodeSteps int) StepLimit {
	return StepLimit{episodeSteps}
}

// End determines whether or not the current episode should be ended,
// returning a boolean to indicate episode truncation. If the episode
// should be ended End() will mark the timestep as its episode's last.
func (s StepLimit) End(t *timestep.TimeStep) bool {
	if t.Number >= s.episodeSteps {
		t.End(true)
		return true
	}
	return false
}
