// Package environment defines the contract between the training and
// rollout loop and a simulated environment. The driver may depend on
// nothing beyond this interface.
package environment

import (
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/timestep"
)

// Starter implements a distribution of starting states and samples
// starting states for environments
type Starter interface {
	Start() []float64
}

// Serialization is the metadata needed to reconstruct an equivalent
// environment later without the live instance.
type Serialization struct {
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Kwargs map[string]interface{} `json:"kwargs"`
}

// Environment normalizes a native simulation to a fixed contract
type Environment interface {
	// Reset starts a new episode and returns its first observation
	Reset() (obs.Dict, error)

	// Step applies one action of shape [1, A]
	Step(action *tensor.Dense) (timestep.TimeStep, error)

	// GetObservation builds a freshly post-processed observation
	// dict; the native state is never exposed directly.
	GetObservation() (obs.Dict, error)

	// IsSuccess reports per-criterion success, keyed by data split
	// with nil for inactive splits. The "task" key appears only in
	// the single-environment case.
	IsSuccess() map[string]*bool

	// Serialize returns reconstruction metadata
	Serialize() Serialization

	Spec() Spec
}
