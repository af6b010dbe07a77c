package algo

import (
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/obs"
)

// RolloutPolicy wraps an Algo behind the minimal reset/get-action
// interface environment rollouts use. Creating one puts the wrapped
// algorithm in evaluation mode.
type RolloutPolicy struct {
	algo Algo
}

// NewRolloutPolicy wraps an algorithm for rollout
func NewRolloutPolicy(a Algo) *RolloutPolicy {
	a.Eval()
	return &RolloutPolicy{algo: a}
}

// Reset prepares the policy for a fresh episode
func (p *RolloutPolicy) Reset() {
	p.algo.Reset()
}

// GetAction returns actions of shape [B, A] for a batch of
// observations.
func (p *RolloutPolicy) GetAction(obsDict, goalDict obs.Dict) (*tensor.Dense,
	error) {

	return p.algo.GetAction(obsDict, goalDict)
}
