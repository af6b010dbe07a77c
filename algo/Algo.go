// Package algo defines the contract every training algorithm
// satisfies and the factory through which algorithms are constructed
// from configuration.
//
// An Algo owns its named networks and solvers. The training driver
// only ever talks to it through ProcessBatch, TrainOnBatch, LogInfo
// and the rollout entry points GetAction and Reset.
package algo

import (
	"errors"

	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/network"
	"github.com/gomimic/gomimic/obs"
)

// ErrNotSupported indicates a requested algorithm or feature
// combination that no implementation exists for.
var ErrNotSupported = errors.New("not supported")

// ActionLoss is the key under which every algorithm reports the
// scalar loss driving its gradient step. All other loss entries are
// diagnostic.
const ActionLoss = "action_loss"

// Batch is one training batch. Obs holds [B, T, D...] arrays, Actions
// holds [B, T, A]. Goal may be nil and carries no time axis.
type Batch struct {
	Obs     obs.Dict
	Goal    obs.Dict
	Actions *tensor.Dense
}

// Predictions holds the named tensors a forward pass produced. It
// always includes "actions".
type Predictions map[string]*tensor.Dense

// Losses holds named scalar losses, always including ActionLoss
type Losses map[string]float64

// Info is what one call to TrainOnBatch returns. GradNorms is only
// populated when a parameter update was performed.
type Info struct {
	Predictions Predictions
	Losses      Losses
	GradNorms   map[string]float64
}

// Spec carries the shape metadata algorithms size their networks from
type Spec struct {
	ObsShapes  obs.Shapes
	GoalShapes obs.Shapes
	ActionDim  int
}

// Algo is the contract every training algorithm implements
type Algo interface {
	// ProcessBatch extracts and windows exactly the fields the
	// algorithm trains on. It never mutates its input.
	ProcessBatch(*Batch) (*Batch, error)

	// TrainOnBatch runs one training step on a processed batch. When
	// validate is set the loss computation is identical but no
	// parameter changes and no gradient accumulation occur.
	TrainOnBatch(batch *Batch, epoch int, validate bool) (*Info, error)

	// LogInfo flattens an Info into scalar summaries. Absent optional
	// loss terms are skipped, never an error.
	LogInfo(*Info) map[string]float64

	// GetAction returns actions of shape [B, A] for a batch of
	// rollout observations. It panics if the algorithm's networks are
	// still in training mode.
	GetAction(obsDict, goalDict obs.Dict) (*tensor.Dense, error)

	// Reset clears rollout-only mutable state. No-op for stateless
	// algorithms.
	Reset()

	// OnEpochEnd advances any epoch-dependent schedules
	OnEpochEnd(epoch int)

	// Train and Eval switch every owned network's mode
	Train()
	Eval()
	Training() bool

	// Networks returns the algorithm's named networks for
	// checkpointing and parameter inspection.
	Networks() map[string]network.NeuralNet
}
