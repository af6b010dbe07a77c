// Package bc implements the behavioral cloning family of imitation
// learning algorithms: deterministic, Gaussian, mixture, variational,
// recurrent, transformer and action-chunking variants.
//
// Instead of a deep inheritance tree, every variant is one BC struct
// composed from four orthogonal strategies: a windower (temporal
// slicing of the batch), a forwarder (which network runs and what it
// produces), a composer (loss terms and their gradients) and a
// sampler (inference-time statefulness). The factory in this package
// wires the combination the configuration asks for.
package bc

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/network"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/solver"
)

// BC is a behavioral cloning algorithm assembled from strategies
type BC struct {
	name string

	windower windower
	fwd      *forwarder
	comp     composer
	sampler  sampler
	slv      *solver.Solver

	// epoch-dependent schedule, reapplied on every batch so the
	// current epoch's value is in effect during training; nil for
	// most variants
	schedule func(epoch int)
}

// Name returns the variant name the factory selected
func (b *BC) Name() string { return b.name }

// ProcessBatch applies the variant's temporal windowing. The input
// batch is never mutated.
func (b *BC) ProcessBatch(batch *algo.Batch) (*algo.Batch, error) {
	return b.windower.window(batch)
}

// TrainOnBatch runs one training step on a processed batch. With
// validate set, losses are computed identically but no gradients are
// accumulated and no parameters change.
func (b *BC) TrainOnBatch(batch *algo.Batch, epoch int,
	validate bool) (*algo.Info, error) {

	if b.schedule != nil {
		b.schedule(epoch)
	}
	res, err := b.fwd.run(batch)
	if err != nil {
		return nil, fmt.Errorf("trainOnBatch: %w", err)
	}

	losses, backprop, err := b.comp.compose(res, batch, validate)
	if err != nil {
		return nil, fmt.Errorf("trainOnBatch: %w", err)
	}

	info := &algo.Info{Predictions: res.predictions(), Losses: losses}
	if validate {
		return info, nil
	}

	net := b.fwd.network
	net.ZeroGrad()
	backprop()
	norm := b.slv.Step(net.Parameters())
	info.GradNorms = map[string]float64{"policy": norm}
	return info, nil
}

// LogInfo flattens an Info into scalar summaries
func (b *BC) LogInfo(info *algo.Info) map[string]float64 {
	out := make(map[string]float64, len(info.Losses)+len(info.GradNorms))
	for name, v := range info.Losses {
		out["Loss/"+name] = v
	}
	for name, v := range info.GradNorms {
		out["Grad_Norms/"+name] = v
	}
	return out
}

// GetAction returns rollout actions of shape [B, A]. The networks
// must be in evaluation mode; calling this mid-training is caller
// misuse.
func (b *BC) GetAction(obsDict, goalDict obs.Dict) (*tensor.Dense, error) {
	if b.fwd.network.Training() {
		panic("getAction: network is in training mode")
	}
	return b.sampler.getAction(obsDict, goalDict)
}

// Reset clears rollout-only state
func (b *BC) Reset() { b.sampler.reset() }

// OnEpochEnd advances epoch-dependent schedules
func (b *BC) OnEpochEnd(epoch int) {
	if b.schedule != nil {
		b.schedule(epoch)
	}
}

// Train puts every owned network in training mode
func (b *BC) Train() { b.fwd.network.Train() }

// Eval puts every owned network in evaluation mode
func (b *BC) Eval() { b.fwd.network.Eval() }

// Training reports whether the networks are in training mode
func (b *BC) Training() bool { return b.fwd.network.Training() }

// Networks returns the algorithm's named networks
func (b *BC) Networks() map[string]network.NeuralNet {
	return map[string]network.NeuralNet{"policy": b.fwd.network}
}
