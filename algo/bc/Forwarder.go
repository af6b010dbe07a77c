package bc

import (
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/dists"
	"github.com/gomimic/gomimic/network"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// forwardResult is what one forward pass produced: a point estimate,
// a distribution, or a reconstruction, together with the hook that
// pushes loss gradients back through the network that made it.
type forwardResult interface {
	predictions() algo.Predictions
}

// pointResult is a point-estimate prediction of shape [B, A] or
// [B, T, A].
type pointResult struct {
	actions  *tensor.Dense
	backward func(grad *tensor.Dense)
}

func (r *pointResult) predictions() algo.Predictions {
	return algo.Predictions{"actions": r.actions}
}

// gaussianResult is a diagonal Gaussian over actions
type gaussianResult struct {
	dist     *dists.Gaussian
	backward func(gradMean, gradLogStd *tensor.Dense)
}

func (r *gaussianResult) predictions() algo.Predictions {
	return algo.Predictions{"actions": r.dist.Mean}
}

// gmmResult is a Gaussian mixture over actions
type gmmResult struct {
	dist     *dists.GMM
	backward func(*dists.GMMGrads)
}

func (r *gmmResult) predictions() algo.Predictions {
	return algo.Predictions{"actions": r.dist.Mean()}
}

// vaeResult is an action reconstruction with its KL term
type vaeResult struct {
	recon    *tensor.Dense
	kl       float64
	backward func(gradRecon *tensor.Dense, klWeight float64)
}

func (r *vaeResult) predictions() algo.Predictions {
	return algo.Predictions{"actions": r.recon}
}

// forwarder runs the variant's network on a processed batch. The
// factory wires run to the concrete network's forward pass.
type forwarder struct {
	network network.NeuralNet
	run     func(*algo.Batch) (forwardResult, error)
}

func inputFrom(batch *algo.Batch) *network.Input {
	return &network.Input{Obs: batch.Obs, Goal: batch.Goal}
}

// seqInputFrom builds a sequence network input, tiling the goal
// (which carries no time axis) across the batch's time steps.
func seqInputFrom(batch *algo.Batch) *network.Input {
	in := inputFrom(batch)
	if batch.Goal != nil {
		steps := batch.Actions.Shape()[1]
		in.Goal = batch.Goal.AddTimeAxis().RepeatFirst(steps)
	}
	return in
}

func pointForwarder(n *network.ActorNetwork) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		return &pointResult{
			actions:  n.Forward(inputFrom(b)),
			backward: n.Backward,
		}, nil
	}}
}

func gaussianForwarder(n *network.GaussianActorNetwork) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		return &gaussianResult{
			dist:     n.Forward(inputFrom(b)),
			backward: n.Backward,
		}, nil
	}}
}

func gmmForwarder(n *network.GMMActorNetwork) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		return &gmmResult{
			dist:     n.Forward(inputFrom(b)),
			backward: n.Backward,
		}, nil
	}}
}

func vaeForwarder(n *network.VAENetwork, rng *rand.Rand) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		in := inputFrom(b)
		in.Actions = b.Actions
		recon, kl := n.ForwardVAE(in, rng)
		return &vaeResult{
			recon:    recon,
			kl:       kl,
			backward: n.BackwardVAE,
		}, nil
	}}
}

func rnnPointForwarder(n *network.RNNActorNetwork) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		return &pointResult{
			actions:  n.Forward(seqInputFrom(b)),
			backward: n.Backward,
		}, nil
	}}
}

func rnnGMMForwarder(n *network.RNNGMMActorNetwork) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		return &gmmResult{
			dist:     n.Forward(seqInputFrom(b)),
			backward: n.Backward,
		}, nil
	}}
}

func transformerPointForwarder(n *network.TransformerActorNetwork) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		return &pointResult{
			actions:  n.Forward(seqInputFrom(b)),
			backward: n.Backward,
		}, nil
	}}
}

func transformerGMMForwarder(
	n *network.TransformerGMMActorNetwork) *forwarder {

	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		return &gmmResult{
			dist:     n.Forward(seqInputFrom(b)),
			backward: n.Backward,
		}, nil
	}}
}

func actForwarder(n *network.ACTActorNetwork) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		in := seqInputFrom(b)
		in.Actions = shiftActions(b.Actions)
		return &pointResult{
			actions:  n.Forward(in),
			backward: n.Backward,
		}, nil
	}}
}

func actGMMForwarder(n *network.ACTGMMActorNetwork) *forwarder {
	return &forwarder{network: n, run: func(b *algo.Batch) (forwardResult,
		error) {
		in := seqInputFrom(b)
		in.Actions = shiftActions(b.Actions)
		return &gmmResult{
			dist:     n.Forward(in),
			backward: n.Backward,
		}, nil
	}}
}

// shiftActions builds the action-history input for chunking
// variants: the target sequence shifted right one step, with a zero
// action at the first step.
func shiftActions(actions *tensor.Dense) *tensor.Dense {
	shape := actions.Shape()
	batch, steps, dim := shape[0], shape[1], shape[2]
	src := tensorutils.Data(actions)

	out := make([]float64, len(src))
	for b := 0; b < batch; b++ {
		for t := 1; t < steps; t++ {
			copy(out[(b*steps+t)*dim:(b*steps+t+1)*dim],
				src[(b*steps+t-1)*dim:(b*steps+t)*dim])
		}
	}
	return tensorutils.New([]int{batch, steps, dim}, out)
}
