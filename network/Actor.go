package network

import (
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/initwfn"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
	"golang.org/x/exp/rand"
)

// ActorNetwork is a deterministic MLP policy mapping flat
// observations to point-estimate actions.
type ActorNetwork struct {
	base
	obsShapes  obs.Shapes
	goalShapes obs.Shapes
	actionDim  int
	trunk      *mlp
	batch      int
}

// NewActorNetwork creates a point-estimate actor with the given
// hidden layer sizes. goalShapes may be nil for unconditioned
// policies.
func NewActorNetwork(obsShapes, goalShapes obs.Shapes, actionDim int,
	hidden []int, act *Activation, init *initwfn.InitWFn,
	rng *rand.Rand) *ActorNetwork {

	n := &ActorNetwork{
		obsShapes:  obsShapes,
		goalShapes: goalShapes,
		actionDim:  actionDim,
	}
	dims := append([]int{obsShapes.TotalDim() + goalShapes.TotalDim()},
		hidden...)
	dims = append(dims, actionDim)
	n.trunk = newMLP(&n.base, "actor", dims, act, Identity(), init, rng)
	return n
}

// Forward runs a batch of observations through the policy and returns
// the predicted actions with shape [B, A].
func (n *ActorNetwork) Forward(in *Input) *tensor.Dense {
	x := joinInput(in, n.obsShapes, n.goalShapes, 1)
	n.batch, _ = x.Dims()
	y := n.trunk.forward(x)
	return tensorutils.New([]int{n.batch, n.actionDim}, matData(y))
}

// Backward accumulates parameter gradients for the loss gradient with
// respect to the last Forward's output.
func (n *ActorNetwork) Backward(grad *tensor.Dense) {
	g := mat.NewDense(n.batch, n.actionDim, tensorutils.Data(grad))
	n.trunk.backward(g)
}
