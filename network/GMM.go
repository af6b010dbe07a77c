package network

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/gomimic/gomimic/dists"
	"github.com/gomimic/gomimic/initwfn"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// gmmHead maps a feature matrix to Gaussian mixture parameters. It is
// shared by the flat, recurrent and transformer GMM actors.
type gmmHead struct {
	modes     int
	actionDim int

	meanHead  *linear
	stdHead   *linear
	logitHead *linear

	logMinStd    float64
	lowNoiseEval bool

	clamped []bool
}

func newGMMHead(owner *base, features, modes, actionDim int, minStd float64,
	lowNoiseEval bool, init *initwfn.InitWFn, rng *rand.Rand) *gmmHead {

	return &gmmHead{
		modes:        modes,
		actionDim:    actionDim,
		meanHead:     newLinear(owner, "gmm.mean", features, modes*actionDim, init, rng),
		stdHead:      newLinear(owner, "gmm.logstd", features, modes*actionDim, init, rng),
		logitHead:    newLinear(owner, "gmm.logit", features, modes, init, rng),
		logMinStd:    math.Log(minStd),
		lowNoiseEval: lowNoiseEval,
	}
}

// forward maps features of shape [rows, F] to a mixture whose batch
// axes are batchShape, with rows equal to the product of batchShape.
func (h *gmmHead) forward(x *mat.Dense, batchShape []int,
	training bool) *dists.GMM {

	means := matData(h.meanHead.forward(x))
	logStds := matData(h.stdHead.forward(x))
	logits := matData(h.logitHead.forward(x))

	h.clamped = make([]bool, len(logStds))
	for i, v := range logStds {
		if v < h.logMinStd {
			logStds[i] = h.logMinStd
			h.clamped[i] = true
		}
	}
	if !training && h.lowNoiseEval {
		for i := range logStds {
			logStds[i] = math.Log(lowNoiseStd)
		}
	}

	paramShape := append(append([]int{}, batchShape...), h.modes, h.actionDim)
	logitShape := append(append([]int{}, batchShape...), h.modes)
	return dists.NewGMM(
		tensorutils.New(paramShape, means),
		tensorutils.New(paramShape, logStds),
		tensorutils.New(logitShape, logits),
	)
}

// backward pushes mixture parameter gradients back to the features,
// dropping gradients through clamped deviations.
func (h *gmmHead) backward(grads *dists.GMMGrads) *mat.Dense {
	rows, _ := h.meanHead.x.Dims()

	gStd := tensorutils.Data(grads.LogStds)
	masked := make([]float64, len(gStd))
	copy(masked, gStd)
	for i, c := range h.clamped {
		if c {
			masked[i] = 0
		}
	}

	dMean := h.meanHead.backward(mat.NewDense(rows, h.modes*h.actionDim,
		tensorutils.Data(grads.Means)))
	dStd := h.stdHead.backward(mat.NewDense(rows, h.modes*h.actionDim, masked))
	dLogit := h.logitHead.backward(mat.NewDense(rows, h.modes,
		tensorutils.Data(grads.Logits)))

	var dx mat.Dense
	dx.Add(dMean, dStd)
	dx.Add(&dx, dLogit)
	return &dx
}

// GMMActorNetwork is a stochastic MLP policy producing a Gaussian
// mixture over actions.
type GMMActorNetwork struct {
	base
	obsShapes  obs.Shapes
	goalShapes obs.Shapes

	trunk *mlp
	head  *gmmHead

	batch int
}

// NewGMMActorNetwork creates a mixture actor with the given number of
// mixture modes.
func NewGMMActorNetwork(obsShapes, goalShapes obs.Shapes, actionDim int,
	hidden []int, act *Activation, modes int, minStd float64,
	lowNoiseEval bool, init *initwfn.InitWFn,
	rng *rand.Rand) *GMMActorNetwork {

	if len(hidden) == 0 {
		panic("newGMMActorNetwork: need at least one hidden layer")
	}
	n := &GMMActorNetwork{obsShapes: obsShapes, goalShapes: goalShapes}
	dims := append([]int{obsShapes.TotalDim() + goalShapes.TotalDim()},
		hidden...)
	n.trunk = newMLP(&n.base, "trunk", dims, act, act, init, rng)
	n.head = newGMMHead(&n.base, hidden[len(hidden)-1], modes, actionDim,
		minStd, lowNoiseEval, init, rng)
	return n
}

// Forward returns the mixture distribution for a batch of
// observations, with batch rank 1.
func (n *GMMActorNetwork) Forward(in *Input) *dists.GMM {
	x := joinInput(in, n.obsShapes, n.goalShapes, 1)
	n.batch, _ = x.Dims()
	h := n.trunk.forward(x)
	return n.head.forward(h, []int{n.batch}, n.Training())
}

// Backward accumulates parameter gradients for loss gradients with
// respect to the last Forward's mixture parameters.
func (n *GMMActorNetwork) Backward(grads *dists.GMMGrads) {
	n.trunk.backward(n.head.backward(grads))
}
