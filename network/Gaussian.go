package network

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/dists"
	"github.com/gomimic/gomimic/initwfn"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// lowNoiseStd is the fixed standard deviation stochastic actors use
// at evaluation time when low-noise evaluation is enabled, so rollout
// actions are effectively the distribution mode.
const lowNoiseStd = 1e-4

// GaussianActorNetwork is a stochastic MLP policy producing a
// diagonal Gaussian over actions.
type GaussianActorNetwork struct {
	base
	obsShapes  obs.Shapes
	goalShapes obs.Shapes
	actionDim  int

	trunk    *mlp
	meanHead *linear
	stdHead  *linear

	logMinStd    float64
	lowNoiseEval bool

	batch   int
	clamped []bool
}

// NewGaussianActorNetwork creates a Gaussian actor. minStd bounds the
// predicted standard deviation from below. When lowNoiseEval is set,
// evaluation-mode forwards replace the predicted deviation with a
// near-zero constant.
func NewGaussianActorNetwork(obsShapes, goalShapes obs.Shapes, actionDim int,
	hidden []int, act *Activation, minStd float64, lowNoiseEval bool,
	init *initwfn.InitWFn, rng *rand.Rand) *GaussianActorNetwork {

	if len(hidden) == 0 {
		panic("newGaussianActorNetwork: need at least one hidden layer")
	}
	n := &GaussianActorNetwork{
		obsShapes:    obsShapes,
		goalShapes:   goalShapes,
		actionDim:    actionDim,
		logMinStd:    math.Log(minStd),
		lowNoiseEval: lowNoiseEval,
	}
	dims := append([]int{obsShapes.TotalDim() + goalShapes.TotalDim()},
		hidden...)
	n.trunk = newMLP(&n.base, "trunk", dims, act, act, init, rng)
	last := hidden[len(hidden)-1]
	n.meanHead = newLinear(&n.base, "mean", last, actionDim, init, rng)
	n.stdHead = newLinear(&n.base, "logstd", last, actionDim, init, rng)
	return n
}

// Forward returns the action distribution for a batch of
// observations, with batch rank 1.
func (n *GaussianActorNetwork) Forward(in *Input) *dists.Gaussian {
	x := joinInput(in, n.obsShapes, n.goalShapes, 1)
	n.batch, _ = x.Dims()
	h := n.trunk.forward(x)

	meanData := matData(n.meanHead.forward(h))
	logStdData := matData(n.stdHead.forward(h))

	n.clamped = make([]bool, len(logStdData))
	for i, v := range logStdData {
		if v < n.logMinStd {
			logStdData[i] = n.logMinStd
			n.clamped[i] = true
		}
	}
	if !n.Training() && n.lowNoiseEval {
		for i := range logStdData {
			logStdData[i] = math.Log(lowNoiseStd)
		}
	}

	shape := []int{n.batch, n.actionDim}
	return dists.NewGaussian(
		tensorutils.New(shape, meanData),
		tensorutils.New(shape, logStdData),
	)
}

// Backward accumulates parameter gradients for loss gradients with
// respect to the last Forward's distribution parameters. Gradients
// through clamped deviations are dropped.
func (n *GaussianActorNetwork) Backward(gradMean, gradLogStd *tensor.Dense) {
	gs := tensorutils.Data(gradLogStd)
	masked := make([]float64, len(gs))
	copy(masked, gs)
	for i, c := range n.clamped {
		if c {
			masked[i] = 0
		}
	}

	dMean := n.meanHead.backward(
		mat.NewDense(n.batch, n.actionDim, tensorutils.Data(gradMean)))
	dStd := n.stdHead.backward(
		mat.NewDense(n.batch, n.actionDim, masked))

	var dh mat.Dense
	dh.Add(dMean, dStd)
	n.trunk.backward(&dh)
}
