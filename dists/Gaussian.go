// Package dists implements the parametric action distributions the
// policy networks emit: a diagonal Gaussian and a Gaussian mixture.
// Distributions are plain parameter holders; log probabilities,
// samples, and the gradients of the negative log likelihood with
// respect to the parameters are all computed here so algorithms can
// feed backward passes without an autodiff graph.
//
// A distribution's batch shape is its parameter shape without the
// trailing event dims: rank 1 ([B]) for flat policies, rank 2 ([B, T])
// for sequence policies. The rank checks are structural invariants: a
// caller producing the wrong rank has a misconfigured pipeline, so
// violations panic rather than return errors.
package dists

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

const logSqrt2Pi = 0.9189385332046727 // log(sqrt(2*pi))

// Gaussian is a batch of diagonal Gaussian action distributions with
// parameters of shape [batch..., eventDim].
type Gaussian struct {
	Mean   *tensor.Dense
	LogStd *tensor.Dense
}

// NewGaussian returns a Gaussian with the given parameters, which
// must share a shape.
func NewGaussian(mean, logStd *tensor.Dense) *Gaussian {
	if !shapeEqual(mean.Shape(), logStd.Shape()) {
		panic(fmt.Sprintf("newGaussian: mean shape %v != logStd shape %v",
			mean.Shape(), logStd.Shape()))
	}
	return &Gaussian{Mean: mean, LogStd: logStd}
}

// BatchRank returns the number of batch axes
func (g *Gaussian) BatchRank() int {
	return len(g.Mean.Shape()) - 1
}

// AssertBatchRank panics unless the distribution's batch rank is want
func (g *Gaussian) AssertBatchRank(want int) {
	if g.BatchRank() != want {
		panic(fmt.Sprintf("gaussian: batch rank %v, want %v: distribution "+
			"shape does not match the configured policy", g.BatchRank(), want))
	}
}

// EventDim returns the action dimension
func (g *Gaussian) EventDim() int {
	shape := g.Mean.Shape()
	return shape[len(shape)-1]
}

// LogProb returns the log probability of actions under each batch
// element, with the batch shape of the distribution.
func (g *Gaussian) LogProb(actions *tensor.Dense) *tensor.Dense {
	mean := tensorutils.Data(g.Mean)
	logStd := tensorutils.Data(g.LogStd)
	x := tensorutils.Data(actions)
	if len(x) != len(mean) {
		panic(fmt.Sprintf("logProb: actions have %v elements, want %v",
			len(x), len(mean)))
	}

	dim := g.EventDim()
	rows := len(mean) / dim
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		lp := 0.0
		for i := 0; i < dim; i++ {
			j := r*dim + i
			std := math.Exp(logStd[j])
			z := (x[j] - mean[j]) / std
			lp += -0.5*z*z - logStd[j] - logSqrt2Pi
		}
		out[r] = lp
	}
	shape := g.Mean.Shape()
	return tensorutils.New(append([]int{}, shape[:len(shape)-1]...), out)
}

// Sample draws one action per batch element
func (g *Gaussian) Sample(src rand.Source) *tensor.Dense {
	mean := tensorutils.Data(g.Mean)
	logStd := tensorutils.Data(g.LogStd)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	out := make([]float64, len(mean))
	for i := range mean {
		out[i] = mean[i] + math.Exp(logStd[i])*normal.Rand()
	}
	return tensorutils.New(append([]int{}, g.Mean.Shape()...), out)
}

// NLLGrad returns the mean negative log likelihood of actions and its
// gradients with respect to Mean and LogStd.
func (g *Gaussian) NLLGrad(actions *tensor.Dense) (float64, *tensor.Dense,
	*tensor.Dense) {

	mean := tensorutils.Data(g.Mean)
	logStd := tensorutils.Data(g.LogStd)
	x := tensorutils.Data(actions)

	dim := g.EventDim()
	rows := float64(len(mean) / dim)
	gradMean := make([]float64, len(mean))
	gradLogStd := make([]float64, len(logStd))
	nll := 0.0
	for j := range mean {
		std := math.Exp(logStd[j])
		z := (x[j] - mean[j]) / std
		nll += 0.5*z*z + logStd[j] + logSqrt2Pi
		gradMean[j] = (mean[j] - x[j]) / (std * std) / rows
		gradLogStd[j] = (1 - z*z) / rows
	}
	shape := append([]int{}, g.Mean.Shape()...)
	return nll / rows, tensorutils.New(shape, gradMean),
		tensorutils.New(shape, gradLogStd)
}

func shapeEqual(a, b tensor.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
