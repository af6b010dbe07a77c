package dists

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/floatutils"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// GMM is a batch of Gaussian mixture action distributions.
// Means and LogStds have shape [batch..., M, eventDim]; Logits has
// shape [batch..., M], where M is the number of mixture components.
type GMM struct {
	Means   *tensor.Dense
	LogStds *tensor.Dense
	Logits  *tensor.Dense
}

// NewGMM returns a GMM with the given parameters
func NewGMM(means, logStds, logits *tensor.Dense) *GMM {
	if !shapeEqual(means.Shape(), logStds.Shape()) {
		panic(fmt.Sprintf("newGMM: means shape %v != logStds shape %v",
			means.Shape(), logStds.Shape()))
	}
	meanShape := means.Shape()
	logitShape := logits.Shape()
	if len(logitShape) != len(meanShape)-1 {
		panic(fmt.Sprintf("newGMM: logits shape %v does not match means "+
			"shape %v", logitShape, meanShape))
	}
	return &GMM{Means: means, LogStds: logStds, Logits: logits}
}

// NumModes returns the number of mixture components
func (g *GMM) NumModes() int {
	shape := g.Logits.Shape()
	return shape[len(shape)-1]
}

// EventDim returns the action dimension
func (g *GMM) EventDim() int {
	shape := g.Means.Shape()
	return shape[len(shape)-1]
}

// BatchRank returns the number of batch axes
func (g *GMM) BatchRank() int {
	return len(g.Logits.Shape()) - 1
}

// AssertBatchRank panics unless the distribution's batch rank is want.
// A wrong rank means the caller wired a flat policy to a sequence
// network or vice versa, which is a configuration error, so this check
// must fire before any loss is computed.
func (g *GMM) AssertBatchRank(want int) {
	if g.BatchRank() != want {
		panic(fmt.Sprintf("gmm: batch rank %v, want %v: distribution shape "+
			"does not match the configured policy", g.BatchRank(), want))
	}
}

// rows returns the number of flattened batch elements
func (g *GMM) rows() int {
	return tensorutils.Prod(g.Logits.Shape()[:g.BatchRank()])
}

// MixtureProbs returns the mixture weights, softmax of Logits, with
// the same shape as Logits.
func (g *GMM) MixtureProbs() *tensor.Dense {
	logits := tensorutils.Data(g.Logits)
	modes := g.NumModes()
	out := make([]float64, len(logits))
	for r := 0; r < len(logits)/modes; r++ {
		row := logits[r*modes : (r+1)*modes]
		lse := floatutils.LogSumExp(row...)
		for k := 0; k < modes; k++ {
			out[r*modes+k] = math.Exp(row[k] - lse)
		}
	}
	return tensorutils.New(append([]int{}, g.Logits.Shape()...), out)
}

// componentLogProbs returns, for each flattened batch element, the
// per-component joint terms log pi_k + log N_k(x), plus the total
// log prob (their log-sum-exp).
func (g *GMM) componentLogProbs(actions *tensor.Dense) ([][]float64,
	[]float64) {

	means := tensorutils.Data(g.Means)
	logStds := tensorutils.Data(g.LogStds)
	logits := tensorutils.Data(g.Logits)
	x := tensorutils.Data(actions)

	modes := g.NumModes()
	dim := g.EventDim()
	rows := g.rows()
	if len(x) != rows*dim {
		panic(fmt.Sprintf("gmm: actions have %v elements, want %v", len(x),
			rows*dim))
	}

	joint := make([][]float64, rows)
	total := make([]float64, rows)
	for r := 0; r < rows; r++ {
		logitRow := logits[r*modes : (r+1)*modes]
		lse := floatutils.LogSumExp(logitRow...)

		terms := make([]float64, modes)
		for k := 0; k < modes; k++ {
			logPi := logitRow[k] - lse
			lp := 0.0
			for i := 0; i < dim; i++ {
				j := (r*modes+k)*dim + i
				std := math.Exp(logStds[j])
				z := (x[r*dim+i] - means[j]) / std
				lp += -0.5*z*z - logStds[j] - logSqrt2Pi
			}
			terms[k] = logPi + lp
		}
		joint[r] = terms
		total[r] = floatutils.LogSumExp(terms...)
	}
	return joint, total
}

// LogProb returns the log probability of actions under each batch
// element, with the batch shape of the distribution.
func (g *GMM) LogProb(actions *tensor.Dense) *tensor.Dense {
	_, total := g.componentLogProbs(actions)
	return tensorutils.New(
		append([]int{}, g.Logits.Shape()[:g.BatchRank()]...), total)
}

// Sample draws one action per batch element by sampling a component
// from the mixture weights and then from that component's Gaussian.
func (g *GMM) Sample(src rand.Source) *tensor.Dense {
	means := tensorutils.Data(g.Means)
	logStds := tensorutils.Data(g.LogStds)
	probs := tensorutils.Data(g.MixtureProbs())

	modes := g.NumModes()
	dim := g.EventDim()
	rows := g.rows()

	rng := rand.New(src)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	out := make([]float64, rows*dim)
	for r := 0; r < rows; r++ {
		u := rng.Float64()
		k := modes - 1
		acc := 0.0
		for j := 0; j < modes; j++ {
			acc += probs[r*modes+j]
			if u < acc {
				k = j
				break
			}
		}
		for i := 0; i < dim; i++ {
			j := (r*modes+k)*dim + i
			out[r*dim+i] = means[j] + math.Exp(logStds[j])*normal.Rand()
		}
	}
	shape := append([]int{}, g.Logits.Shape()[:g.BatchRank()]...)
	return tensorutils.New(append(shape, dim), out)
}

// Mean returns the mixture mean, sum_k pi_k mu_k, with shape
// [batch..., eventDim].
func (g *GMM) Mean() *tensor.Dense {
	means := tensorutils.Data(g.Means)
	probs := tensorutils.Data(g.MixtureProbs())

	modes := g.NumModes()
	dim := g.EventDim()
	rows := g.rows()

	out := make([]float64, rows*dim)
	for r := 0; r < rows; r++ {
		for k := 0; k < modes; k++ {
			w := probs[r*modes+k]
			for i := 0; i < dim; i++ {
				out[r*dim+i] += w * means[(r*modes+k)*dim+i]
			}
		}
	}
	shape := append([]int{}, g.Logits.Shape()[:g.BatchRank()]...)
	return tensorutils.New(append(shape, dim), out)
}

// FinalStep builds a new rank-1 GMM from the final timestep of a
// rank-2 ([B, T]) GMM by slicing the distribution parameters. This is
// the supervise-final-step-only path: the sub-distribution is built
// from parameters, never by indexing samples.
func (g *GMM) FinalStep() *GMM {
	g.AssertBatchRank(2)
	shape := g.Logits.Shape()
	steps := shape[1]
	return NewGMM(
		tensorutils.TimeSlice(g.Means, steps-1),
		tensorutils.TimeSlice(g.LogStds, steps-1),
		tensorutils.TimeSlice(g.Logits, steps-1),
	)
}

// GMMGrads holds gradients of a scalar loss with respect to the GMM
// parameters, shaped like the parameters themselves.
type GMMGrads struct {
	Means   *tensor.Dense
	LogStds *tensor.Dense
	Logits  *tensor.Dense
}

// Add accumulates other into the receiver, scaling other by weight
func (grads *GMMGrads) Add(other *GMMGrads, weight float64) {
	accumulate(tensorutils.Data(grads.Means),
		tensorutils.Data(other.Means), weight)
	accumulate(tensorutils.Data(grads.LogStds),
		tensorutils.Data(other.LogStds), weight)
	accumulate(tensorutils.Data(grads.Logits),
		tensorutils.Data(other.Logits), weight)
}

func accumulate(dst, src []float64, weight float64) {
	for i := range dst {
		dst[i] += weight * src[i]
	}
}

// NLLGrad returns the mean negative log likelihood of actions and its
// gradients with respect to the mixture parameters. Rows for which
// dropMask is true are excluded from both the loss and the gradients;
// a nil dropMask keeps every row.
func (g *GMM) NLLGrad(actions *tensor.Dense, dropMask []bool) (float64,
	*GMMGrads) {

	means := tensorutils.Data(g.Means)
	logStds := tensorutils.Data(g.LogStds)
	x := tensorutils.Data(actions)
	joint, total := g.componentLogProbs(actions)

	modes := g.NumModes()
	dim := g.EventDim()
	rows := g.rows()

	kept := 0
	for r := 0; r < rows; r++ {
		if dropMask == nil || !dropMask[r] {
			kept++
		}
	}
	if kept == 0 {
		panic("gmm: nllGrad: every row is masked out")
	}

	gradMeans := make([]float64, len(means))
	gradLogStds := make([]float64, len(logStds))
	gradLogits := make([]float64, rows*modes)
	probs := tensorutils.Data(g.MixtureProbs())

	nll := 0.0
	for r := 0; r < rows; r++ {
		if dropMask != nil && dropMask[r] {
			continue
		}
		nll -= total[r]
		for k := 0; k < modes; k++ {
			resp := math.Exp(joint[r][k] - total[r])
			gradLogits[r*modes+k] =
				(probs[r*modes+k] - resp) / float64(kept)
			for i := 0; i < dim; i++ {
				j := (r*modes+k)*dim + i
				std := math.Exp(logStds[j])
				z := (x[r*dim+i] - means[j]) / std
				gradMeans[j] = resp * (means[j] - x[r*dim+i]) /
					(std * std) / float64(kept)
				gradLogStds[j] = resp * (1 - z*z) / float64(kept)
			}
		}
	}

	meanShape := append([]int{}, g.Means.Shape()...)
	logitShape := append([]int{}, g.Logits.Shape()...)
	return nll / float64(kept), &GMMGrads{
		Means:   tensorutils.New(meanShape, gradMeans),
		LogStds: tensorutils.New(append([]int{}, meanShape...), gradLogStds),
		Logits:  tensorutils.New(logitShape, gradLogits),
	}
}

// ExponentialPrecision returns the exponential-precision loss and its
// gradients with respect to the component means and mixture logits.
//
// For each batch element, the squared error of every component mean to
// the target action is pushed through a steep double-exponential
// kernel, exp(-1000 e) + exp(-10000 e), weighted by the mixture
// weights, and negated, so minimizing the loss drives the most
// responsible component's mean toward the target exactly.
func (g *GMM) ExponentialPrecision(actions *tensor.Dense) (float64,
	*GMMGrads) {

	means := tensorutils.Data(g.Means)
	x := tensorutils.Data(actions)
	probs := tensorutils.Data(g.MixtureProbs())

	modes := g.NumModes()
	dim := g.EventDim()
	rows := g.rows()

	gradMeans := make([]float64, len(means))
	gradLogits := make([]float64, rows*modes)

	loss := 0.0
	for r := 0; r < rows; r++ {
		kernel := make([]float64, modes)
		rowLoss := 0.0
		for k := 0; k < modes; k++ {
			sqErr := 0.0
			for i := 0; i < dim; i++ {
				diff := means[(r*modes+k)*dim+i] - x[r*dim+i]
				sqErr += diff * diff
			}
			sqErr /= float64(dim)

			e1 := math.Exp(-1000 * sqErr)
			e2 := math.Exp(-10000 * sqErr)
			kernel[k] = e1 + e2
			rowLoss += probs[r*modes+k] * kernel[k]

			// d kernel / d sqErr, through to the component means
			dKernel := -1000*e1 - 10000*e2
			for i := 0; i < dim; i++ {
				j := (r*modes+k)*dim + i
				diff := means[j] - x[r*dim+i]
				gradMeans[j] = -probs[r*modes+k] * dKernel *
					(2 * diff / float64(dim)) / float64(rows)
			}
		}
		loss -= rowLoss

		// d pi_k / d logit_j = pi_k (delta_kj - pi_j)
		for j := 0; j < modes; j++ {
			grad := 0.0
			for k := 0; k < modes; k++ {
				delta := 0.0
				if k == j {
					delta = 1
				}
				grad -= kernel[k] * probs[r*modes+k] *
					(delta - probs[r*modes+j])
			}
			gradLogits[r*modes+j] = grad / float64(rows)
		}
	}

	meanShape := append([]int{}, g.Means.Shape()...)
	logitShape := append([]int{}, g.Logits.Shape()...)
	return loss / float64(rows), &GMMGrads{
		Means:   tensorutils.New(meanShape, gradMeans),
		LogStds: tensorutils.Zeros(meanShape...),
		Logits:  tensorutils.New(logitShape, gradLogits),
	}
}
