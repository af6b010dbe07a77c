// Package losses implements the per-term loss functions shared by the
// imitation-learning algorithms. Every loss returns both its scalar
// value (mean reduction over all elements or rows) and its gradient
// with respect to the prediction, so callers can hand the gradient
// straight to a network's backward pass.
package losses

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

// L2 computes the mean squared error between pred and target along
// with d(loss)/d(pred).
func L2(pred, target *tensor.Dense) (float64, *tensor.Dense) {
	p := tensorutils.Data(pred)
	t := tensorutils.Data(target)
	checkLen(p, t, "l2")

	n := float64(len(p))
	grad := make([]float64, len(p))
	loss := 0.0
	for i := range p {
		diff := p[i] - t[i]
		loss += diff * diff
		grad[i] = 2 * diff / n
	}
	return loss / n, tensorutils.New(shapeOf(pred), grad)
}

// SmoothL1 computes the smooth-L1 (Huber, delta = 1) loss between
// pred and target along with d(loss)/d(pred).
func SmoothL1(pred, target *tensor.Dense) (float64, *tensor.Dense) {
	p := tensorutils.Data(pred)
	t := tensorutils.Data(target)
	checkLen(p, t, "smoothL1")

	n := float64(len(p))
	grad := make([]float64, len(p))
	loss := 0.0
	for i := range p {
		diff := p[i] - t[i]
		if math.Abs(diff) < 1 {
			loss += 0.5 * diff * diff
			grad[i] = diff / n
		} else {
			loss += math.Abs(diff) - 0.5
			if diff > 0 {
				grad[i] = 1 / n
			} else {
				grad[i] = -1 / n
			}
		}
	}
	return loss / n, tensorutils.New(shapeOf(pred), grad)
}

// Cosine computes the mean cosine-direction loss, 1 - cos(p, t), over
// the first dims entries of each row of pred and target, along with
// d(loss)/d(pred). The gradient entries beyond dims are zero. The loss
// attains its minimum of 0 when every pair of truncated rows is
// colinear with positive scale.
func Cosine(pred, target *tensor.Dense, dims int) (float64, *tensor.Dense) {
	p := tensorutils.Data(pred)
	t := tensorutils.Data(target)
	checkLen(p, t, "cosine")

	shape := shapeOf(pred)
	rowDim := shape[len(shape)-1]
	if dims > rowDim {
		panic(fmt.Sprintf("cosine: %v dims requested from rows of size %v",
			dims, rowDim))
	}
	rows := len(p) / rowDim

	const eps = 1e-8
	grad := make([]float64, len(p))
	loss := 0.0
	for r := 0; r < rows; r++ {
		off := r * rowDim
		dot, pNorm, tNorm := 0.0, 0.0, 0.0
		for i := 0; i < dims; i++ {
			dot += p[off+i] * t[off+i]
			pNorm += p[off+i] * p[off+i]
			tNorm += t[off+i] * t[off+i]
		}
		pNorm = math.Sqrt(pNorm) + eps
		tNorm = math.Sqrt(tNorm) + eps
		cos := dot / (pNorm * tNorm)
		loss += 1 - cos

		// d(1-cos)/dp_i = cos*p_i/|p|^2 - t_i/(|p||t|)
		for i := 0; i < dims; i++ {
			g := cos*p[off+i]/(pNorm*pNorm) - t[off+i]/(pNorm*tNorm)
			grad[off+i] = g / float64(rows)
		}
	}
	return loss / float64(rows), tensorutils.New(shape, grad)
}

// KLGaussian computes the mean KL divergence from a diagonal Gaussian
// posterior N(mu, exp(logStd)) to a standard normal prior, plus the
// gradients with respect to mu and logStd.
func KLGaussian(mu, logStd *tensor.Dense) (float64, *tensor.Dense,
	*tensor.Dense) {

	m := tensorutils.Data(mu)
	ls := tensorutils.Data(logStd)
	checkLen(m, ls, "klGaussian")

	shape := shapeOf(mu)
	rows := shape[0]
	gradMu := make([]float64, len(m))
	gradLogStd := make([]float64, len(ls))
	loss := 0.0
	for i := range m {
		variance := math.Exp(2 * ls[i])
		loss += 0.5 * (m[i]*m[i] + variance - 1 - 2*ls[i])
		gradMu[i] = m[i] / float64(rows)
		gradLogStd[i] = (variance - 1) / float64(rows)
	}
	return loss / float64(rows), tensorutils.New(shape, gradMu),
		tensorutils.New(shape, gradLogStd)
}

// ZeroRowMask returns, for a [..., D] tensor, one bool per row that is
// true when the whole row is exactly zero. End-of-episode padding in
// chunked action targets is all-zero rows; the mask identifies them so
// they can be dropped from the loss.
func ZeroRowMask(t *tensor.Dense) []bool {
	shape := shapeOf(t)
	rowDim := shape[len(shape)-1]
	data := tensorutils.Data(t)
	rows := len(data) / rowDim

	mask := make([]bool, rows)
	for r := 0; r < rows; r++ {
		zero := true
		for i := 0; i < rowDim; i++ {
			if data[r*rowDim+i] != 0 {
				zero = false
				break
			}
		}
		mask[r] = zero
	}
	return mask
}

// FilterRows returns the rows of a [..., D] tensor for which keep is
// false in the mask, flattened to [kept, D].
func FilterRows(t *tensor.Dense, dropMask []bool) *tensor.Dense {
	shape := shapeOf(t)
	rowDim := shape[len(shape)-1]
	data := tensorutils.Data(t)
	rows := len(data) / rowDim
	if rows != len(dropMask) {
		panic(fmt.Sprintf("filterRows: %v rows but %v mask entries", rows,
			len(dropMask)))
	}

	out := make([]float64, 0, len(data))
	kept := 0
	for r := 0; r < rows; r++ {
		if dropMask[r] {
			continue
		}
		out = append(out, data[r*rowDim:(r+1)*rowDim]...)
		kept++
	}
	return tensorutils.New([]int{kept, rowDim}, out)
}

func shapeOf(t *tensor.Dense) []int {
	return append([]int{}, t.Shape()...)
}

func checkLen(p, t []float64, op string) {
	if len(p) != len(t) {
		panic(fmt.Sprintf("%v: prediction has %v elements, target has %v",
			op, len(p), len(t)))
	}
}
