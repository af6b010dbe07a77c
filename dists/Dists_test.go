package dists

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

func TestGaussianLogProbStandardNormal(t *testing.T) {
	mean := tensorutils.Zeros(1, 2)
	logStd := tensorutils.Zeros(1, 2)
	g := NewGaussian(mean, logStd)

	lp := g.LogProb(tensorutils.Zeros(1, 2))
	want := -2 * logSqrt2Pi
	require.InDelta(t, want, tensorutils.Data(lp)[0], 1e-12)
}

func TestGaussianNLLGradAtMean(t *testing.T) {
	mean := tensorutils.New([]int{1, 2}, []float64{0.3, -0.1})
	logStd := tensorutils.Zeros(1, 2)
	g := NewGaussian(mean, logStd)

	_, gradMean, gradLogStd := g.NLLGrad(tensorutils.Clone(mean))
	for _, v := range tensorutils.Data(gradMean) {
		require.Zero(t, v)
	}
	// at the mean, z = 0 and d/dlogStd = 1 per element
	for _, v := range tensorutils.Data(gradLogStd) {
		require.InDelta(t, 1.0, v, 1e-12)
	}
}

func TestGMMBatchRankInvariant(t *testing.T) {
	flat := NewGMM(
		tensorutils.Zeros(4, 3, 7),
		tensorutils.Zeros(4, 3, 7),
		tensorutils.Zeros(4, 3),
	)
	require.Equal(t, 1, flat.BatchRank())
	require.NotPanics(t, func() { flat.AssertBatchRank(1) })
	require.Panics(t, func() { flat.AssertBatchRank(2) })

	seq := NewGMM(
		tensorutils.Zeros(4, 10, 3, 7),
		tensorutils.Zeros(4, 10, 3, 7),
		tensorutils.Zeros(4, 10, 3),
	)
	require.Equal(t, 2, seq.BatchRank())
	require.NotPanics(t, func() { seq.AssertBatchRank(2) })
}

func TestGMMSingleModeMatchesGaussian(t *testing.T) {
	mean := tensorutils.New([]int{2, 1, 3}, []float64{
		0.1, 0.2, 0.3,
		-0.4, 0.5, -0.6,
	})
	logStd := tensorutils.Zeros(2, 1, 3)
	logits := tensorutils.Zeros(2, 1)
	gmm := NewGMM(mean, logStd, logits)

	actions := tensorutils.New([]int{2, 3}, []float64{
		0.0, 0.0, 0.0,
		0.1, 0.1, 0.1,
	})
	gmmLP := tensorutils.Data(gmm.LogProb(actions))

	gauss := NewGaussian(
		tensorutils.New([]int{2, 3}, append([]float64{},
			tensorutils.Data(mean)...)),
		tensorutils.Zeros(2, 3),
	)
	gaussLP := tensorutils.Data(gauss.LogProb(actions))

	for i := range gmmLP {
		require.InDelta(t, gaussLP[i], gmmLP[i], 1e-10)
	}
}

func TestGMMMixtureProbsSumToOne(t *testing.T) {
	gmm := NewGMM(
		tensorutils.Zeros(2, 4, 7),
		tensorutils.Zeros(2, 4, 7),
		tensorutils.New([]int{2, 4}, []float64{1, 2, 3, 4, -1, 0, 1, 2}),
	)
	probs := tensorutils.Data(gmm.MixtureProbs())
	for r := 0; r < 2; r++ {
		sum := 0.0
		for k := 0; k < 4; k++ {
			sum += probs[r*4+k]
		}
		require.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestGMMFinalStep(t *testing.T) {
	means := tensorutils.Zeros(2, 5, 3, 7)
	data := tensorutils.Data(means)
	// mark the final timestep of the first batch element
	for i := 0; i < 3*7; i++ {
		data[(0*5+4)*3*7+i] = 1.5
	}
	gmm := NewGMM(means, tensorutils.Zeros(2, 5, 3, 7),
		tensorutils.Zeros(2, 5, 3))

	final := gmm.FinalStep()
	require.Equal(t, 1, final.BatchRank())
	require.Equal(t, []int{2, 3, 7}, []int(final.Means.Shape()))
	require.Equal(t, 1.5, tensorutils.Data(final.Means)[0])
}

func TestGMMNLLGradMask(t *testing.T) {
	gmm := NewGMM(
		tensorutils.Zeros(2, 2, 7),
		tensorutils.Zeros(2, 2, 7),
		tensorutils.Zeros(2, 2),
	)
	actions := tensorutils.New([]int{2, 7}, make([]float64, 14))
	full, _ := gmm.NLLGrad(actions, nil)
	masked, grads := gmm.NLLGrad(actions, []bool{false, true})
	require.InDelta(t, full, masked, 1e-12)

	// masked row contributes no gradient
	gm := tensorutils.Data(grads.Means)
	for i := 2 * 7; i < len(gm); i++ {
		require.Zero(t, gm[i])
	}
}

func TestGMMExponentialPrecisionPerfectMatch(t *testing.T) {
	// one component sitting exactly on the target: kernel is 2 there
	gmm := NewGMM(
		tensorutils.Zeros(1, 1, 7),
		tensorutils.Zeros(1, 1, 7),
		tensorutils.Zeros(1, 1),
	)
	loss, grads := gmm.ExponentialPrecision(tensorutils.Zeros(1, 7))
	require.InDelta(t, -2.0, loss, 1e-12)
	for _, v := range tensorutils.Data(grads.Means) {
		require.Zero(t, v)
	}
}

func TestGMMSampleShape(t *testing.T) {
	gmm := NewGMM(
		tensorutils.Zeros(3, 2, 7),
		tensorutils.Zeros(3, 2, 7),
		tensorutils.Zeros(3, 2),
	)
	sample := gmm.Sample(rand.NewSource(7))
	require.Equal(t, []int{3, 7}, []int(sample.Shape()))
	for _, v := range tensorutils.Data(sample) {
		require.False(t, math.IsNaN(v))
	}
}
