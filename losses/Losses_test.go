package losses

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

func TestPerfectPredictionIsMinimum(t *testing.T) {
	target := tensorutils.New([]int{2, 7}, []float64{
		0.1, -0.2, 0.3, 0.5, -0.5, 0.0, 0.9,
		-0.4, 0.6, 0.2, -0.1, 0.3, 0.7, -0.8,
	})
	pred := tensorutils.Clone(target)

	l2, l2Grad := L2(pred, target)
	require.Zero(t, l2)
	for _, g := range tensorutils.Data(l2Grad) {
		require.Zero(t, g)
	}

	l1, _ := SmoothL1(pred, target)
	require.Zero(t, l1)

	cos, _ := Cosine(pred, target, 3)
	require.InDelta(t, 0.0, cos, 1e-6)
}

func TestL2Gradient(t *testing.T) {
	pred := tensorutils.New([]int{1, 2}, []float64{1, 0})
	target := tensorutils.New([]int{1, 2}, []float64{0, 0})

	loss, grad := L2(pred, target)
	require.InDelta(t, 0.5, loss, 1e-12)
	g := tensorutils.Data(grad)
	require.InDelta(t, 1.0, g[0], 1e-12) // 2*(1-0)/2
	require.Zero(t, g[1])
}

func TestSmoothL1Regions(t *testing.T) {
	pred := tensorutils.New([]int{1, 2}, []float64{0.5, 3})
	target := tensorutils.New([]int{1, 2}, []float64{0, 0})

	loss, grad := SmoothL1(pred, target)
	// 0.5*0.25 for the quadratic region, 3-0.5 for the linear region
	require.InDelta(t, (0.125+2.5)/2, loss, 1e-12)
	g := tensorutils.Data(grad)
	require.InDelta(t, 0.25, g[0], 1e-12)
	require.InDelta(t, 0.5, g[1], 1e-12)
}

func TestCosineOppositeDirections(t *testing.T) {
	pred := tensorutils.New([]int{1, 3}, []float64{1, 0, 0})
	target := tensorutils.New([]int{1, 3}, []float64{-1, 0, 0})

	loss, _ := Cosine(pred, target, 3)
	require.InDelta(t, 2.0, loss, 1e-6)
}

func TestKLGaussianStandardNormalIsZero(t *testing.T) {
	mu := tensorutils.Zeros(4, 2)
	logStd := tensorutils.Zeros(4, 2)

	kl, gradMu, gradLogStd := KLGaussian(mu, logStd)
	require.Zero(t, kl)
	for _, g := range tensorutils.Data(gradMu) {
		require.Zero(t, g)
	}
	for _, g := range tensorutils.Data(gradLogStd) {
		require.Zero(t, g)
	}
}

func TestZeroRowMaskAndFilter(t *testing.T) {
	actions := tensorutils.New([]int{2, 2, 3}, []float64{
		1, 2, 3,
		0, 0, 0, // padded
		4, 5, 6,
		0, 0, 0, // padded
	})
	mask := ZeroRowMask(actions)
	require.Equal(t, []bool{false, true, false, true}, mask)

	kept := FilterRows(actions, mask)
	require.Equal(t, []int{2, 3}, []int(kept.Shape()))
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensorutils.Data(kept))
}
