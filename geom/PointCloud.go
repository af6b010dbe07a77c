package geom

import (
	"fmt"

	"golang.org/x/exp/rand"

	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

// ExpandPointCloud decodes a packed scene vector and samples a
// fixed-size point cloud of layout-total × pointsPerPrimitive points.
// Padding primitives contribute all-zero rows, so the output shape
// does not depend on scene content.
func ExpandPointCloud(params []float64, layout Layout,
	pointsPerPrimitive int, rng *rand.Rand) (*tensor.Dense, error) {

	scene, err := DecodeScene(params, layout)
	if err != nil {
		return nil, fmt.Errorf("expandPointCloud: %w", err)
	}
	total := (layout.Cuboids + layout.Cylinders + layout.Spheres) *
		pointsPerPrimitive
	data := make([]float64, total*3)
	copy(data, tensorutils.Data(scene.PointCloud(pointsPerPrimitive, rng)))
	return tensorutils.New([]int{total, 3}, data), nil
}

// PointCloud samples pointsPerPrimitive surface points from every
// primitive in the scene, returning a [N, 3] tensor. An empty scene
// yields an empty cloud.
func (s *Scene) PointCloud(pointsPerPrimitive int,
	rng *rand.Rand) *tensor.Dense {

	n := len(s.primitives) * pointsPerPrimitive
	data := make([]float64, 0, n*3)
	for _, prim := range s.primitives {
		for i := 0; i < pointsPerPrimitive; i++ {
			p := prim.Surface(rng.Float64(), rng.Float64(), rng.Float64())
			data = append(data, p[0], p[1], p[2])
		}
	}
	return tensorutils.New([]int{n, 3}, data)
}

// DepthToRGB colorizes a [H, W] depth map into a channel-first
// [3, H, W] image. Depths are normalized into [0, 1] over the map's
// own range, then mapped near-to-far from red through green to blue.
func DepthToRGB(depth *tensor.Dense) *tensor.Dense {
	shape := depth.Shape()
	h, w := shape[0], shape[1]
	data := tensorutils.Data(depth)

	min, max := data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	if span == 0 {
		span = 1
	}

	out := make([]float64, 3*h*w)
	for i, v := range data {
		t := (v - min) / span
		r, g, b := colormap(t)
		out[i] = r
		out[h*w+i] = g
		out[2*h*w+i] = b
	}
	return tensorutils.New([]int{3, h, w}, out)
}

// colormap maps t in [0,1] to an RGB triple in [0,1]
func colormap(t float64) (float64, float64, float64) {
	switch {
	case t < 0.5:
		return 1 - 2*t, 2 * t, 0
	default:
		return 0, 2 - 2*t, 2*t - 1
	}
}

// NormalizeJoints maps joint angles into [-1, 1] given per-joint
// limits of shape [DOF][2]. Values outside the limits extrapolate
// linearly rather than clamping, so violations stay visible.
func NormalizeJoints(joints []float64, limits [][2]float64) []float64 {
	out := make([]float64, len(joints))
	for i, v := range joints {
		lo, hi := limits[i][0], limits[i][1]
		out[i] = 2*(v-lo)/(hi-lo) - 1
	}
	return out
}

// UnnormalizeJoints inverts NormalizeJoints
func UnnormalizeJoints(normalized []float64, limits [][2]float64) []float64 {
	out := make([]float64, len(normalized))
	for i, v := range normalized {
		lo, hi := limits[i][0], limits[i][1]
		out[i] = lo + (v+1)*(hi-lo)/2
	}
	return out
}
