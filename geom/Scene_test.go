package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/num/quat"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

func TestSphereSDF(t *testing.T) {
	s := Sphere{Center: Vec3{1, 0, 0}, Radius: 0.5}

	d, g := s.SDF(Vec3{3, 0, 0})
	assert.InDelta(t, 1.5, d, 1e-12)
	assert.InDelta(t, 1.0, g[0], 1e-12)

	d, _ = s.SDF(Vec3{1, 0.25, 0})
	assert.InDelta(t, -0.25, d, 1e-12)
}

func TestCuboidSDF(t *testing.T) {
	c := Cuboid{
		Center: Vec3{0, 0, 0},
		Quat:   quat.Number{Real: 1},
		Half:   Vec3{1, 1, 1},
	}

	d, g := c.SDF(Vec3{2, 0, 0})
	assert.InDelta(t, 1.0, d, 1e-12)
	assert.InDelta(t, 1.0, g[0], 1e-12)

	d, _ = c.SDF(Vec3{0.5, 0, 0})
	assert.InDelta(t, -0.5, d, 1e-12)

	// corner distance
	d, _ = c.SDF(Vec3{2, 2, 2})
	assert.InDelta(t, math.Sqrt(3), d, 1e-12)
}

func TestCylinderSDF(t *testing.T) {
	c := Cylinder{
		Center: Vec3{0, 0, 0},
		Quat:   quat.Number{Real: 1},
		Radius: 1,
		Height: 2,
	}

	d, g := c.SDF(Vec3{3, 0, 0})
	assert.InDelta(t, 2.0, d, 1e-12)
	assert.InDelta(t, 1.0, g[0], 1e-12)

	d, g = c.SDF(Vec3{0, 0, 4})
	assert.InDelta(t, 3.0, d, 1e-12)
	assert.InDelta(t, 1.0, g[2], 1e-12)
}

func TestSDFGradientNumeric(t *testing.T) {
	prims := []primitive{
		Sphere{Center: Vec3{0.2, -0.1, 0.5}, Radius: 0.4},
		Cuboid{Center: Vec3{1, 0, 0},
			Quat: unitQuat(0.9, 0.1, 0.2, 0.3), Half: Vec3{0.5, 0.3, 0.2}},
		Cylinder{Center: Vec3{0, 1, 0},
			Quat: unitQuat(0.8, 0.3, 0, 0.1), Radius: 0.3, Height: 0.8},
	}
	points := []Vec3{{2, 1, 0.5}, {-1, 0.3, 0}, {0.5, 1.5, -0.7}}

	const eps = 1e-6
	for _, prim := range prims {
		for _, p := range points {
			_, grad := prim.SDF(p)
			for axis := 0; axis < 3; axis++ {
				plus, minus := p, p
				plus[axis] += eps
				minus[axis] -= eps
				dPlus, _ := prim.SDF(plus)
				dMinus, _ := prim.SDF(minus)
				numeric := (dPlus - dMinus) / (2 * eps)
				assert.InDelta(t, numeric, grad[axis], 1e-5)
			}
		}
	}
}

func TestDecodeSceneSkipsPadding(t *testing.T) {
	layout := Layout{Cuboids: 2, Spheres: 1}
	params := make([]float64, layout.Width())

	// one real cuboid, one zero-padded, one real sphere
	off := HeaderSize
	copy(params[off:], []float64{0, 0, 0, 1, 0, 0, 0, 1, 1, 1})
	off += 2 * cuboidWidth
	copy(params[off:], []float64{2, 0, 0, 0.5})

	scene, err := DecodeScene(params, layout)
	require.NoError(t, err)
	assert.Equal(t, 2, scene.NumPrimitives())

	_, err = DecodeScene(params[:10], layout)
	assert.Error(t, err)
}

func TestScenePointCloudOnSurface(t *testing.T) {
	layout := Layout{Spheres: 1}
	params := make([]float64, layout.Width())
	copy(params[HeaderSize:], []float64{1, 2, 3, 0.5})
	scene, err := DecodeScene(params, layout)
	require.NoError(t, err)

	cloud := scene.PointCloud(64, rand.New(rand.NewSource(1)))
	assert.Equal(t, []int{64, 3}, []int(cloud.Shape()))

	data := tensorutils.Data(cloud)
	for i := 0; i < 64; i++ {
		p := Vec3{data[i*3], data[i*3+1], data[i*3+2]}
		d, _ := scene.SDF(p)
		assert.InDelta(t, 0.0, d, 1e-9)
	}
}

func TestDepthToRGBChannelFirst(t *testing.T) {
	depth := tensorutils.New([]int{2, 2}, []float64{0, 1, 2, 3})
	img := DepthToRGB(depth)
	assert.Equal(t, []int{3, 2, 2}, []int(img.Shape()))

	data := tensorutils.Data(img)
	for _, v := range data {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	// nearest pixel is pure red, farthest pure blue
	assert.InDelta(t, 1.0, data[0], 1e-12)
	assert.InDelta(t, 1.0, data[2*4+3], 1e-12)
}

func TestJointNormalizationRoundTrip(t *testing.T) {
	limits := [][2]float64{{-math.Pi, math.Pi}, {0, 2}}
	joints := []float64{math.Pi / 2, 0.5}

	normalized := NormalizeJoints(joints, limits)
	assert.InDelta(t, 0.5, normalized[0], 1e-12)
	assert.InDelta(t, -0.5, normalized[1], 1e-12)

	restored := UnnormalizeJoints(normalized, limits)
	for i := range joints {
		assert.InDelta(t, joints[i], restored[i], 1e-12)
	}
}
