// Package geom implements the scene geometry used by motion-planning
// observations: decoding packed obstacle parameters into primitives,
// signed distance queries against them, point cloud expansion and the
// collision-aware loss terms built on top.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// HeaderSize is the number of leading floats in a packed scene
// parameter vector before the primitive parameters begin. The header
// encodes the robot base pose and the goal frame pose.
const HeaderSize = 14

// Per-primitive parameter widths in the packed layout
const (
	cuboidWidth   = 10 // center(3) + quaternion(4) + dims(3)
	cylinderWidth = 9  // center(3) + quaternion(4) + radius + height
	sphereWidth   = 4  // center(3) + radius
)

// Layout describes how many primitives of each kind a packed scene
// parameter vector encodes.
type Layout struct {
	Cuboids   int
	Cylinders int
	Spheres   int
}

// Width returns the total packed vector length for the layout,
// including the header.
func (l Layout) Width() int {
	return HeaderSize + l.Cuboids*cuboidWidth + l.Cylinders*cylinderWidth +
		l.Spheres*sphereWidth
}

// Vec3 is a point or direction in 3-space
type Vec3 [3]float64

func (v Vec3) sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}
func (v Vec3) norm() float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// rotate applies the unit quaternion q to v
func rotate(q quat.Number, v Vec3) Vec3 {
	p := quat.Number{Imag: v[0], Jmag: v[1], Kmag: v[2]}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return Vec3{r.Imag, r.Jmag, r.Kmag}
}

// primitive is a convex obstacle supporting signed distance queries.
// SDF returns the signed distance of a world point (negative inside)
// together with its gradient with respect to the point.
type primitive interface {
	SDF(p Vec3) (float64, Vec3)
	Surface(u, v, w float64) Vec3 // uniform parameters in [0,1)
}

// Sphere obstacle
type Sphere struct {
	Center Vec3
	Radius float64
}

// SDF returns the signed distance from p to the sphere surface
func (s Sphere) SDF(p Vec3) (float64, Vec3) {
	d := p.sub(s.Center)
	dist := d.norm()
	if dist < 1e-12 {
		return -s.Radius, Vec3{1, 0, 0}
	}
	return dist - s.Radius, d.scale(1 / dist)
}

// Surface maps two uniform parameters to a surface point
func (s Sphere) Surface(u, v, _ float64) Vec3 {
	theta := 2 * math.Pi * u
	z := 2*v - 1
	r := math.Sqrt(math.Max(0, 1-z*z))
	dir := Vec3{r * math.Cos(theta), r * math.Sin(theta), z}
	return s.Center.add(dir.scale(s.Radius))
}

// Cuboid is an oriented box obstacle
type Cuboid struct {
	Center Vec3
	Quat   quat.Number
	Half   Vec3 // half extents
}

// SDF returns the signed distance from p to the box surface
func (c Cuboid) SDF(p Vec3) (float64, Vec3) {
	inv := quat.Conj(c.Quat)
	q := rotate(inv, p.sub(c.Center))

	var d Vec3
	for i := 0; i < 3; i++ {
		d[i] = math.Abs(q[i]) - c.Half[i]
	}

	outside := Vec3{math.Max(d[0], 0), math.Max(d[1], 0), math.Max(d[2], 0)}
	outDist := outside.norm()
	inDist := math.Min(math.Max(d[0], math.Max(d[1], d[2])), 0)

	var gLocal Vec3
	if outDist > 1e-12 {
		for i := 0; i < 3; i++ {
			gLocal[i] = sign(q[i]) * outside[i] / outDist
		}
	} else {
		// inside: gradient points along the closest face normal
		axis := 0
		for i := 1; i < 3; i++ {
			if d[i] > d[axis] {
				axis = i
			}
		}
		gLocal[axis] = sign(q[axis])
	}
	return outDist + inDist, rotate(c.Quat, gLocal)
}

// Surface maps three uniform parameters to a surface point
func (c Cuboid) Surface(u, v, w float64) Vec3 {
	face := int(u*6) % 6
	a, b := 2*v-1, 2*w-1
	var local Vec3
	switch face {
	case 0, 1:
		local = Vec3{sign(float64(face%2)*2-1) * c.Half[0],
			a * c.Half[1], b * c.Half[2]}
	case 2, 3:
		local = Vec3{a * c.Half[0],
			sign(float64(face%2)*2-1) * c.Half[1], b * c.Half[2]}
	default:
		local = Vec3{a * c.Half[0], b * c.Half[1],
			sign(float64(face%2)*2-1) * c.Half[2]}
	}
	return c.Center.add(rotate(c.Quat, local))
}

// Cylinder is an oriented cylinder obstacle with its axis along the
// local z direction.
type Cylinder struct {
	Center Vec3
	Quat   quat.Number
	Radius float64
	Height float64
}

// SDF returns the signed distance from p to the cylinder surface
func (c Cylinder) SDF(p Vec3) (float64, Vec3) {
	inv := quat.Conj(c.Quat)
	q := rotate(inv, p.sub(c.Center))

	radial := math.Sqrt(q[0]*q[0] + q[1]*q[1])
	dr := radial - c.Radius
	dz := math.Abs(q[2]) - c.Height/2

	outR, outZ := math.Max(dr, 0), math.Max(dz, 0)
	outDist := math.Sqrt(outR*outR + outZ*outZ)
	inDist := math.Min(math.Max(dr, dz), 0)

	var gLocal Vec3
	if outDist > 1e-12 {
		if radial > 1e-12 {
			gLocal[0] = (outR / outDist) * q[0] / radial
			gLocal[1] = (outR / outDist) * q[1] / radial
		}
		gLocal[2] = (outZ / outDist) * sign(q[2])
	} else if dr > dz {
		if radial > 1e-12 {
			gLocal[0] = q[0] / radial
			gLocal[1] = q[1] / radial
		} else {
			gLocal[0] = 1
		}
	} else {
		gLocal[2] = sign(q[2])
	}
	return outDist + inDist, rotate(c.Quat, gLocal)
}

// Surface maps three uniform parameters to a surface point
func (c Cylinder) Surface(u, v, w float64) Vec3 {
	theta := 2 * math.Pi * v
	var local Vec3
	if u < 0.7 { // lateral surface
		local = Vec3{c.Radius * math.Cos(theta), c.Radius * math.Sin(theta),
			(w - 0.5) * c.Height}
	} else { // caps
		r := c.Radius * math.Sqrt(w)
		z := c.Height / 2
		if u < 0.85 {
			z = -z
		}
		local = Vec3{r * math.Cos(theta), r * math.Sin(theta), z}
	}
	return c.Center.add(rotate(c.Quat, local))
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

// Scene is a set of obstacle primitives decoded from a packed
// parameter vector.
type Scene struct {
	primitives []primitive
}

// DecodeScene decodes a packed scene parameter vector. Primitives
// whose parameters are all zero are treated as padding and skipped.
func DecodeScene(params []float64, layout Layout) (*Scene, error) {
	if len(params) != layout.Width() {
		return nil, fmt.Errorf("decodeScene: packed vector has %v floats, "+
			"layout needs %v", len(params), layout.Width())
	}

	s := &Scene{}
	off := HeaderSize
	for i := 0; i < layout.Cuboids; i++ {
		p := params[off : off+cuboidWidth]
		off += cuboidWidth
		if allZero(p) {
			continue
		}
		s.primitives = append(s.primitives, Cuboid{
			Center: Vec3{p[0], p[1], p[2]},
			Quat:   unitQuat(p[3], p[4], p[5], p[6]),
			Half:   Vec3{p[7] / 2, p[8] / 2, p[9] / 2},
		})
	}
	for i := 0; i < layout.Cylinders; i++ {
		p := params[off : off+cylinderWidth]
		off += cylinderWidth
		if allZero(p) {
			continue
		}
		s.primitives = append(s.primitives, Cylinder{
			Center: Vec3{p[0], p[1], p[2]},
			Quat:   unitQuat(p[3], p[4], p[5], p[6]),
			Radius: p[7],
			Height: p[8],
		})
	}
	for i := 0; i < layout.Spheres; i++ {
		p := params[off : off+sphereWidth]
		off += sphereWidth
		if allZero(p) {
			continue
		}
		s.primitives = append(s.primitives, Sphere{
			Center: Vec3{p[0], p[1], p[2]},
			Radius: p[3],
		})
	}
	return s, nil
}

// NumPrimitives returns the number of non-padding primitives
func (s *Scene) NumPrimitives() int { return len(s.primitives) }

// SDF returns the signed distance from p to the closest obstacle
// surface and its gradient with respect to p. An empty scene is
// infinitely far away.
func (s *Scene) SDF(p Vec3) (float64, Vec3) {
	best := math.Inf(1)
	var grad Vec3
	for _, prim := range s.primitives {
		d, g := prim.SDF(p)
		if d < best {
			best, grad = d, g
		}
	}
	return best, grad
}

func allZero(p []float64) bool {
	for _, v := range p {
		if v != 0 {
			return false
		}
	}
	return true
}

func unitQuat(w, x, y, z float64) quat.Number {
	q := quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
	n := quat.Abs(q)
	if n < 1e-12 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}
