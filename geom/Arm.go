package geom

import (
	"fmt"
	"math"
)

// SerialArm is a serial chain of revolute joints with alternating
// rotation axes, used as the reference kinematics for collision and
// point-match losses. Configurations are normalized joint angles in
// [-1, 1]; Limits maps them back to radians. Control points sit at
// every joint frame origin plus the tool tip.
type SerialArm struct {
	Links  []float64    // link lengths
	Limits [][2]float64 // per-joint angle limits in radians
}

// NewSerialArm creates an arm with the given link lengths and joint
// limits.
func NewSerialArm(links []float64, limits [][2]float64) (*SerialArm, error) {
	if len(links) != len(limits) {
		return nil, fmt.Errorf("newSerialArm: %v links but %v joint limits",
			len(links), len(limits))
	}
	return &SerialArm{Links: links, Limits: limits}, nil
}

// DOF returns the number of joints
func (a *SerialArm) DOF() int { return len(a.Links) }

// forward computes the control points for a normalized configuration
func (a *SerialArm) forward(cfg []float64) []Vec3 {
	angles := UnnormalizeJoints(cfg, a.Limits)

	points := make([]Vec3, 0, len(a.Links)+1)
	pos := Vec3{}
	points = append(points, pos)

	// orientation tracked as a rotation matrix column set
	x, y, z := Vec3{1, 0, 0}, Vec3{0, 1, 0}, Vec3{0, 0, 1}
	for i, length := range a.Links {
		// alternate rotation about the local z and y axes
		if i%2 == 0 {
			x, y = rotAbout(z, angles[i], x, y)
		} else {
			z, x = rotAbout(y, angles[i], z, x)
		}
		pos = pos.add(x.scale(length))
		points = append(points, pos)
	}
	return points
}

// rotAbout rotates the two frame vectors u, v about axis by theta
func rotAbout(axis Vec3, theta float64, u, v Vec3) (Vec3, Vec3) {
	return rodrigues(axis, theta, u), rodrigues(axis, theta, v)
}

func rodrigues(k Vec3, theta float64, v Vec3) Vec3 {
	c, s := math.Cos(theta), math.Sin(theta)
	cross := Vec3{
		k[1]*v[2] - k[2]*v[1],
		k[2]*v[0] - k[0]*v[2],
		k[0]*v[1] - k[1]*v[0],
	}
	dot := k[0]*v[0] + k[1]*v[1] + k[2]*v[2]
	return v.scale(c).add(cross.scale(s)).add(k.scale(dot * (1 - c)))
}

// ControlPoints returns the arm's control points for a normalized
// configuration together with their Jacobians, computed by central
// finite differences in the normalized space.
func (a *SerialArm) ControlPoints(cfg []float64) ([]Vec3, [][3][]float64) {
	points := a.forward(cfg)
	dof := a.DOF()

	jac := make([][3][]float64, len(points))
	for p := range jac {
		for axis := 0; axis < 3; axis++ {
			jac[p][axis] = make([]float64, dof)
		}
	}

	const eps = 1e-6
	perturbed := make([]float64, dof)
	copy(perturbed, cfg)
	for j := 0; j < dof; j++ {
		orig := perturbed[j]
		perturbed[j] = orig + eps
		plus := a.forward(perturbed)
		perturbed[j] = orig - eps
		minus := a.forward(perturbed)
		perturbed[j] = orig

		for p := range jac {
			for axis := 0; axis < 3; axis++ {
				jac[p][axis][j] = (plus[p][axis] - minus[p][axis]) / (2 * eps)
			}
		}
	}
	return points, jac
}
