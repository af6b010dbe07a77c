package geom

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

// Kinematics maps a joint configuration to control points on the
// robot body. Implementations also return the Jacobian of every
// control point with respect to the configuration, so losses defined
// on the points can push gradients back to joint space.
type Kinematics interface {
	// DOF returns the configuration dimension
	DOF() int

	// ControlPoints returns the control points for a configuration
	// and their Jacobians. jac[p][axis][dof] holds the partial
	// derivative of point p's world coordinate along axis with
	// respect to joint dof.
	ControlPoints(cfg []float64) (points []Vec3, jac [][3][]float64)
}

// CollisionLoss penalizes robot control points that come within
// margin of an obstacle surface. cfgs has shape [B, DOF]; scenes
// holds one decoded scene per batch row. It returns the batch-mean
// hinge penalty and its gradient with respect to cfgs.
func CollisionLoss(kin Kinematics, cfgs *tensor.Dense, scenes []*Scene,
	margin float64) (float64, *tensor.Dense, error) {

	shape := cfgs.Shape()
	batch, dof := shape[0], shape[1]
	if dof != kin.DOF() {
		return 0, nil, fmt.Errorf("collisionLoss: configurations have %v "+
			"dofs, kinematics has %v", dof, kin.DOF())
	}
	if len(scenes) != batch {
		return 0, nil, fmt.Errorf("collisionLoss: %v scenes for batch of %v",
			len(scenes), batch)
	}

	data := tensorutils.Data(cfgs)
	grad := make([]float64, len(data))
	loss := 0.0

	for b := 0; b < batch; b++ {
		points, jac := kin.ControlPoints(data[b*dof : (b+1)*dof])
		for p, point := range points {
			d, sdfGrad := scenes[b].SDF(point)
			if d >= margin {
				continue
			}
			// hinge: margin - sdf, active while inside the margin
			loss += (margin - d) / float64(len(points))
			for axis := 0; axis < 3; axis++ {
				coeff := -sdfGrad[axis] / float64(len(points))
				for j := 0; j < dof; j++ {
					grad[b*dof+j] += coeff * jac[p][axis][j]
				}
			}
		}
	}

	scale := 1 / float64(batch)
	for i := range grad {
		grad[i] *= scale
	}
	return loss * scale, tensorutils.New([]int{batch, dof}, grad), nil
}

// PointMatchLoss measures the mean squared distance between the
// control points of predicted and target configurations. Both cfg
// tensors have shape [B, DOF]. It returns the loss and its gradient
// with respect to the predicted configurations.
func PointMatchLoss(kin Kinematics, pred, target *tensor.Dense) (float64,
	*tensor.Dense, error) {

	shape := pred.Shape()
	batch, dof := shape[0], shape[1]
	if dof != kin.DOF() {
		return 0, nil, fmt.Errorf("pointMatchLoss: configurations have %v "+
			"dofs, kinematics has %v", dof, kin.DOF())
	}

	predData := tensorutils.Data(pred)
	targetData := tensorutils.Data(target)
	grad := make([]float64, len(predData))
	loss := 0.0

	for b := 0; b < batch; b++ {
		points, jac := kin.ControlPoints(predData[b*dof : (b+1)*dof])
		targets, _ := kin.ControlPoints(targetData[b*dof : (b+1)*dof])

		n := float64(len(points))
		for p, point := range points {
			diff := point.sub(targets[p])
			for axis := 0; axis < 3; axis++ {
				loss += diff[axis] * diff[axis] / n
				coeff := 2 * diff[axis] / n
				for j := 0; j < dof; j++ {
					grad[b*dof+j] += coeff * jac[p][axis][j]
				}
			}
		}
	}

	scale := 1 / float64(batch)
	for i := range grad {
		grad[i] *= scale
	}
	return loss * scale, tensorutils.New([]int{batch, dof}, grad), nil
}
