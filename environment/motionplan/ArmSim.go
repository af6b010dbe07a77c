package motionplan

import (
	"fmt"
	"math"

	"github.com/gomimic/gomimic/geom"
)

// ArmSim is a deterministic kinematic simulation of a serial arm in a
// static obstacle scene. There are no dynamics: each step moves every
// joint toward its target by at most maxStep in normalized units.
type ArmSim struct {
	arm     *geom.SerialArm
	layout  geom.Layout
	maxStep float64
	goalTol float64

	cfg         []float64
	goal        []float64
	sceneParams []float64
	scene       *geom.Scene
}

func NewArmSim(arm *geom.SerialArm, layout geom.Layout, maxStep,
	goalTol float64) *ArmSim {

	return &ArmSim{
		arm:     arm,
		layout:  layout,
		maxStep: maxStep,
		goalTol: goalTol,
		cfg:     make([]float64, arm.DOF()),
		goal:    make([]float64, arm.DOF()),
		scene:   &geom.Scene{},
	}
}

func (s *ArmSim) SetState(cfg, sceneParams []float64) error {
	if len(cfg) != s.arm.DOF() {
		return fmt.Errorf("setState: configuration has %v joints, arm "+
			"has %v", len(cfg), s.arm.DOF())
	}
	scene, err := geom.DecodeScene(sceneParams, s.layout)
	if err != nil {
		return fmt.Errorf("setState: %w", err)
	}
	s.cfg = append(s.cfg[:0], cfg...)
	s.sceneParams = append(s.sceneParams[:0], sceneParams...)
	s.scene = scene
	return nil
}

func (s *ArmSim) State() []float64 {
	return append([]float64(nil), s.cfg...)
}

func (s *ArmSim) SceneParams() []float64 {
	return append([]float64(nil), s.sceneParams...)
}

func (s *ArmSim) SetGoal(goal []float64) {
	s.goal = append(s.goal[:0], goal...)
}

func (s *ArmSim) Goal() []float64 {
	return append([]float64(nil), s.goal...)
}

// Step moves each joint toward the target configuration, clamped to
// the per-step limit and the normalized range.
func (s *ArmSim) Step(target []float64) error {
	if len(target) != len(s.cfg) {
		return fmt.Errorf("step: target has %v joints, arm has %v",
			len(target), len(s.cfg))
	}
	for i, t := range target {
		delta := t - s.cfg[i]
		if delta > s.maxStep {
			delta = s.maxStep
		} else if delta < -s.maxStep {
			delta = -s.maxStep
		}
		s.cfg[i] = clamp(s.cfg[i]+delta, -1, 1)
	}
	return nil
}

func (s *ArmSim) InCollision() bool {
	points, _ := s.arm.ControlPoints(s.cfg)
	for _, p := range points {
		if d, _ := s.scene.SDF(p); d < 0 {
			return true
		}
	}
	return false
}

func (s *ArmSim) AtGoal() bool {
	for i, g := range s.goal {
		if math.Abs(s.cfg[i]-g) > s.goalTol {
			return false
		}
	}
	return len(s.goal) > 0
}

func (s *ArmSim) DOF() int { return s.arm.DOF() }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LinePlanner plans straight-line paths in normalized joint space,
// rejecting paths that pass through an obstacle. The collision probe
// buffers are reused across calls.
type LinePlanner struct {
	arm     *geom.SerialArm
	scene   *geom.Scene
	maxStep float64

	probe []float64
}

func NewLinePlanner(arm *geom.SerialArm, scene *geom.Scene,
	maxStep float64) *LinePlanner {

	return &LinePlanner{arm: arm, scene: scene, maxStep: maxStep,
		probe: make([]float64, arm.DOF())}
}

func (p *LinePlanner) Plan(from, goal []float64) ([][]float64, error) {
	if len(from) != len(goal) {
		return nil, fmt.Errorf("plan: from has %v joints, goal has %v",
			len(from), len(goal))
	}

	// number of steps set by the joint moving farthest
	farthest := 0.0
	for i := range from {
		if d := math.Abs(goal[i] - from[i]); d > farthest {
			farthest = d
		}
	}
	steps := int(math.Ceil(farthest / p.maxStep))
	if steps == 0 {
		return [][]float64{append([]float64(nil), goal...)}, nil
	}

	plan := make([][]float64, 0, steps)
	for t := 1; t <= steps; t++ {
		frac := float64(t) / float64(steps)
		for i := range from {
			p.probe[i] = from[i] + frac*(goal[i]-from[i])
		}
		if p.inCollision(p.probe) {
			return nil, fmt.Errorf("plan: straight path blocked at "+
				"step %v of %v", t, steps)
		}
		plan = append(plan, append([]float64(nil), p.probe...))
	}
	return plan, nil
}

func (p *LinePlanner) inCollision(cfg []float64) bool {
	points, _ := p.arm.ControlPoints(cfg)
	for _, pt := range points {
		if d, _ := p.scene.SDF(pt); d < 0 {
			return true
		}
	}
	return false
}
