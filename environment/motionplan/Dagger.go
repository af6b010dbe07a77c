package motionplan

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/dataset"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// Relabel replans an expert action from every state along demo, up to
// and including the first recorded collision state. The same Planner
// instance serves every replanning call so its search structure is
// reused. Whenever a call fails or produces an out-of-bounds action
// the relabel stops, keeping whatever prefix succeeded.
func (e *EnvMP) Relabel(demo *dataset.Episode,
	planner Planner) (*dataset.Episode, error) {

	joints, ok := demo.Obs[e.cfg.JointKey]
	if !ok {
		return nil, fmt.Errorf("relabel: demonstration %v has no key %q",
			demo.ID, e.cfg.JointKey)
	}
	scene, ok := demo.Obs[e.cfg.SceneKey]
	if !ok {
		return nil, fmt.Errorf("relabel: demonstration %v has no key %q",
			demo.ID, e.cfg.SceneKey)
	}
	params := row(scene, 0)

	steps := demo.Steps()
	goal := row(demo.Actions, steps-1)
	spec := e.Spec()

	// states after the first collision are unrecoverable and not
	// worth relabeling
	limit := steps
	for t := 0; t < steps; t++ {
		if err := e.sim.SetState(row(joints, t), params); err != nil {
			return nil, fmt.Errorf("relabel: %w", err)
		}
		if e.sim.InCollision() {
			limit = t + 1
			break
		}
	}

	var actions []float64
	kept := 0
	for t := 0; t < limit; t++ {
		plan, err := planner.Plan(row(joints, t), goal)
		if err != nil {
			e.log.Debug().Int("step", t).Err(err).
				Msg("relabel stopped early")
			break
		}
		next := plan[0]
		if !spec.Contains(next) {
			e.log.Debug().Int("step", t).
				Msg("relabel produced out-of-bounds action")
			break
		}
		actions = append(actions, next...)
		kept++
	}
	if kept == 0 {
		return nil, fmt.Errorf("relabel: no state of %v could be "+
			"replanned", demo.ID)
	}

	out := &dataset.Episode{
		ID:  demo.ID,
		Obs: make(map[string]*tensor.Dense, len(demo.Obs)),
		Actions: tensorutils.New([]int{kept, e.sim.DOF()},
			actions),
	}
	for key, t := range demo.Obs {
		out.Obs[key] = prefix(t, kept)
	}
	return out, nil
}

// SetToDaggerSampling swaps the reset pool for a relabeled one,
// saving the original so SetToEnvOriginal can restore it. The reset
// counter restarts so the new pool is covered from its first episode.
func (e *EnvMP) SetToDaggerSampling(relabeled []*dataset.Episode) {
	if e.saved == nil {
		e.saved = e.demos
	}
	e.demos = relabeled
	e.numResets = 0
}

// SetToEnvOriginal restores the reset pool saved by
// SetToDaggerSampling.
func (e *EnvMP) SetToEnvOriginal() {
	if e.saved == nil {
		return
	}
	e.demos = e.saved
	e.saved = nil
	e.numResets = 0
}

// prefix copies the first n steps of a [T, ...] tensor
func prefix(t *tensor.Dense, n int) *tensor.Dense {
	shape := append([]int{n}, t.Shape()[1:]...)
	dim := tensorutils.Prod(t.Shape()[1:])
	data := append([]float64(nil), tensorutils.Data(t)[:n*dim]...)
	return tensorutils.New(shape, data)
}
