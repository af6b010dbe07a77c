package motionplan

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/spatial/r1"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/dataset"
	"github.com/gomimic/gomimic/environment"
	"github.com/gomimic/gomimic/geom"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/timestep"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// Config selects the adapter's observation keys and split identity
type Config struct {
	Name     string
	Split    string   // the split this instance serves
	Splits   []string // every split rollouts run over, for info keys
	MultiEnv bool     // more than one parallel environment

	EpisodeSteps int

	JointKey string
	SceneKey string

	// PointCloudKey enables point-cloud expansion when non-empty
	PointCloudKey      string
	PointsPerPrimitive int

	// DepthKey enables colorized depth when non-empty and the sim
	// can render depth.
	DepthKey string
	// ImageKey enables channel-first color images when non-empty and
	// the sim can render color.
	ImageKey string

	Layout geom.Layout
	Seed   uint64
}

func (c *Config) setDefaults() {
	if c.Split == "" {
		c.Split = "train"
	}
	if len(c.Splits) == 0 {
		c.Splits = []string{"train", "valid"}
	}
	if c.JointKey == "" {
		c.JointKey = "joints"
	}
	if c.SceneKey == "" {
		c.SceneKey = "scene_params"
	}
	if c.EpisodeSteps == 0 {
		c.EpisodeSteps = 100
	}
}

// EnvMP adapts a Sim to the environment contract. With a
// demonstration pool configured, resets cycle through the pool in
// round-robin numeric-ID order; otherwise resets draw a uniformly
// random collision-agnostic configuration.
type EnvMP struct {
	sim     Sim
	cfg     Config
	log     zerolog.Logger
	starter environment.Starter
	limit   environment.StepLimit
	rng     *rand.Rand

	demos     []*dataset.Episode
	saved     []*dataset.Episode
	numResets int

	stepNum int
	refPlan [][]float64
	errSum  float64
	mseSum  float64
	errN    int
}

var _ environment.Environment = (*EnvMP)(nil)

// New wraps sim. demos may be nil for demonstration-free rollouts.
func New(sim Sim, demos []*dataset.Episode, cfg Config,
	log zerolog.Logger) *EnvMP {

	cfg.setDefaults()

	pool := append([]*dataset.Episode(nil), demos...)
	sort.SliceStable(pool, func(i, j int) bool {
		ni, _ := dataset.Number(pool[i].ID)
		nj, _ := dataset.Number(pool[j].ID)
		return ni < nj
	})

	bounds := make([]r1.Interval, sim.DOF())
	for i := range bounds {
		bounds[i] = r1.Interval{Min: -1, Max: 1}
	}

	return &EnvMP{
		sim:     sim,
		cfg:     cfg,
		log:     log.With().Str("env", cfg.Name).Str("split", cfg.Split).Logger(),
		starter: environment.NewUniformStarter(bounds, cfg.Seed),
		limit:   environment.NewStepLimit(cfg.EpisodeSteps),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		demos:   pool,
	}
}

// NumResets returns how many episodes have been started
func (e *EnvMP) NumResets() int { return e.numResets }

// Reset starts the next episode. With a demonstration pool the
// episode index is the reset count modulo the pool size, so repeated
// resets cover the whole pool before repeating.
func (e *EnvMP) Reset() (obs.Dict, error) {
	e.stepNum = 0
	e.refPlan = nil
	e.errSum, e.mseSum, e.errN = 0, 0, 0

	if len(e.demos) > 0 {
		demo := e.demos[e.numResets%len(e.demos)]
		e.numResets++
		if err := e.loadDemo(demo); err != nil {
			return nil, fmt.Errorf("reset: %w", err)
		}
		e.log.Debug().Str("demo", demo.ID).Msg("reset to demonstration")
		return e.GetObservation()
	}

	e.numResets++
	params := make([]float64, e.cfg.Layout.Width())
	if err := e.sim.SetState(e.starter.Start(), params); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	e.sim.SetGoal(e.starter.Start())
	return e.GetObservation()
}

func (e *EnvMP) loadDemo(demo *dataset.Episode) error {
	joints, ok := demo.Obs[e.cfg.JointKey]
	if !ok {
		return fmt.Errorf("demonstration %v has no key %q", demo.ID,
			e.cfg.JointKey)
	}
	scene, ok := demo.Obs[e.cfg.SceneKey]
	if !ok {
		return fmt.Errorf("demonstration %v has no key %q", demo.ID,
			e.cfg.SceneKey)
	}

	if err := e.sim.SetState(row(joints, 0), row(scene, 0)); err != nil {
		return err
	}
	steps := demo.Steps()
	e.sim.SetGoal(row(demo.Actions, steps-1))

	e.refPlan = make([][]float64, steps)
	for t := 0; t < steps; t++ {
		e.refPlan[t] = row(demo.Actions, t)
	}
	return nil
}

// Step applies one action of shape [1, A]. When a reference plan is
// loaded, the info dict carries the running mean action error and MSE
// against the plan, namespaced by split.
func (e *EnvMP) Step(action *tensor.Dense) (timestep.TimeStep, error) {
	a := append([]float64(nil), tensorutils.Data(action)...)
	e.Spec().Clip(a)

	e.trackReference(a)
	if err := e.sim.Step(a); err != nil {
		return timestep.TimeStep{}, fmt.Errorf("step: %w", err)
	}
	e.stepNum++

	o, err := e.GetObservation()
	if err != nil {
		return timestep.TimeStep{}, fmt.Errorf("step: %w", err)
	}

	reward := 0.0
	if e.sim.AtGoal() {
		reward = 1.0
	}

	ts := timestep.New(timestep.Mid, reward, o, e.stepNum)
	if e.sim.AtGoal() {
		ts.End(false)
	} else {
		e.limit.End(&ts)
	}
	ts.Info = e.info()
	return ts, nil
}

func (e *EnvMP) trackReference(a []float64) {
	if e.refPlan == nil || e.stepNum >= len(e.refPlan) {
		return
	}
	ref := e.refPlan[e.stepNum]
	var abs, sq float64
	for i := range ref {
		d := a[i] - ref[i]
		if d < 0 {
			abs -= d
		} else {
			abs += d
		}
		sq += d * d
	}
	n := float64(len(ref))
	e.errSum += abs / n
	e.mseSum += sq / n
	e.errN++
}

// info namespaces every diagnostic by split, with nil for the splits
// this instance does not serve.
func (e *EnvMP) info() timestep.Info {
	values := map[string]float64{
		"collision": b2f(e.sim.InCollision()),
	}
	if e.errN > 0 {
		values["action_err"] = e.errSum / float64(e.errN)
		values["action_mse"] = e.mseSum / float64(e.errN)
	}

	out := make(timestep.Info, len(values)*len(e.cfg.Splits))
	for _, split := range e.cfg.Splits {
		for key, v := range values {
			if split == e.cfg.Split {
				v := v
				out[split+"/"+key] = &v
			} else {
				out[split+"/"+key] = nil
			}
		}
	}
	return out
}

// GetObservation builds a new post-processed observation dict from
// the native state. Every tensor is freshly allocated.
func (e *EnvMP) GetObservation() (obs.Dict, error) {
	cfg := e.sim.State()
	params := e.sim.SceneParams()

	o := obs.Dict{
		e.cfg.JointKey: tensorutils.New([]int{1, len(cfg)}, cfg),
		e.cfg.SceneKey: tensorutils.New([]int{1, len(params)}, params),
	}

	if e.cfg.PointCloudKey != "" {
		cloud, err := geom.ExpandPointCloud(params, e.cfg.Layout,
			e.cfg.PointsPerPrimitive, e.rng)
		if err != nil {
			return nil, fmt.Errorf("getObservation: %w", err)
		}
		n := cloud.Shape()[0]
		o[e.cfg.PointCloudKey] = tensorutils.New([]int{1, n, 3},
			tensorutils.Data(cloud))
	}

	if e.cfg.DepthKey != "" {
		d, ok := e.sim.(Depther)
		if !ok {
			return nil, fmt.Errorf("getObservation: depth key %q set "+
				"but the simulation cannot render depth", e.cfg.DepthKey)
		}
		rgb := geom.DepthToRGB(d.Depth())
		shape := append([]int{1}, rgb.Shape()...)
		o[e.cfg.DepthKey] = tensorutils.New(shape, tensorutils.Data(rgb))
	}

	if e.cfg.ImageKey != "" {
		im, ok := e.sim.(Imager)
		if !ok {
			return nil, fmt.Errorf("getObservation: image key %q set "+
				"but the simulation cannot render color", e.cfg.ImageKey)
		}
		first := channelFirst(im.Image())
		shape := append([]int{1}, first.Shape()...)
		o[e.cfg.ImageKey] = tensorutils.New(shape,
			tensorutils.Data(first))
	}
	return o, nil
}

// IsSuccess reports success keyed by split, nil for inactive splits.
// The task key appears only in the single-environment case.
func (e *EnvMP) IsSuccess() map[string]*bool {
	success := e.sim.AtGoal()
	out := make(map[string]*bool, len(e.cfg.Splits)+1)
	for _, split := range e.cfg.Splits {
		if split == e.cfg.Split {
			s := success
			out[split] = &s
		} else {
			out[split] = nil
		}
	}
	if !e.cfg.MultiEnv {
		s := success
		out["task"] = &s
	}
	return out
}

func (e *EnvMP) Serialize() environment.Serialization {
	return environment.Serialization{
		Name: e.cfg.Name,
		Type: "motionplan",
		Kwargs: map[string]interface{}{
			"split":         e.cfg.Split,
			"episode_steps": e.cfg.EpisodeSteps,
			"joint_key":     e.cfg.JointKey,
			"scene_key":     e.cfg.SceneKey,
			"seed":          e.cfg.Seed,
		},
	}
}

func (e *EnvMP) Spec() environment.Spec {
	shapes := obs.Shapes{
		e.cfg.JointKey: {e.sim.DOF()},
		e.cfg.SceneKey: {e.cfg.Layout.Width()},
	}
	if e.cfg.PointCloudKey != "" {
		total := e.cfg.Layout.Cuboids + e.cfg.Layout.Cylinders +
			e.cfg.Layout.Spheres
		shapes[e.cfg.PointCloudKey] = []int{
			total * e.cfg.PointsPerPrimitive, 3}
	}
	return environment.Spec{
		ObsShapes:    shapes,
		ActionDim:    e.sim.DOF(),
		ActionBounds: r1.Interval{Min: -1, Max: 1},
	}
}

func row(t *tensor.Dense, i int) []float64 {
	dim := tensorutils.Prod(t.Shape()[1:])
	data := tensorutils.Data(t)
	return append([]float64(nil), data[i*dim:(i+1)*dim]...)
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func channelFirst(img *tensor.Dense) *tensor.Dense {
	shape := img.Shape()
	h, w, c := shape[0], shape[1], shape[2]
	src := tensorutils.Data(img)
	data := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				data[ch*h*w+y*w+x] = src[(y*w+x)*c+ch]
			}
		}
	}
	return tensorutils.New([]int{c, h, w}, data)
}
