package bc

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/config"
	"github.com/gomimic/gomimic/geom"
	"github.com/gomimic/gomimic/initwfn"
	"github.com/gomimic/gomimic/network"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/solver"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// Name is the algorithm name this package registers under
const Name = "bc"

func init() {
	algo.Register(Name, Create)
}

// cfgReader reads configuration values with a sticky first error, so
// the decision table below stays readable.
type cfgReader struct {
	c   *config.Config
	err error
}

func (r *cfgReader) boolOr(path string, def bool) bool {
	if r.err != nil {
		return def
	}
	v, err := r.c.BoolOr(path, def)
	r.err = err
	return v
}

func (r *cfgReader) floatOr(path string, def float64) float64 {
	if r.err != nil {
		return def
	}
	v, err := r.c.FloatOr(path, def)
	r.err = err
	return v
}

func (r *cfgReader) intOr(path string, def int) int {
	if r.err != nil {
		return def
	}
	v, err := r.c.IntOr(path, def)
	r.err = err
	return v
}

func (r *cfgReader) stringOr(path, def string) string {
	if r.err != nil {
		return def
	}
	v, err := r.c.StringOr(path, def)
	r.err = err
	return v
}

func (r *cfgReader) intsOr(path string, def []int) []int {
	if r.err != nil {
		return def
	}
	v, err := r.c.IntsOr(path, def)
	r.err = err
	return v
}

func (r *cfgReader) floatsOr(path string, def []float64) []float64 {
	if r.err != nil {
		return def
	}
	v, err := r.c.FloatsOr(path, def)
	r.err = err
	return v
}

// enabled implements the "section absent means disabled" rule for
// optional feature sections.
func (r *cfgReader) enabled(section string) bool {
	if r.err != nil || !r.c.HasSection(section) {
		return false
	}
	return r.boolOr(section+".enabled", false)
}

// Create builds the behavioral cloning variant the configuration
// selects. Feature flags are evaluated in fixed precedence order:
// mpinets, gaussian, gmm, vae, then the deterministic default, with
// rnn, action chunking and transformer sub-branches in that order.
func Create(c *config.Config, spec algo.Spec, seed uint64) (algo.Algo,
	error) {

	r := &cfgReader{c: c}
	rng := rand.New(rand.NewSource(seed))

	mpinets := r.enabled("mpinets")
	gaussianOn := r.enabled("gaussian")
	gmmOn := r.enabled("gmm")
	vaeOn := r.enabled("vae")
	rnnOn := r.enabled("rnn")
	actOn := r.enabled("act")
	transformerOn := r.enabled("transformer")

	hidden := r.intsOr("hidden_sizes", []int{300, 400})
	actName := r.stringOr("activation", "relu")
	weights := lossWeights{
		l2:  r.floatOr("loss.l2_weight", 1.0),
		l1:  r.floatOr("loss.l1_weight", 0.0),
		cos: r.floatOr("loss.cos_weight", 0.0),
	}

	stepSize := r.floatOr("optim.lr", 1e-4)
	clip := r.floatOr("optim.clip", -1)
	if r.err != nil {
		return nil, r.err
	}

	act, err := network.FromString(actName)
	if err != nil {
		return nil, err
	}
	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		return nil, err
	}
	slv, err := solver.NewAdam(stepSize, 1e-8, 0.9, 0.999, clip)
	if err != nil {
		return nil, err
	}

	b := &builder{
		r:       r,
		spec:    spec,
		rng:     rng,
		hidden:  hidden,
		act:     act,
		init:    init,
		weights: weights,
	}

	var bc *BC
	switch {
	case mpinets:
		bc, err = b.mpinet(rnnOn)
	case gaussianOn:
		if rnnOn || transformerOn {
			return nil, fmt.Errorf("create: gaussian with rnn or "+
				"transformer: %w", algo.ErrNotSupported)
		}
		bc, err = b.gaussian()
	case gmmOn:
		switch {
		case rnnOn:
			bc, err = b.rnnGMM()
		case actOn:
			bc, err = b.actGMM()
		case transformerOn:
			bc, err = b.transformerGMM()
		default:
			bc, err = b.gmm()
		}
	case vaeOn:
		if rnnOn || transformerOn {
			return nil, fmt.Errorf("create: vae with rnn or "+
				"transformer: %w", algo.ErrNotSupported)
		}
		bc, err = b.vae()
	default:
		switch {
		case rnnOn:
			bc, err = b.rnnPoint()
		case actOn:
			bc, err = b.actPoint()
		case transformerOn:
			bc, err = b.transformerPoint()
		default:
			bc, err = b.point()
		}
	}
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	bc.slv = slv
	return bc, nil
}

// builder carries the parsed common settings while a variant is
// assembled.
type builder struct {
	r       *cfgReader
	spec    algo.Spec
	rng     *rand.Rand
	hidden  []int
	act     *network.Activation
	init    *initwfn.InitWFn
	weights lossWeights
}

func (b *builder) shapes() (obs.Shapes, obs.Shapes, int) {
	return b.spec.ObsShapes, b.spec.GoalShapes, b.spec.ActionDim
}

func (b *builder) point() (*BC, error) {
	o, g, a := b.shapes()
	n := network.NewActorNetwork(o, g, a, b.hidden, b.act, b.init, b.rng)
	fwd := pointForwarder(n)
	return &BC{
		name:     "bc",
		windower: flatWindower{},
		fwd:      fwd,
		comp:     pointComposer{weights: b.weights},
		sampler:  &statelessSampler{fwd: fwd, src: b.src()},
	}, nil
}

func (b *builder) gaussian() (*BC, error) {
	o, g, a := b.shapes()
	minStd := b.r.floatOr("gaussian.min_std", 1e-4)
	lowNoise := b.r.boolOr("gaussian.low_noise_eval", true)

	n := network.NewGaussianActorNetwork(o, g, a, b.hidden, b.act, minStd,
		lowNoise, b.init, b.rng)
	fwd := gaussianForwarder(n)
	return &BC{
		name:     "bc_gaussian",
		windower: flatWindower{},
		fwd:      fwd,
		comp:     &gaussianComposer{weights: b.weights, rng: b.rng},
		sampler:  &statelessSampler{fwd: fwd, src: b.src()},
	}, nil
}

func (b *builder) gmm() (*BC, error) {
	o, g, a := b.shapes()
	modes, minStd, lowNoise, expWeight := b.gmmParams()

	n := network.NewGMMActorNetwork(o, g, a, b.hidden, b.act, modes,
		minStd, lowNoise, b.init, b.rng)
	fwd := gmmForwarder(n)
	return &BC{
		name:     "bc_gmm",
		windower: flatWindower{},
		fwd:      fwd,
		comp:     &gmmComposer{batchRank: 1, expPrecision: expWeight},
		sampler:  &statelessSampler{fwd: fwd, src: b.src()},
	}, nil
}

func (b *builder) rnnGMM() (*BC, error) {
	o, g, a := b.shapes()
	modes, minStd, lowNoise, expWeight := b.gmmParams()
	hiddenDim, horizon, openLoop := b.rnnParams()

	n := network.NewRNNGMMActorNetwork(o, g, a, hiddenDim, modes, minStd,
		lowNoise, b.init, b.rng)
	fwd := rnnGMMForwarder(n)
	src := b.src()
	step := func(in *network.Input,
		st *network.RNNState) (*tensor.Dense, *network.RNNState) {
		dist, next := n.Step(in, st)
		return dist.Sample(src), next
	}
	return &BC{
		name:     "bc_rnn_gmm",
		windower: seqWindower{length: horizon},
		fwd:      fwd,
		comp:     &gmmComposer{batchRank: 2, expPrecision: expWeight},
		sampler: &recurrentSampler{
			horizon:  horizon,
			openLoop: openLoop,
			init:     n.InitState,
			step:     step,
		},
	}, nil
}

func (b *builder) transformerGMM() (*BC, error) {
	o, g, a := b.shapes()
	modes, minStd, lowNoise, expWeight := b.gmmParams()
	context, embed, ffn, blocks, superviseAll := b.transformerParams()

	n := network.NewTransformerGMMActorNetwork(o, g, a, context, embed,
		ffn, blocks, modes, minStd, lowNoise, b.init, b.rng)
	fwd := transformerGMMForwarder(n)
	return &BC{
		name:     "bc_transformer_gmm",
		windower: seqWindower{length: context},
		fwd:      fwd,
		comp: &gmmComposer{
			batchRank:     2,
			superviseLast: !superviseAll,
			expPrecision:  expWeight,
		},
		sampler: &statelessSampler{fwd: fwd, addTime: true, src: b.src()},
	}, nil
}

func (b *builder) actGMM() (*BC, error) {
	o, g, a := b.shapes()
	modes, minStd, lowNoise, expWeight := b.gmmParams()
	_, embed, ffn, blocks, _ := b.transformerParams()
	chunk, burst := b.actParams()

	n := network.NewACTGMMActorNetwork(o, g, a, chunk, embed, ffn, blocks,
		modes, minStd, lowNoise, b.init, b.rng)
	fwd := actGMMForwarder(n)
	src := b.src()
	predict := func(obsDict, goalDict obs.Dict, history []float64,
		actionDim int) *tensor.Dense {
		in := chunkInput(obsDict, goalDict, history, actionDim)
		dist := n.Forward(in)
		return dist.FinalStep().Sample(src)
	}
	return &BC{
		name:     "bc_act_gmm",
		windower: seqWindower{length: chunk},
		fwd:      fwd,
		comp: &gmmComposer{
			batchRank:    2,
			maskPadding:  true,
			expPrecision: expWeight,
		},
		sampler: &chunkSampler{
			openLoopSteps: burst,
			actionDim:     a,
			predict:       predict,
		},
	}, nil
}

func (b *builder) vae() (*BC, error) {
	o, g, a := b.shapes()
	latent := b.r.intOr("vae.latent_dim", 16)
	klWeight := b.r.floatOr("vae.kl_weight", 1.0)
	categorical := b.r.boolOr("vae.categorical", false)

	var n *network.VAENetwork
	var schedule func(int)
	if categorical {
		classes := b.r.intOr("vae.categorical_classes", 10)
		tempInit := b.r.floatOr("vae.temp_init", 1.0)
		tempMin := b.r.floatOr("vae.temp_min", 0.3)
		anneal := b.r.floatOr("vae.temp_anneal", 0.001)

		n = network.NewCategoricalVAENetwork(o, g, a, latent, classes,
			b.hidden, b.act, b.init, b.rng)
		n.SetTemperature(tempInit)
		schedule = func(epoch int) {
			n.SetTemperature(math.Max(tempMin,
				tempInit-anneal*float64(epoch)))
		}
	} else {
		n = network.NewVAENetwork(o, g, a, latent, b.hidden, b.act, b.init,
			b.rng)
	}

	return &BC{
		name:     "bc_vae",
		windower: flatWindower{},
		fwd:      vaeForwarder(n, b.rng),
		comp:     vaeComposer{klWeight: klWeight},
		sampler:  &vaeSampler{net: n, rng: b.rng},
		schedule: schedule,
	}, nil
}

func (b *builder) rnnPoint() (*BC, error) {
	o, g, a := b.shapes()
	hiddenDim, horizon, openLoop := b.rnnParams()

	n := network.NewRNNActorNetwork(o, g, a, hiddenDim, b.init, b.rng)
	fwd := rnnPointForwarder(n)
	return &BC{
		name:     "bc_rnn",
		windower: seqWindower{length: horizon},
		fwd:      fwd,
		comp:     pointComposer{weights: b.weights},
		sampler: &recurrentSampler{
			horizon:  horizon,
			openLoop: openLoop,
			init:     n.InitState,
			step:     n.Step,
		},
	}, nil
}

func (b *builder) transformerPoint() (*BC, error) {
	o, g, a := b.shapes()
	context, embed, ffn, blocks, _ := b.transformerParams()

	n := network.NewTransformerActorNetwork(o, g, a, context, embed, ffn,
		blocks, b.init, b.rng)
	fwd := transformerPointForwarder(n)
	return &BC{
		name:     "bc_transformer",
		windower: seqWindower{length: context},
		fwd:      fwd,
		comp:     pointComposer{weights: b.weights},
		sampler:  &statelessSampler{fwd: fwd, addTime: true, src: b.src()},
	}, nil
}

func (b *builder) actPoint() (*BC, error) {
	o, g, a := b.shapes()
	_, embed, ffn, blocks, _ := b.transformerParams()
	chunk, burst := b.actParams()

	n := network.NewACTActorNetwork(o, g, a, chunk, embed, ffn, blocks,
		b.init, b.rng)
	fwd := actForwarder(n)
	predict := func(obsDict, goalDict obs.Dict, history []float64,
		actionDim int) *tensor.Dense {
		in := chunkInput(obsDict, goalDict, history, actionDim)
		out := n.Forward(in)
		steps := out.Shape()[1]
		return tensorutils.TimeSlice(out, steps-1)
	}
	return &BC{
		name:     "bc_act",
		windower: seqWindower{length: chunk},
		fwd:      fwd,
		comp:     pointComposer{weights: b.weights, maskPadding: true},
		sampler: &chunkSampler{
			openLoopSteps: burst,
			actionDim:     a,
			predict:       predict,
		},
	}, nil
}

func (b *builder) mpinet(rnnOn bool) (*BC, error) {
	o, g, a := b.shapes()

	jointKey := b.r.stringOr("mpinets.joint_key", "joints")
	sceneKey := b.r.stringOr("mpinets.scene_key", "scene_params")
	layout := geom.Layout{
		Cuboids:   b.r.intOr("mpinets.cuboids", 0),
		Cylinders: b.r.intOr("mpinets.cylinders", 0),
		Spheres:   b.r.intOr("mpinets.spheres", 0),
	}

	links := b.r.floatsOr("mpinets.link_lengths", defaultLinks(a))
	limits := make([][2]float64, len(links))
	for i := range limits {
		limits[i] = [2]float64{-math.Pi, math.Pi}
	}
	kin, err := geom.NewSerialArm(links, limits)
	if err != nil {
		return nil, err
	}

	comp := &mpinetComposer{
		weights:    b.weights,
		collision:  b.r.floatOr("mpinets.collision_weight", 1.0),
		pointMatch: b.r.floatOr("mpinets.point_match_weight", 1.0),
		margin:     b.r.floatOr("mpinets.margin", 0.03),
		kin:        kin,
		layout:     layout,
		jointKey:   jointKey,
		sceneKey:   sceneKey,
	}
	post := deltaPost(jointKey)

	if rnnOn {
		hiddenDim, horizon, openLoop := b.rnnParams()
		n := network.NewRNNActorNetwork(o, g, a, hiddenDim, b.init, b.rng)
		return &BC{
			name:     "bc_mpinets_rnn",
			windower: seqWindower{length: horizon},
			fwd:      rnnPointForwarder(n),
			comp:     comp,
			sampler: &recurrentSampler{
				horizon:  horizon,
				openLoop: openLoop,
				init:     n.InitState,
				step:     n.Step,
				post:     post,
			},
		}, nil
	}

	n := network.NewActorNetwork(o, g, a, b.hidden, b.act, b.init, b.rng)
	fwd := pointForwarder(n)
	return &BC{
		name:     "bc_mpinets",
		windower: flatWindower{},
		fwd:      fwd,
		comp:     comp,
		sampler:  &statelessSampler{fwd: fwd, src: b.src(), post: post},
	}, nil
}

func (b *builder) gmmParams() (modes int, minStd float64, lowNoise bool,
	expWeight float64) {

	modes = b.r.intOr("gmm.num_modes", 5)
	minStd = b.r.floatOr("gmm.min_std", 1e-4)
	lowNoise = b.r.boolOr("gmm.low_noise_eval", true)
	expWeight = b.r.floatOr("gmm.exp_precision_weight", 0)
	return modes, minStd, lowNoise, expWeight
}

func (b *builder) rnnParams() (hiddenDim, horizon int, openLoop bool) {
	hiddenDim = b.r.intOr("rnn.hidden_dim", 400)
	horizon = b.r.intOr("rnn.horizon", 10)
	openLoop = b.r.boolOr("rnn.open_loop", false)
	return hiddenDim, horizon, openLoop
}

func (b *builder) transformerParams() (context, embed, ffn, blocks int,
	superviseAll bool) {

	context = b.r.intOr("transformer.context_length", 10)
	embed = b.r.intOr("transformer.embed_dim", 64)
	ffn = b.r.intOr("transformer.ffn_dim", 4*embed)
	blocks = b.r.intOr("transformer.num_blocks", 2)
	superviseAll = b.r.boolOr("transformer.supervise_all_steps", false)
	return context, embed, ffn, blocks, superviseAll
}

func (b *builder) actParams() (chunk, burst int) {
	chunk = b.r.intOr("act.chunk_length", 10)
	burst = b.r.intOr("act.open_loop_steps", 4)
	return chunk, burst
}

func (b *builder) src() rand.Source {
	return rand.NewSource(b.rng.Uint64())
}

func defaultLinks(dof int) []float64 {
	links := make([]float64, dof)
	for i := range links {
		links[i] = 0.1
	}
	return links
}

// chunkInput builds the network input for one chunking inference
// pass: the observation repeated across the window so far, with the
// action history shifted right behind a leading zero action.
func chunkInput(obsDict, goalDict obs.Dict, history []float64,
	actionDim int) *network.Input {

	steps := len(history)/actionDim + 1
	actions := make([]float64, steps*actionDim)
	copy(actions[actionDim:], history)

	in := &network.Input{
		Obs:     obsDict.AddTimeAxis().RepeatFirst(steps),
		Actions: tensorutils.New([]int{1, steps, actionDim}, actions),
	}
	if goalDict != nil {
		in.Goal = goalDict.AddTimeAxis().RepeatFirst(steps)
	}
	return in
}
