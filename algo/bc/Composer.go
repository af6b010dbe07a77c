package bc

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/dists"
	"github.com/gomimic/gomimic/geom"
	"github.com/gomimic/gomimic/losses"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/floatutils"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// composer computes a variant's loss terms for one forward result.
// It returns the named losses (always including algo.ActionLoss) and
// a thunk accumulating the action-loss gradient into the network.
// With validate set the thunk is a no-op.
type composer interface {
	compose(res forwardResult, batch *algo.Batch,
		validate bool) (algo.Losses, func(), error)
}

// lossWeights are the base behavioral cloning term weights
type lossWeights struct {
	l2  float64
	l1  float64
	cos float64
}

// cosineDims is the leading slice of the action vector the cosine
// direction loss applies to: the end-effector translation.
const cosineDims = 3

// pointComposer is the plain BC loss: weighted L2, smooth-L1 and
// cosine direction terms on a point estimate, with optional
// zero-padding masking for chunked targets.
type pointComposer struct {
	weights     lossWeights
	maskPadding bool
}

func (c pointComposer) compose(res forwardResult, batch *algo.Batch,
	validate bool) (algo.Losses, func(), error) {

	point, ok := res.(*pointResult)
	if !ok {
		return nil, nil, fmt.Errorf("compose: point losses need a point "+
			"prediction, got %T", res)
	}

	pred, target := point.actions, batch.Actions
	var dropMask []bool
	if c.maskPadding {
		dropMask = losses.ZeroRowMask(target)
		pred = losses.FilterRows(pred, dropMask)
		target = losses.FilterRows(target, dropMask)
	}

	out, grad := baseTerms(c.weights, pred, target)
	if dropMask != nil {
		grad = scatterRows(grad, dropMask, shapeInts(point.actions))
	}
	backprop := func() { point.backward(grad) }
	if validate {
		backprop = func() {}
	}
	return out, backprop, nil
}

// baseTerms computes the shared L2/smooth-L1/cosine composition and
// the combined gradient with respect to the prediction.
func baseTerms(w lossWeights, pred, target *tensor.Dense) (algo.Losses,
	*tensor.Dense) {

	l2, gradL2 := losses.L2(pred, target)
	l1, gradL1 := losses.SmoothL1(pred, target)
	cos, gradCos := losses.Cosine(pred, target, cosineDims)

	combined := make([]float64, len(tensorutils.Data(gradL2)))
	g2 := tensorutils.Data(gradL2)
	g1 := tensorutils.Data(gradL1)
	gc := tensorutils.Data(gradCos)
	for i := range combined {
		combined[i] = w.l2*g2[i] + w.l1*g1[i] + w.cos*gc[i]
	}

	out := algo.Losses{
		"l2_loss":       l2,
		"l1_loss":       l1,
		"cos_loss":      cos,
		algo.ActionLoss: w.l2*l2 + w.l1*l1 + w.cos*cos,
	}
	return out, tensorutils.New(shapeInts(pred), combined)
}

// scatterRows embeds gradients computed on kept rows back into zero
// gradients shaped like the full prediction.
func scatterRows(kept *tensor.Dense, dropMask []bool,
	shape []int) *tensor.Dense {

	rowDim := shape[len(shape)-1]
	out := make([]float64, tensorutils.Prod(shape))
	src := tensorutils.Data(kept)

	next := 0
	for r := range dropMask {
		if dropMask[r] {
			continue
		}
		copy(out[r*rowDim:(r+1)*rowDim], src[next*rowDim:(next+1)*rowDim])
		next++
	}
	return tensorutils.New(shape, out)
}

func shapeInts(t *tensor.Dense) []int {
	s := t.Shape()
	out := make([]int, len(s))
	copy(out, s)
	return out
}

// asRows views a tensor as [rows, lastDim], folding every leading
// axis into the first.
func asRows(t *tensor.Dense) *tensor.Dense {
	shape := shapeInts(t)
	last := shape[len(shape)-1]
	rows := tensorutils.Prod(shape) / last
	return tensorutils.New([]int{rows, last}, tensorutils.Data(t))
}

// mpinetComposer treats predictions as joint-space deltas and adds
// collision and point-match penalties computed from the scene
// geometry packed into an observation key.
type mpinetComposer struct {
	weights    lossWeights
	collision  float64
	pointMatch float64
	margin     float64

	kin      geom.Kinematics
	layout   geom.Layout
	jointKey string
	sceneKey string
}

func (c *mpinetComposer) compose(res forwardResult, batch *algo.Batch,
	validate bool) (algo.Losses, func(), error) {

	point, ok := res.(*pointResult)
	if !ok {
		return nil, nil, fmt.Errorf("compose: mpinet losses need a point "+
			"prediction, got %T", res)
	}

	joints, ok := batch.Obs[c.jointKey]
	if !ok {
		return nil, nil, fmt.Errorf("compose: batch has no joint key %q",
			c.jointKey)
	}

	// supervise the delta from the current joint angles
	targetDelta := subtract(batch.Actions, joints)
	out, grad := baseTerms(c.weights, point.actions, targetDelta)
	gradData := tensorutils.Data(grad)

	// absolute configurations, clamped to the normalized action range
	pred, clamped := clampedSum(joints, point.actions)
	target, _ := clampedSum(joints, targetDelta)

	scenes, err := c.decodeScenes(batch.Obs)
	if err != nil {
		return nil, nil, fmt.Errorf("compose: %w", err)
	}

	// sequence variants fold the time axis into the batch axis for
	// the geometric terms
	collision, gradColl, err := geom.CollisionLoss(c.kin, asRows(pred),
		scenes, c.margin)
	if err != nil {
		return nil, nil, fmt.Errorf("compose: %w", err)
	}
	match, gradMatch, err := geom.PointMatchLoss(c.kin, asRows(pred),
		asRows(target))
	if err != nil {
		return nil, nil, fmt.Errorf("compose: %w", err)
	}

	gc := tensorutils.Data(gradColl)
	gm := tensorutils.Data(gradMatch)
	for i := range gradData {
		if clamped[i] {
			continue
		}
		gradData[i] += c.collision*gc[i] + c.pointMatch*gm[i]
	}

	out["collision_loss"] = collision
	out["point_match_loss"] = match
	out[algo.ActionLoss] += c.collision*collision + c.pointMatch*match

	backprop := func() { point.backward(grad) }
	if validate {
		backprop = func() {}
	}
	return out, backprop, nil
}

func (c *mpinetComposer) decodeScenes(d obs.Dict) ([]*geom.Scene, error) {
	packed, ok := d[c.sceneKey]
	if !ok {
		return nil, fmt.Errorf("batch has no scene key %q", c.sceneKey)
	}
	flat := asRows(packed)
	shape := flat.Shape()
	batch, width := shape[0], shape[1]
	data := tensorutils.Data(flat)

	scenes := make([]*geom.Scene, batch)
	for b := 0; b < batch; b++ {
		scene, err := geom.DecodeScene(data[b*width:(b+1)*width], c.layout)
		if err != nil {
			return nil, err
		}
		scenes[b] = scene
	}
	return scenes, nil
}

// subtract returns a-b elementwise as a new tensor
func subtract(a, b *tensor.Dense) *tensor.Dense {
	av := tensorutils.Data(a)
	bv := tensorutils.Data(b)
	out := make([]float64, len(av))
	for i := range out {
		out[i] = av[i] - bv[i]
	}
	return tensorutils.New(shapeInts(a), out)
}

// clampedSum returns clamp(a+b, -1, 1) and a mask of clamped entries
func clampedSum(a, b *tensor.Dense) (*tensor.Dense, []bool) {
	av := tensorutils.Data(a)
	bv := tensorutils.Data(b)
	out := make([]float64, len(av))
	clamped := make([]bool, len(av))
	for i := range out {
		out[i] = floatutils.Clip(av[i]+bv[i], -1, 1)
		clamped[i] = out[i] != av[i]+bv[i]
	}
	return tensorutils.New(shapeInts(a), out), clamped
}

// gaussianComposer drives the Gaussian variant: negative
// log-likelihood plus the base terms measured on a reparameterized
// sample. During validation the sample is the distribution mean so
// repeated validation passes stay deterministic.
type gaussianComposer struct {
	weights lossWeights
	rng     *rand.Rand
}

func (c *gaussianComposer) compose(res forwardResult, batch *algo.Batch,
	validate bool) (algo.Losses, func(), error) {

	g, ok := res.(*gaussianResult)
	if !ok {
		return nil, nil, fmt.Errorf("compose: gaussian losses need a "+
			"gaussian result, got %T", res)
	}
	g.dist.AssertBatchRank(1)

	nll, gradMean, gradLogStd := g.dist.NLLGrad(batch.Actions)

	mean := tensorutils.Data(g.dist.Mean)
	logStd := tensorutils.Data(g.dist.LogStd)
	sample := make([]float64, len(mean))
	noise := make([]float64, len(mean))
	if validate {
		copy(sample, mean)
	} else {
		for i := range sample {
			noise[i] = c.rng.NormFloat64()
			sample[i] = mean[i] + math.Exp(logStd[i])*noise[i]
		}
	}
	sampleT := tensorutils.New(shapeInts(g.dist.Mean), sample)

	sampleLosses, sampleGrad := baseTerms(c.weights, sampleT, batch.Actions)

	out := algo.Losses{
		"nll_loss":      nll,
		"l2_loss":       sampleLosses["l2_loss"],
		"l1_loss":       sampleLosses["l1_loss"],
		"cos_loss":      sampleLosses["cos_loss"],
		algo.ActionLoss: nll + sampleLosses[algo.ActionLoss],
	}
	if validate {
		return out, func() {}, nil
	}

	// reparameterization: the sample terms reach the parameters
	// through sample = mean + exp(logStd)*noise
	gm := tensorutils.Data(gradMean)
	gs := tensorutils.Data(gradLogStd)
	sg := tensorutils.Data(sampleGrad)
	for i := range gm {
		gm[i] += sg[i]
		gs[i] += sg[i] * noise[i] * math.Exp(logStd[i])
	}
	return out, func() { g.backward(gradMean, gradLogStd) }, nil
}

// gmmComposer drives the mixture variants: NLL with optional
// zero-padding masking, final-step supervision and an exponential
// precision term pulling the nearest component toward the target.
type gmmComposer struct {
	batchRank     int // structural invariant on the forward result
	superviseLast bool
	maskPadding   bool

	expPrecision float64 // weight, 0 disables
}

func (c *gmmComposer) compose(res forwardResult, batch *algo.Batch,
	validate bool) (algo.Losses, func(), error) {

	g, ok := res.(*gmmResult)
	if !ok {
		return nil, nil, fmt.Errorf("compose: mixture losses need a gmm "+
			"result, got %T", res)
	}
	g.dist.AssertBatchRank(c.batchRank)

	dist := g.dist
	actions := batch.Actions
	scatterStep := -1
	if c.superviseLast {
		scatterStep = actions.Shape()[1] - 1
		dist = dist.FinalStep()
		actions = tensorutils.TimeSlice(actions, scatterStep)
	}

	var dropMask []bool
	if c.maskPadding {
		dropMask = losses.ZeroRowMask(actions)
	}

	nll, grads := dist.NLLGrad(actions, dropMask)
	out := algo.Losses{"nll_loss": nll, algo.ActionLoss: nll}

	if c.expPrecision > 0 {
		exp, expGrads := dist.ExponentialPrecision(actions)
		grads.Add(expGrads, c.expPrecision)
		out["exp_precision_loss"] = exp
		out[algo.ActionLoss] += c.expPrecision * exp
	}

	if validate {
		return out, func() {}, nil
	}

	if scatterStep >= 0 {
		grads = scatterFinalStep(grads, g.dist, scatterStep)
	}
	return out, func() { g.backward(grads) }, nil
}

// scatterFinalStep embeds gradients computed on a final-step slice
// back into zero gradients shaped like the full sequence mixture.
func scatterFinalStep(sliced *dists.GMMGrads, full *dists.GMM,
	step int) *dists.GMMGrads {

	return &dists.GMMGrads{
		Means:   scatterTime(sliced.Means, full.Means, step),
		LogStds: scatterTime(sliced.LogStds, full.LogStds, step),
		Logits:  scatterTime(sliced.Logits, full.Logits, step),
	}
}

func scatterTime(sliced, like *tensor.Dense, step int) *tensor.Dense {
	shape := shapeInts(like)
	out := make([]float64, tensorutils.Prod(shape))
	src := tensorutils.Data(sliced)

	batch, steps := shape[0], shape[1]
	per := len(src) / batch
	for b := 0; b < batch; b++ {
		copy(out[(b*steps+step)*per:(b*steps+step+1)*per],
			src[b*per:(b+1)*per])
	}
	return tensorutils.New(shape, out)
}

// vaeComposer drives the variational variant: reconstruction L2 plus
// a weighted KL to the latent prior.
type vaeComposer struct {
	klWeight float64
}

func (c vaeComposer) compose(res forwardResult, batch *algo.Batch,
	validate bool) (algo.Losses, func(), error) {

	v, ok := res.(*vaeResult)
	if !ok {
		return nil, nil, fmt.Errorf("compose: vae losses need a vae "+
			"result, got %T", res)
	}

	recon, grad := losses.L2(v.recon, batch.Actions)
	out := algo.Losses{
		"recon_loss":    recon,
		"kl_loss":       v.kl,
		algo.ActionLoss: recon + c.klWeight*v.kl,
	}
	backprop := func() { v.backward(grad, c.klWeight) }
	if validate {
		backprop = func() {}
	}
	return out, backprop, nil
}
