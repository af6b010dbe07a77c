package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/dists"
	"github.com/gomimic/gomimic/initwfn"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

const layerNormEps = 1e-5

// layerNorm normalizes every row of a feature matrix with a learned
// gain and bias.
type layerNorm struct {
	dim  int
	g, b *Parameter

	xhat   *mat.Dense
	invStd []float64
}

func newLayerNorm(owner *base, name string, dim int) *layerNorm {
	g := make([]float64, dim)
	for i := range g {
		g[i] = 1
	}
	return &layerNorm{
		dim: dim,
		g:   owner.register(name+".g", g),
		b:   owner.register(name+".b", make([]float64, dim)),
	}
}

func (l *layerNorm) forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	l.xhat = mat.NewDense(rows, l.dim, nil)
	l.invStd = make([]float64, rows)

	out := mat.NewDense(rows, l.dim, nil)
	for r := 0; r < rows; r++ {
		row := x.RawRowView(r)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(l.dim)

		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(l.dim)
		l.invStd[r] = 1 / math.Sqrt(variance+layerNormEps)

		xhat := l.xhat.RawRowView(r)
		o := out.RawRowView(r)
		for i, v := range row {
			xhat[i] = (v - mean) * l.invStd[r]
			o[i] = l.g.Value[i]*xhat[i] + l.b.Value[i]
		}
	}
	return out
}

func (l *layerNorm) backward(dy *mat.Dense) *mat.Dense {
	rows, _ := dy.Dims()
	dx := mat.NewDense(rows, l.dim, nil)
	n := float64(l.dim)

	for r := 0; r < rows; r++ {
		dyRow := dy.RawRowView(r)
		xhat := l.xhat.RawRowView(r)

		meanDxhat, meanDxhatXhat := 0.0, 0.0
		for i, v := range dyRow {
			l.g.Grad[i] += v * xhat[i]
			l.b.Grad[i] += v
			dxhat := v * l.g.Value[i]
			meanDxhat += dxhat
			meanDxhatXhat += dxhat * xhat[i]
		}
		meanDxhat /= n
		meanDxhatXhat /= n

		out := dx.RawRowView(r)
		for i, v := range dyRow {
			dxhat := v * l.g.Value[i]
			out[i] = l.invStd[r] *
				(dxhat - meanDxhat - xhat[i]*meanDxhatXhat)
		}
	}
	return dx
}

// attention is single-head causal self-attention over fixed-length
// sequences packed batch-major into a flat feature matrix.
type attention struct {
	dim        int
	q, k, v, o *linear

	qs, ks, vs []*mat.Dense
	weights    []*mat.Dense
}

func newAttention(owner *base, name string, dim int, init *initwfn.InitWFn,
	rng *rand.Rand) *attention {

	return &attention{
		dim: dim,
		q:   newLinear(owner, name+".q", dim, dim, init, rng),
		k:   newLinear(owner, name+".k", dim, dim, init, rng),
		v:   newLinear(owner, name+".v", dim, dim, init, rng),
		o:   newLinear(owner, name+".o", dim, dim, init, rng),
	}
}

func seqView(m *mat.Dense, b, steps int) *mat.Dense {
	return m.Slice(b*steps, (b+1)*steps, 0, m.RawMatrix().Cols).(*mat.Dense)
}

func (a *attention) forward(x *mat.Dense, batch, steps int) *mat.Dense {
	qf := a.q.forward(x)
	kf := a.k.forward(x)
	vf := a.v.forward(x)

	a.qs = make([]*mat.Dense, batch)
	a.ks = make([]*mat.Dense, batch)
	a.vs = make([]*mat.Dense, batch)
	a.weights = make([]*mat.Dense, batch)
	scale := 1 / math.Sqrt(float64(a.dim))

	mixed := mat.NewDense(batch*steps, a.dim, nil)
	for b := 0; b < batch; b++ {
		q := seqView(qf, b, steps)
		k := seqView(kf, b, steps)
		v := seqView(vf, b, steps)
		a.qs[b], a.ks[b], a.vs[b] = q, k, v

		var scores mat.Dense
		scores.Mul(q, k.T())
		scores.Scale(scale, &scores)

		// causal softmax: step i attends to steps 0..i
		w := mat.NewDense(steps, steps, nil)
		for i := 0; i < steps; i++ {
			row := scores.RawRowView(i)
			max := row[0]
			for j := 1; j <= i; j++ {
				if row[j] > max {
					max = row[j]
				}
			}
			sum := 0.0
			wRow := w.RawRowView(i)
			for j := 0; j <= i; j++ {
				wRow[j] = math.Exp(row[j] - max)
				sum += wRow[j]
			}
			for j := 0; j <= i; j++ {
				wRow[j] /= sum
			}
		}
		a.weights[b] = w

		var out mat.Dense
		out.Mul(w, v)
		for i := 0; i < steps; i++ {
			mixed.SetRow(b*steps+i, out.RawRowView(i))
		}
	}
	return a.o.forward(mixed)
}

func (a *attention) backward(dy *mat.Dense, batch, steps int) *mat.Dense {
	dMixed := a.o.backward(dy)
	scale := 1 / math.Sqrt(float64(a.dim))

	dqf := mat.NewDense(batch*steps, a.dim, nil)
	dkf := mat.NewDense(batch*steps, a.dim, nil)
	dvf := mat.NewDense(batch*steps, a.dim, nil)

	for b := 0; b < batch; b++ {
		dOut := seqView(dMixed, b, steps)
		w := a.weights[b]

		var dW, dV mat.Dense
		dW.Mul(dOut, a.vs[b].T())
		dV.Mul(w.T(), dOut)

		// softmax backward per row; masked entries carry zero weight
		dS := mat.NewDense(steps, steps, nil)
		for i := 0; i < steps; i++ {
			wRow := w.RawRowView(i)
			dwRow := dW.RawRowView(i)
			dot := 0.0
			for j := 0; j <= i; j++ {
				dot += dwRow[j] * wRow[j]
			}
			dsRow := dS.RawRowView(i)
			for j := 0; j <= i; j++ {
				dsRow[j] = wRow[j] * (dwRow[j] - dot)
			}
		}

		var dQ, dK mat.Dense
		dQ.Mul(dS, a.ks[b])
		dQ.Scale(scale, &dQ)
		dK.Mul(dS.T(), a.qs[b])
		dK.Scale(scale, &dK)

		for i := 0; i < steps; i++ {
			dqf.SetRow(b*steps+i, dQ.RawRowView(i))
			dkf.SetRow(b*steps+i, dK.RawRowView(i))
			dvf.SetRow(b*steps+i, dV.RawRowView(i))
		}
	}

	var dx mat.Dense
	dx.Add(a.q.backward(dqf), a.k.backward(dkf))
	dx.Add(&dx, a.v.backward(dvf))
	return &dx
}

// tblock is one transformer block: causal attention and a
// position-wise feedforward, each behind a layer norm with a residual
// connection.
type tblock struct {
	ln1  *layerNorm
	attn *attention
	ln2  *layerNorm
	ffn  *mlp
}

func newTBlock(owner *base, name string, dim, ffnDim int,
	init *initwfn.InitWFn, rng *rand.Rand) *tblock {

	return &tblock{
		ln1:  newLayerNorm(owner, name+".ln1", dim),
		attn: newAttention(owner, name+".attn", dim, init, rng),
		ln2:  newLayerNorm(owner, name+".ln2", dim),
		ffn: newMLP(owner, name+".ffn", []int{dim, ffnDim, dim},
			ReLU(), Identity(), init, rng),
	}
}

func (t *tblock) forward(x *mat.Dense, batch, steps int) *mat.Dense {
	var r1 mat.Dense
	r1.Add(x, t.attn.forward(t.ln1.forward(x), batch, steps))

	var r2 mat.Dense
	r2.Add(&r1, t.ffn.forward(t.ln2.forward(&r1)))
	return &r2
}

func (t *tblock) backward(dy *mat.Dense, batch, steps int) *mat.Dense {
	var dr1 mat.Dense
	dr1.Add(dy, t.ln2.backward(t.ffn.backward(dy)))

	var dx mat.Dense
	dx.Add(&dr1, t.ln1.backward(t.attn.backward(&dr1, batch, steps)))
	return &dx
}

// transformerTrunk embeds observation sequences, adds a learned
// positional embedding and runs the blocks, producing a [B*T, E]
// feature matrix in batch-major row order. When withActions is set,
// the per-step action from Input.Actions is appended to each step's
// observation before embedding.
type transformerTrunk struct {
	obsShapes  obs.Shapes
	goalShapes obs.Shapes

	withActions bool
	actionDim   int
	context     int
	dim         int

	embed  *linear
	pos    *Parameter
	blocks []*tblock
	norm   *layerNorm

	batch, steps int
}

func newTransformerTrunk(owner *base, obsShapes, goalShapes obs.Shapes,
	context, dim, ffnDim, numBlocks, actionDim int,
	init *initwfn.InitWFn, rng *rand.Rand) *transformerTrunk {

	inDim := obsShapes.TotalDim() + goalShapes.TotalDim() + actionDim
	tr := &transformerTrunk{
		obsShapes:   obsShapes,
		goalShapes:  goalShapes,
		withActions: actionDim > 0,
		actionDim:   actionDim,
		context:     context,
		dim:         dim,
		embed:       newLinear(owner, "embed", inDim, dim, init, rng),
		pos:         owner.register("pos", init.Init(context, dim, rng)),
		norm:        newLayerNorm(owner, "norm", dim),
	}
	tr.blocks = make([]*tblock, numBlocks)
	for i := range tr.blocks {
		tr.blocks[i] = newTBlock(owner, fmt.Sprintf("block.%v", i),
			dim, ffnDim, init, rng)
	}
	return tr
}

func (tr *transformerTrunk) forward(in *Input) *mat.Dense {
	first := in.Obs[tr.obsShapes.Keys()[0]]
	tr.batch, tr.steps = first.Shape()[0], first.Shape()[1]
	if tr.steps > tr.context {
		panic(fmt.Sprintf("transformer: %v steps exceed context length %v",
			tr.steps, tr.context))
	}

	flat := joinInput(in, tr.obsShapes, tr.goalShapes, 2)
	if tr.withActions {
		flat = appendColumns(flat, in.Actions, tr.actionDim)
	}

	x := tr.embed.forward(flat)
	for b := 0; b < tr.batch; b++ {
		for t := 0; t < tr.steps; t++ {
			row := x.RawRowView(b*tr.steps + t)
			for i := 0; i < tr.dim; i++ {
				row[i] += tr.pos.Value[t*tr.dim+i]
			}
		}
	}

	for _, block := range tr.blocks {
		x = block.forward(x, tr.batch, tr.steps)
	}
	return tr.norm.forward(x)
}

func (tr *transformerTrunk) backward(dOut *mat.Dense) {
	dx := tr.norm.backward(dOut)
	for i := len(tr.blocks) - 1; i >= 0; i-- {
		dx = tr.blocks[i].backward(dx, tr.batch, tr.steps)
	}

	for b := 0; b < tr.batch; b++ {
		for t := 0; t < tr.steps; t++ {
			row := dx.RawRowView(b*tr.steps + t)
			for i := 0; i < tr.dim; i++ {
				tr.pos.Grad[t*tr.dim+i] += row[i]
			}
		}
	}
	tr.embed.backward(dx)
}

// appendColumns widens a [rows, D] matrix with the flattened trailing
// dim of a [B, T, A] tensor.
func appendColumns(x *mat.Dense, actions *tensor.Dense, dim int) *mat.Dense {
	if actions == nil {
		panic("appendColumns: network requires an action sequence input")
	}
	rows, cols := x.Dims()
	data := tensorutils.Data(actions)
	out := mat.NewDense(rows, cols+dim, nil)
	for r := 0; r < rows; r++ {
		copy(out.RawRowView(r)[:cols], x.RawRowView(r))
		copy(out.RawRowView(r)[cols:], data[r*dim:(r+1)*dim])
	}
	return out
}

// TransformerActorNetwork is a causal transformer policy producing a
// point-estimate action at every sequence step.
type TransformerActorNetwork struct {
	base
	trunk     *transformerTrunk
	outHead   *linear
	actionDim int
}

// NewTransformerActorNetwork creates a transformer actor. context is
// the maximum sequence length the policy accepts.
func NewTransformerActorNetwork(obsShapes, goalShapes obs.Shapes, actionDim,
	context, dim, ffnDim, numBlocks int, init *initwfn.InitWFn,
	rng *rand.Rand) *TransformerActorNetwork {

	n := &TransformerActorNetwork{actionDim: actionDim}
	n.trunk = newTransformerTrunk(&n.base, obsShapes, goalShapes, context,
		dim, ffnDim, numBlocks, 0, init, rng)
	n.outHead = newLinear(&n.base, "out", dim, actionDim, init, rng)
	return n
}

// Forward runs observation sequences of shape [B, T, D] through the
// policy and returns predicted actions of shape [B, T, A].
func (n *TransformerActorNetwork) Forward(in *Input) *tensor.Dense {
	h := n.trunk.forward(in)
	y := n.outHead.forward(h)
	return tensorutils.New(
		[]int{n.trunk.batch, n.trunk.steps, n.actionDim}, matData(y))
}

// Backward accumulates parameter gradients for a [B, T, A] loss
// gradient on the last Forward's output.
func (n *TransformerActorNetwork) Backward(grad *tensor.Dense) {
	g := mat.NewDense(n.trunk.batch*n.trunk.steps, n.actionDim,
		tensorutils.Data(grad))
	n.trunk.backward(n.outHead.backward(g))
}

// ContextLength returns the maximum sequence length
func (n *TransformerActorNetwork) ContextLength() int { return n.trunk.context }

// TransformerGMMActorNetwork is a causal transformer policy producing
// a Gaussian mixture at every sequence step.
type TransformerGMMActorNetwork struct {
	base
	trunk *transformerTrunk
	head  *gmmHead
}

// NewTransformerGMMActorNetwork creates a transformer mixture actor
func NewTransformerGMMActorNetwork(obsShapes, goalShapes obs.Shapes,
	actionDim, context, dim, ffnDim, numBlocks, modes int, minStd float64,
	lowNoiseEval bool, init *initwfn.InitWFn,
	rng *rand.Rand) *TransformerGMMActorNetwork {

	n := &TransformerGMMActorNetwork{}
	n.trunk = newTransformerTrunk(&n.base, obsShapes, goalShapes, context,
		dim, ffnDim, numBlocks, 0, init, rng)
	n.head = newGMMHead(&n.base, dim, modes, actionDim, minStd,
		lowNoiseEval, init, rng)
	return n
}

// Forward returns a mixture with batch rank 2 for observation
// sequences of shape [B, T, D].
func (n *TransformerGMMActorNetwork) Forward(in *Input) *dists.GMM {
	h := n.trunk.forward(in)
	return n.head.forward(h, []int{n.trunk.batch, n.trunk.steps},
		n.Training())
}

// Backward accumulates parameter gradients for gradients on the last
// Forward's mixture parameters.
func (n *TransformerGMMActorNetwork) Backward(grads *dists.GMMGrads) {
	n.trunk.backward(n.head.backward(grads))
}

// ContextLength returns the maximum sequence length
func (n *TransformerGMMActorNetwork) ContextLength() int {
	return n.trunk.context
}

// ACTActorNetwork is a transformer policy conditioned on the
// preceding action sequence, predicting a chunk of future actions in
// one forward pass.
type ACTActorNetwork struct {
	base
	trunk     *transformerTrunk
	outHead   *linear
	actionDim int
}

// NewACTActorNetwork creates an action-chunking transformer actor
func NewACTActorNetwork(obsShapes, goalShapes obs.Shapes, actionDim,
	context, dim, ffnDim, numBlocks int, init *initwfn.InitWFn,
	rng *rand.Rand) *ACTActorNetwork {

	n := &ACTActorNetwork{actionDim: actionDim}
	n.trunk = newTransformerTrunk(&n.base, obsShapes, goalShapes, context,
		dim, ffnDim, numBlocks, actionDim, init, rng)
	n.outHead = newLinear(&n.base, "out", dim, actionDim, init, rng)
	return n
}

// Forward predicts an action chunk of shape [B, T, A] from
// observation sequences and the action sequence in Input.Actions.
func (n *ACTActorNetwork) Forward(in *Input) *tensor.Dense {
	h := n.trunk.forward(in)
	y := n.outHead.forward(h)
	return tensorutils.New(
		[]int{n.trunk.batch, n.trunk.steps, n.actionDim}, matData(y))
}

// Backward accumulates parameter gradients for a [B, T, A] loss
// gradient on the last Forward's output.
func (n *ACTActorNetwork) Backward(grad *tensor.Dense) {
	g := mat.NewDense(n.trunk.batch*n.trunk.steps, n.actionDim,
		tensorutils.Data(grad))
	n.trunk.backward(n.outHead.backward(g))
}

// ContextLength returns the maximum sequence length
func (n *ACTActorNetwork) ContextLength() int { return n.trunk.context }

// ACTGMMActorNetwork is an action-chunking transformer producing a
// Gaussian mixture at every chunk step.
type ACTGMMActorNetwork struct {
	base
	trunk *transformerTrunk
	head  *gmmHead
}

// NewACTGMMActorNetwork creates an action-chunking transformer
// mixture actor.
func NewACTGMMActorNetwork(obsShapes, goalShapes obs.Shapes, actionDim,
	context, dim, ffnDim, numBlocks, modes int, minStd float64,
	lowNoiseEval bool, init *initwfn.InitWFn,
	rng *rand.Rand) *ACTGMMActorNetwork {

	n := &ACTGMMActorNetwork{}
	n.trunk = newTransformerTrunk(&n.base, obsShapes, goalShapes, context,
		dim, ffnDim, numBlocks, actionDim, init, rng)
	n.head = newGMMHead(&n.base, dim, modes, actionDim, minStd,
		lowNoiseEval, init, rng)
	return n
}

// Forward returns a mixture with batch rank 2 over the action chunk
func (n *ACTGMMActorNetwork) Forward(in *Input) *dists.GMM {
	h := n.trunk.forward(in)
	return n.head.forward(h, []int{n.trunk.batch, n.trunk.steps},
		n.Training())
}

// Backward accumulates parameter gradients for gradients on the last
// Forward's mixture parameters.
func (n *ACTGMMActorNetwork) Backward(grads *dists.GMMGrads) {
	n.trunk.backward(n.head.backward(grads))
}

// ContextLength returns the maximum sequence length
func (n *ACTGMMActorNetwork) ContextLength() int { return n.trunk.context }
