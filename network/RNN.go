package network

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/dists"
	"github.com/gomimic/gomimic/initwfn"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// RNNState is the recurrent hidden state carried across rollout
// steps. States are created by InitState and updated by Step; they
// are opaque to callers.
type RNNState struct {
	h *mat.Dense
}

// rnnCell is a single-layer Elman cell with tanh nonlinearity,
// unrolled over time with full backpropagation through time.
type rnnCell struct {
	in, hidden int
	wx, wh, b  *Parameter

	xs []*mat.Dense // per-step inputs of the last forward
	hs []*mat.Dense // hs[0] is h0, hs[t+1] the step-t output
}

func newRNNCell(owner *base, name string, in, hidden int,
	init *initwfn.InitWFn, rng *rand.Rand) *rnnCell {

	return &rnnCell{
		in:     in,
		hidden: hidden,
		wx:     owner.register(name+".wx", init.Init(in, hidden, rng)),
		wh:     owner.register(name+".wh", init.Init(hidden, hidden, rng)),
		b:      owner.register(name+".b", make([]float64, hidden)),
	}
}

// step computes one recurrence without caching, for rollout use
func (c *rnnCell) step(x, h *mat.Dense) *mat.Dense {
	wx := mat.NewDense(c.in, c.hidden, c.wx.Value)
	wh := mat.NewDense(c.hidden, c.hidden, c.wh.Value)

	var z, rec mat.Dense
	z.Mul(x, wx)
	rec.Mul(h, wh)
	z.Add(&z, &rec)

	rows, _ := z.Dims()
	for r := 0; r < rows; r++ {
		row := z.RawRowView(r)
		for i := 0; i < c.hidden; i++ {
			row[i] += c.b.Value[i]
		}
	}
	TanH().fwd(matData(&z))
	return &z
}

// forward unrolls the cell over the step inputs xs starting from h0,
// caching everything the backward pass needs. It returns the hidden
// output at every step.
func (c *rnnCell) forward(xs []*mat.Dense, h0 *mat.Dense) []*mat.Dense {
	c.xs = xs
	c.hs = make([]*mat.Dense, 0, len(xs)+1)
	c.hs = append(c.hs, h0)

	h := h0
	for _, x := range xs {
		h = c.step(x, h)
		c.hs = append(c.hs, h)
	}
	return c.hs[1:]
}

// backward runs full backpropagation through time over the cached
// unroll. dHs holds the loss gradient at each step's hidden output.
func (c *rnnCell) backward(dHs []*mat.Dense) {
	if len(dHs) != len(c.xs) {
		panic(fmt.Sprintf("rnn backward: %v step gradients for %v steps",
			len(dHs), len(c.xs)))
	}
	wh := mat.NewDense(c.hidden, c.hidden, c.wh.Value)

	var dhNext *mat.Dense
	for t := len(c.xs) - 1; t >= 0; t-- {
		var dh mat.Dense
		if dhNext != nil {
			dh.Add(dHs[t], dhNext)
		} else {
			dh.CloneFrom(dHs[t])
		}

		// through the tanh
		ht := c.hs[t+1]
		TanH().bwd(matData(&dh), matData(ht))

		var gwx, gwh mat.Dense
		gwx.Mul(c.xs[t].T(), &dh)
		gwh.Mul(c.hs[t].T(), &dh)
		addInto(c.wx.Grad, matData(&gwx))
		addInto(c.wh.Grad, matData(&gwh))

		rows, _ := dh.Dims()
		for r := 0; r < rows; r++ {
			row := dh.RawRowView(r)
			for i := 0; i < c.hidden; i++ {
				c.b.Grad[i] += row[i]
			}
		}

		var next mat.Dense
		next.Mul(&dh, wh.T())
		dhNext = &next
	}
}

func addInto(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// rnnTrunk flattens sequence observations, unrolls the cell and
// re-packs the hidden outputs as a [B*T, H] feature matrix in
// batch-major row order.
type rnnTrunk struct {
	obsShapes  obs.Shapes
	goalShapes obs.Shapes
	cell       *rnnCell

	batch, steps int
}

func newRNNTrunk(owner *base, obsShapes, goalShapes obs.Shapes, hidden int,
	init *initwfn.InitWFn, rng *rand.Rand) *rnnTrunk {

	return &rnnTrunk{
		obsShapes:  obsShapes,
		goalShapes: goalShapes,
		cell: newRNNCell(owner, "rnn",
			obsShapes.TotalDim()+goalShapes.TotalDim(), hidden, init, rng),
	}
}

func (tr *rnnTrunk) forward(in *Input) *mat.Dense {
	first := in.Obs[tr.obsShapes.Keys()[0]]
	tr.batch, tr.steps = first.Shape()[0], first.Shape()[1]

	flat := joinInput(in, tr.obsShapes, tr.goalShapes, 2)
	_, dim := flat.Dims()

	// row b*T+t of flat is step t of sequence b
	xs := make([]*mat.Dense, tr.steps)
	for t := 0; t < tr.steps; t++ {
		x := mat.NewDense(tr.batch, dim, nil)
		for b := 0; b < tr.batch; b++ {
			x.SetRow(b, flat.RawRowView(b*tr.steps+t))
		}
		xs[t] = x
	}

	h0 := mat.NewDense(tr.batch, tr.cell.hidden, nil)
	hs := tr.cell.forward(xs, h0)

	out := mat.NewDense(tr.batch*tr.steps, tr.cell.hidden, nil)
	for t, h := range hs {
		for b := 0; b < tr.batch; b++ {
			out.SetRow(b*tr.steps+t, h.RawRowView(b))
		}
	}
	return out
}

func (tr *rnnTrunk) backward(dOut *mat.Dense) {
	dHs := make([]*mat.Dense, tr.steps)
	for t := 0; t < tr.steps; t++ {
		dh := mat.NewDense(tr.batch, tr.cell.hidden, nil)
		for b := 0; b < tr.batch; b++ {
			dh.SetRow(b, dOut.RawRowView(b*tr.steps+t))
		}
		dHs[t] = dh
	}
	tr.cell.backward(dHs)
}

// RNNActorNetwork is a recurrent point-estimate policy over
// observation sequences.
type RNNActorNetwork struct {
	base
	trunk     *rnnTrunk
	outHead   *linear
	actionDim int
}

// NewRNNActorNetwork creates a recurrent actor with the given hidden
// state size.
func NewRNNActorNetwork(obsShapes, goalShapes obs.Shapes, actionDim,
	hidden int, init *initwfn.InitWFn, rng *rand.Rand) *RNNActorNetwork {

	n := &RNNActorNetwork{actionDim: actionDim}
	n.trunk = newRNNTrunk(&n.base, obsShapes, goalShapes, hidden, init, rng)
	n.outHead = newLinear(&n.base, "out", hidden, actionDim, init, rng)
	return n
}

// Forward runs observation sequences of shape [B, T, D] through the
// policy and returns predicted actions of shape [B, T, A].
func (n *RNNActorNetwork) Forward(in *Input) *tensor.Dense {
	h := n.trunk.forward(in)
	y := n.outHead.forward(h)
	return tensorutils.New(
		[]int{n.trunk.batch, n.trunk.steps, n.actionDim}, matData(y))
}

// Backward accumulates parameter gradients for a [B, T, A] loss
// gradient on the last Forward's output.
func (n *RNNActorNetwork) Backward(grad *tensor.Dense) {
	g := mat.NewDense(n.trunk.batch*n.trunk.steps, n.actionDim,
		tensorutils.Data(grad))
	n.trunk.backward(n.outHead.backward(g))
}

// InitState returns a zero hidden state for a rollout batch
func (n *RNNActorNetwork) InitState(batch int) *RNNState {
	return &RNNState{h: mat.NewDense(batch, n.trunk.cell.hidden, nil)}
}

// Step advances the recurrence one step for rollout. Observations
// have shape [B, D]; the returned actions have shape [B, A].
func (n *RNNActorNetwork) Step(in *Input, state *RNNState) (*tensor.Dense,
	*RNNState) {

	x := joinInput(in, n.trunk.obsShapes, n.trunk.goalShapes, 1)
	batch, _ := x.Dims()
	h := n.trunk.cell.step(x, state.h)
	y := n.outHead.forward(h)
	return tensorutils.New([]int{batch, n.actionDim}, matData(y)),
		&RNNState{h: h}
}

// RNNGMMActorNetwork is a recurrent policy producing a Gaussian
// mixture at every sequence step.
type RNNGMMActorNetwork struct {
	base
	trunk *rnnTrunk
	head  *gmmHead
}

// NewRNNGMMActorNetwork creates a recurrent mixture actor
func NewRNNGMMActorNetwork(obsShapes, goalShapes obs.Shapes, actionDim,
	hidden, modes int, minStd float64, lowNoiseEval bool,
	init *initwfn.InitWFn, rng *rand.Rand) *RNNGMMActorNetwork {

	n := &RNNGMMActorNetwork{}
	n.trunk = newRNNTrunk(&n.base, obsShapes, goalShapes, hidden, init, rng)
	n.head = newGMMHead(&n.base, hidden, modes, actionDim, minStd,
		lowNoiseEval, init, rng)
	return n
}

// Forward returns a mixture with batch rank 2 for observation
// sequences of shape [B, T, D].
func (n *RNNGMMActorNetwork) Forward(in *Input) *dists.GMM {
	h := n.trunk.forward(in)
	return n.head.forward(h, []int{n.trunk.batch, n.trunk.steps},
		n.Training())
}

// Backward accumulates parameter gradients for gradients on the last
// Forward's mixture parameters.
func (n *RNNGMMActorNetwork) Backward(grads *dists.GMMGrads) {
	n.trunk.backward(n.head.backward(grads))
}

// InitState returns a zero hidden state for a rollout batch
func (n *RNNGMMActorNetwork) InitState(batch int) *RNNState {
	return &RNNState{h: mat.NewDense(batch, n.trunk.cell.hidden, nil)}
}

// Step advances the recurrence one step for rollout, returning a
// mixture with batch rank 1.
func (n *RNNGMMActorNetwork) Step(in *Input, state *RNNState) (*dists.GMM,
	*RNNState) {

	x := joinInput(in, n.trunk.obsShapes, n.trunk.goalShapes, 1)
	batch, _ := x.Dims()
	h := n.trunk.cell.step(x, state.h)
	return n.head.forward(h, []int{batch}, n.Training()),
		&RNNState{h: h}
}
