package network

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/gomimic/gomimic/initwfn"
)

// linear is one fully connected layer, y = xW + b, caching its input
// for the backward pass.
type linear struct {
	in, out int
	w, b    *Parameter
	x       *mat.Dense
}

func newLinear(owner *base, name string, in, out int, init *initwfn.InitWFn,
	rng *rand.Rand) *linear {

	return &linear{
		in:  in,
		out: out,
		w:   owner.register(name+".w", init.Init(in, out, rng)),
		b:   owner.register(name+".b", make([]float64, out)),
	}
}

func (l *linear) weight() *mat.Dense {
	return mat.NewDense(l.in, l.out, l.w.Value)
}

func (l *linear) forward(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	if cols != l.in {
		panic(fmt.Sprintf("linear %v: input has %v columns, want %v",
			l.w.Name, cols, l.in))
	}
	l.x = x

	var y mat.Dense
	y.Mul(x, l.weight())
	for r := 0; r < rows; r++ {
		row := y.RawRowView(r)
		for c := 0; c < l.out; c++ {
			row[c] += l.b.Value[c]
		}
	}
	return &y
}

// backward accumulates parameter gradients for the cached input and
// returns the gradient with respect to that input.
func (l *linear) backward(dy *mat.Dense) *mat.Dense {
	var gw mat.Dense
	gw.Mul(l.x.T(), dy)
	gwData := matData(&gw)
	for i := range l.w.Grad {
		l.w.Grad[i] += gwData[i]
	}

	rows, _ := dy.Dims()
	for r := 0; r < rows; r++ {
		row := dy.RawRowView(r)
		for c := 0; c < l.out; c++ {
			l.b.Grad[c] += row[c]
		}
	}

	var dx mat.Dense
	dx.Mul(dy, l.weight().T())
	return &dx
}

// mlp is a stack of linear layers with a shared hidden activation and
// a separate output activation.
type mlp struct {
	layers []*linear
	act    *Activation
	outAct *Activation
	outs   []*mat.Dense
}

// newMLP builds an MLP mapping dims[0] inputs through the hidden
// layers dims[1:len-1] to dims[len-1] outputs.
func newMLP(owner *base, name string, dims []int, act, outAct *Activation,
	init *initwfn.InitWFn, rng *rand.Rand) *mlp {

	if len(dims) < 2 {
		panic(fmt.Sprintf("newMLP %v: need at least input and output dims, "+
			"got %v", name, dims))
	}
	layers := make([]*linear, len(dims)-1)
	for i := range layers {
		layers[i] = newLinear(owner, fmt.Sprintf("%v.%v", name, i),
			dims[i], dims[i+1], init, rng)
	}
	return &mlp{layers: layers, act: act, outAct: outAct}
}

func (m *mlp) forward(x *mat.Dense) *mat.Dense {
	m.outs = m.outs[:0]
	for i, layer := range m.layers {
		y := layer.forward(x)
		if i < len(m.layers)-1 {
			m.act.fwd(matData(y))
		} else {
			m.outAct.fwd(matData(y))
		}
		m.outs = append(m.outs, y)
		x = y
	}
	return x
}

func (m *mlp) backward(dOut *mat.Dense) *mat.Dense {
	for i := len(m.layers) - 1; i >= 0; i-- {
		if i < len(m.layers)-1 {
			m.act.bwd(matData(dOut), matData(m.outs[i]))
		} else {
			m.outAct.bwd(matData(dOut), matData(m.outs[i]))
		}
		dOut = m.layers[i].backward(dOut)
	}
	return dOut
}
