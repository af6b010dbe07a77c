// Package network implements the policy networks behind the
// imitation-learning algorithms, and the contract through which the
// algorithms drive them.
//
// Algorithms never see layer internals. They hand a network an Input,
// get back either a point prediction or a parametric action
// distribution, and push loss gradients through Backward. Every
// network owns its parameters and exposes them for optimization and
// checkpointing through Parameters and StateDict.
package network

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/obs"
)

// Input carries one forward pass worth of network input. Obs holds
// [B, D...] arrays for flat policies and [B, T, D...] arrays for
// sequence policies. Goal may be nil. Actions is only set for
// networks conditioned on an action sequence (ACT-style chunking).
type Input struct {
	Obs     obs.Dict
	Goal    obs.Dict
	Actions *tensor.Dense
}

// Parameter is one named, trainable tensor with its accumulated
// gradient. Value and Grad always have the same length.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
}

// NeuralNet is the base contract every policy network satisfies
type NeuralNet interface {
	// Train puts the network in training mode
	Train()

	// Eval puts the network in evaluation mode
	Eval()

	// Training reports whether the network is in training mode
	Training() bool

	// Parameters returns every trainable parameter. The slice and the
	// parameters it holds are owned by the network; solvers mutate
	// Value and Grad in place.
	Parameters() []*Parameter

	// ZeroGrad clears every accumulated gradient
	ZeroGrad()

	// StateDict returns a copy of all parameter values keyed by name
	StateDict() map[string][]float64

	// LoadStateDict restores parameter values from a StateDict
	LoadStateDict(map[string][]float64) error
}

// base carries the parameter bookkeeping shared by all networks
type base struct {
	training bool
	params   []*Parameter
}

func (b *base) Train()         { b.training = true }
func (b *base) Eval()          { b.training = false }
func (b *base) Training() bool { return b.training }

func (b *base) Parameters() []*Parameter { return b.params }

func (b *base) ZeroGrad() {
	for _, p := range b.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (b *base) StateDict() map[string][]float64 {
	out := make(map[string][]float64, len(b.params))
	for _, p := range b.params {
		v := make([]float64, len(p.Value))
		copy(v, p.Value)
		out[p.Name] = v
	}
	return out
}

func (b *base) LoadStateDict(state map[string][]float64) error {
	for _, p := range b.params {
		v, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("loadStateDict: missing parameter %q", p.Name)
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("loadStateDict: parameter %q has %v values, "+
				"want %v", p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
	}
	return nil
}

// register adds a parameter and returns it
func (b *base) register(name string, value []float64) *Parameter {
	p := &Parameter{Name: name, Value: value, Grad: make([]float64, len(value))}
	b.params = append(b.params, p)
	return p
}

// adopt re-registers the parameters of a sub-network under a prefix
func (b *base) adopt(prefix string, params []*Parameter) {
	for _, p := range params {
		p.Name = prefix + "." + p.Name
		b.params = append(b.params, p)
	}
}

// flattenDict concatenates the modalities of d in sorted-key order
// into a [rows, dim] matrix, where rows is the product of the leading
// axes and dim the flattened per-step dimension of shapes.
func flattenDict(d obs.Dict, shapes obs.Shapes, leading int) *mat.Dense {
	keys := shapes.Keys()
	dim := shapes.TotalDim()

	rows := 0
	for _, k := range keys {
		t, ok := d[k]
		if !ok {
			panic(fmt.Sprintf("flattenDict: missing modality %q", k))
		}
		shape := t.Shape()
		r := 1
		for i := 0; i < leading; i++ {
			r *= shape[i]
		}
		if rows == 0 {
			rows = r
		} else if rows != r {
			panic(fmt.Sprintf("flattenDict: modality %q has %v rows, "+
				"others have %v", k, r, rows))
		}
	}

	out := make([]float64, rows*dim)
	off := 0
	for _, k := range keys {
		keyDim := shapes.Dim(k)
		data := d[k].Data().([]float64)
		for r := 0; r < rows; r++ {
			copy(out[r*dim+off:r*dim+off+keyDim], data[r*keyDim:(r+1)*keyDim])
		}
		off += keyDim
	}
	return mat.NewDense(rows, dim, out)
}

// joinInput builds the full network input matrix from observation and
// optional goal dictionaries.
func joinInput(in *Input, obsShapes, goalShapes obs.Shapes,
	leading int) *mat.Dense {

	x := flattenDict(in.Obs, obsShapes, leading)
	if len(goalShapes) == 0 {
		return x
	}
	g := flattenDict(in.Goal, goalShapes, leading)

	rows, xCols := x.Dims()
	_, gCols := g.Dims()
	out := mat.NewDense(rows, xCols+gCols, nil)
	for r := 0; r < rows; r++ {
		copy(out.RawRowView(r)[:xCols], x.RawRowView(r))
		copy(out.RawRowView(r)[xCols:], g.RawRowView(r))
	}
	return out
}

// matData returns the backing slice of a dense matrix when the matrix
// is unpadded, copying otherwise.
func matData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data
	}
	out := make([]float64, raw.Rows*raw.Cols)
	for r := 0; r < raw.Rows; r++ {
		copy(out[r*raw.Cols:(r+1)*raw.Cols], m.RawRowView(r))
	}
	return out
}
