package network

import (
	"fmt"
	"math"
)

type activationType string

const (
	relu     activationType = "relu"
	identity activationType = "identity"
	tanh     activationType = "tanh"
	nil_     activationType = "nil"
)

// Activation represents an activation function type. The set of
// activations is closed: configuration strings resolve through
// FromString, which rejects unknown names at parse time.
type Activation struct {
	activationType
	f  func(x float64) float64
	df func(y float64) float64 // derivative expressed in the output y
}

// fwd applies the activation elementwise in place
func (a *Activation) fwd(x []float64) {
	if a.IsIdentity() || a.IsNil() {
		return
	}
	for i := range x {
		x[i] = a.f(x[i])
	}
}

// bwd multiplies grad elementwise by the derivative, evaluated at the
// activation outputs y.
func (a *Activation) bwd(grad, y []float64) {
	if a.IsIdentity() || a.IsNil() {
		return
	}
	for i := range grad {
		grad[i] *= a.df(y[i])
	}
}

// String implements the Stringer interface
func (a *Activation) String() string {
	return string(a.activationType)
}

// IsIdentity returns whether or not the Activation is the identity
// function.
func (a *Activation) IsIdentity() bool {
	return a.activationType == identity
}

// IsNil returns whether an activation is nil
func (a *Activation) IsNil() bool {
	return a.activationType == nil_
}

// GobEncode implements the GobEncoder interface
func (a *Activation) GobEncode() ([]byte, error) {
	return []byte(a.activationType), nil
}

// GobDecode implements the GobDecoder interface
func (a *Activation) GobDecode(encoded []byte) error {
	decoded, err := FromString(string(encoded))
	if err != nil {
		return fmt.Errorf("gobdecode: %w", err)
	}
	*a = *decoded
	return nil
}

// FromString resolves an activation name to its function. Unknown
// names are an error, never a silent fallback.
func FromString(name string) (*Activation, error) {
	switch activationType(name) {
	case relu:
		return ReLU(), nil
	case identity:
		return Identity(), nil
	case tanh:
		return TanH(), nil
	case nil_:
		return Nil(), nil
	}
	return nil, fmt.Errorf("fromString: illegal Activation type %q", name)
}

// Nil returns a nil *Activation
func Nil() *Activation {
	return &Activation{activationType: nil_}
}

// Identity returns an identity *Activation
func Identity() *Activation {
	return &Activation{activationType: identity}
}

// ReLU returns a ReLU *Activation
func ReLU() *Activation {
	return &Activation{
		activationType: relu,
		f:              func(x float64) float64 { return math.Max(0, x) },
		df: func(y float64) float64 {
			if y > 0 {
				return 1
			}
			return 0
		},
	}
}

// TanH returns a tanh *Activation
func TanH() *Activation {
	return &Activation{
		activationType: tanh,
		f:              math.Tanh,
		df:             func(y float64) float64 { return 1 - y*y },
	}
}
