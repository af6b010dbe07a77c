// Package solver implements gradient descent solvers that update
// network parameters in place, wrapped so that they can be JSON
// serialized into configuration files.
package solver

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/gomimic/gomimic/network"
)

// Type describes different types of solvers that are available
type Type string

// Available solver types
const (
	Adam    Type = "Adam"
	RMSProp Type = "RMSProp"
	Vanilla Type = "Vanilla"
)

// Stepper applies one update to a parameter set using the gradients
// accumulated in it. Step returns the global gradient norm before any
// clipping.
type Stepper interface {
	Step(params []*network.Parameter) float64
}

// Solver wraps Steppers so that they can be JSON marshalled and
// unmarshalled.
type Solver struct {
	Stepper `json:"-"`
	Type
	Config
}

// newSolver returns a new solver with the given type and configuration.
func newSolver(t Type, c Config) (*Solver, error) {
	if !c.ValidType(t) {
		return nil, fmt.Errorf("newSolver: invalid solver type %v for "+
			"configuration %T", t, c)
	}
	solver := Solver{Type: t, Config: c}
	solver.Stepper = solver.Config.Create()

	return &solver, nil
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (s *Solver) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(
		data,
		"Type",
		"Config",
		map[string]reflect.Type{
			string(Vanilla): reflect.TypeOf(VanillaConfig{}),
			string(RMSProp): reflect.TypeOf(RMSPropConfig{}),
			string(Adam):    reflect.TypeOf(AdamConfig{}),
		})
	if err != nil {
		return err
	}

	s.Type = typeName
	s.Config = config
	s.Stepper = s.Config.Create()

	return nil
}

// unmarshalConfig uses reflection to unmarshall a Config into its
// concrete type. Both the Config and its Type are returned.
func unmarshalConfig(data []byte, typeJsonField, valueJsonField string,
	customTypes map[string]reflect.Type) (Config, Type, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", err
	}

	typeName, ok := m[typeJsonField].(string)
	if !ok {
		return nil, "", fmt.Errorf("unmarshalConfig: no %v field",
			typeJsonField)
	}
	ty, found := customTypes[typeName]
	if !found {
		return nil, "", fmt.Errorf("unmarshalConfig: illegal solver "+
			"type %q", typeName)
	}
	value := reflect.New(ty).Interface().(Config)

	valueBytes, err := json.Marshal(m[valueJsonField])
	if err != nil {
		return nil, "", err
	}

	if err = json.Unmarshal(valueBytes, &value); err != nil {
		return nil, "", err
	}

	return value, Type(typeName), nil
}

// Config describes a Stepper and can be used to create the Stepper it
// describes.
type Config interface {
	Create() Stepper

	// ValidType returns whether a specific Solver type can be created
	// with the Config
	ValidType(Type) bool
}

// gradNorm returns the global L2 norm over every gradient
func gradNorm(params []*network.Parameter) float64 {
	sum := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	return math.Sqrt(sum)
}

// clipGrads scales every gradient so the global norm does not exceed
// clip. A clip <= 0 disables clipping. The pre-clip norm is returned.
func clipGrads(params []*network.Parameter, clip float64) float64 {
	norm := gradNorm(params)
	if clip <= 0 || norm <= clip {
		return norm
	}
	scale := clip / norm
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}
