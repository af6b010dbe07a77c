// Package initwfn implements weight initialization functions wrapped
// so that they can be JSON serialized into configuration files.
package initwfn

import (
	"encoding/json"
	"fmt"
	"reflect"

	"golang.org/x/exp/rand"
)

// Type describes different types of InitWFn that are available.
// Type is used to implement a basic type system of InitWFn's.
type Type string

// Available InitWFn types
const (
	GlorotU  Type = "GlorotU"
	GlorotN  Type = "GlorotN"
	HeU      Type = "HeU"
	HeN      Type = "HeN"
	Uniform  Type = "Uniform"
	Gaussian Type = "Gaussian"
	Constant Type = "Constant"
	Zeroes   Type = "Zeroes"
)

// Fn fills and returns a weight slice for a layer with the given fan-in
// and fan-out.
type Fn func(fanIn, fanOut int, rng *rand.Rand) []float64

// InitWFn wraps a weight initialization function so that it can be
// JSON marshalled and unmarshalled.
type InitWFn struct {
	fn Fn
	Type
	Config
}

// newInitWFn returns a new InitWFn
func newInitWFn(c Config) (*InitWFn, error) {
	init := InitWFn{Type: c.Type(), Config: c}
	init.fn = init.Config.Create()

	return &init, nil
}

// Init fills and returns a weight slice of fanIn*fanOut entries
func (w *InitWFn) Init(fanIn, fanOut int, rng *rand.Rand) []float64 {
	return w.fn(fanIn, fanOut, rng)
}

// String implements the fmt.Stringer interface
func (w *InitWFn) String() string {
	return fmt.Sprintf("{%v InitWFn: %v}", w.Type, w.Config)
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (w *InitWFn) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(
		data,
		"Type",
		"Config",
		map[string]reflect.Type{
			string(GlorotU):  reflect.TypeOf(GlorotUConfig{}),
			string(GlorotN):  reflect.TypeOf(GlorotNConfig{}),
			string(HeU):      reflect.TypeOf(HeUConfig{}),
			string(HeN):      reflect.TypeOf(HeNConfig{}),
			string(Uniform):  reflect.TypeOf(UniformConfig{}),
			string(Gaussian): reflect.TypeOf(GaussianConfig{}),
			string(Constant): reflect.TypeOf(ConstantConfig{}),
			string(Zeroes):   reflect.TypeOf(ZeroesConfig{}),
		})
	if err != nil {
		return err
	}

	w.Type = typeName
	w.Config = config
	w.fn = w.Config.Create()

	return nil
}

// MarshalJSON implements the json.Marshaler interface
func (w InitWFn) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   Type
		Config Config
	}{w.Type, w.Config})
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
		return nil, "", fmt.Errorf("unmarshalConfig: unknown InitWFn type "+
			"%v", typeName)
	}
	value := reflect.New(ty).Interface().(Config)

	valueBytes, err := json.Marshal(m[valueJsonField])
	if err != nil {
		return nil, "", err
	}

	if err = json.Unmarshal(valueBytes, &value); err != nil {
		return nil, "", err
	}
	concreteValue := reflect.ValueOf(value).Elem().Interface().(Config)

	return concreteValue, Type(typeName), nil
}

// Config implements a weight initializer configuration and can be used
// to create the initialization functions they describe.
type Config interface {
	Create() Fn
	Type() Type
}
