package initwfn

import (
	"math"

	"golang.org/x/exp/rand"
)

// GlorotUConfig implements a configuration of the Glorot Uniform
// initialization algorithm.
type GlorotUConfig struct {
	Gain float64
}

// NewGlorotU returns a new Glorot Uniform weight initializer
func NewGlorotU(gain float64) (*InitWFn, error) {
	return newInitWFn(GlorotUConfig{Gain: gain})
}

// Type returns the type of initialization algorithm described by
// the configuration.
func (g GlorotUConfig) Type() Type { return GlorotU }

// Create returns the weight initialization algorithm described by the
// configuration.
func (g GlorotUConfig) Create() Fn {
	return func(fanIn, fanOut int, rng *rand.Rand) []float64 {
		limit := g.Gain * math.Sqrt(6.0/float64(fanIn+fanOut))
		return uniform(fanIn*fanOut, -limit, limit, rng)
	}
}

// GlorotNConfig implements a configuration of the Glorot Normal
// initialization algorithm.
type GlorotNConfig struct {
	Gain float64
}

// NewGlorotN returns a new Glorot Normal weight initializer
func NewGlorotN(gain float64) (*InitWFn, error) {
	return newInitWFn(GlorotNConfig{Gain: gain})
}

func (g GlorotNConfig) Type() Type { return GlorotN }

func (g GlorotNConfig) Create() Fn {
	return func(fanIn, fanOut int, rng *rand.Rand) []float64 {
		std := g.Gain * math.Sqrt(2.0/float64(fanIn+fanOut))
		return normal(fanIn*fanOut, 0, std, rng)
	}
}

// HeUConfig implements a configuration of the He Uniform
// initialization algorithm.
type HeUConfig struct {
	Gain float64
}

// NewHeU returns a new He Uniform weight initializer
func NewHeU(gain float64) (*InitWFn, error) {
	return newInitWFn(HeUConfig{Gain: gain})
}

func (h HeUConfig) Type() Type { return HeU }

func (h HeUConfig) Create() Fn {
	return func(fanIn, fanOut int, rng *rand.Rand) []float64 {
		limit := h.Gain * math.Sqrt(6.0/float64(fanIn))
		return uniform(fanIn*fanOut, -limit, limit, rng)
	}
}

// HeNConfig implements a configuration of the He Normal
// initialization algorithm.
type HeNConfig struct {
	Gain float64
}

// NewHeN returns a new He Normal weight initializer
func NewHeN(gain float64) (*InitWFn, error) {
	return newInitWFn(HeNConfig{Gain: gain})
}

func (h HeNConfig) Type() Type { return HeN }

func (h HeNConfig) Create() Fn {
	return func(fanIn, fanOut int, rng *rand.Rand) []float64 {
		std := h.Gain * math.Sqrt(2.0/float64(fanIn))
		return normal(fanIn*fanOut, 0, std, rng)
	}
}

// UniformConfig implements a configuration of uniform random weight
// initialization in [Min, Max).
type UniformConfig struct {
	Min float64
	Max float64
}

// NewUniform returns a new uniform random weight initializer
func NewUniform(min, max float64) (*InitWFn, error) {
	return newInitWFn(UniformConfig{Min: min, Max: max})
}

func (u UniformConfig) Type() Type { return Uniform }

func (u UniformConfig) Create() Fn {
	return func(fanIn, fanOut int, rng *rand.Rand) []float64 {
		return uniform(fanIn*fanOut, u.Min, u.Max, rng)
	}
}

// GaussianConfig implements a configuration of Gaussian random weight
// initialization.
type GaussianConfig struct {
	Mean   float64
	StdDev float64
}

// NewGaussian returns a new Gaussian random weight initializer
func NewGaussian(mean, stdDev float64) (*InitWFn, error) {
	return newInitWFn(GaussianConfig{Mean: mean, StdDev: stdDev})
}

func (g GaussianConfig) Type() Type { return Gaussian }

func (g GaussianConfig) Create() Fn {
	return func(fanIn, fanOut int, rng *rand.Rand) []float64 {
		return normal(fanIn*fanOut, g.Mean, g.StdDev, rng)
	}
}

// ConstantConfig implements a configuration of constant weight
// initialization.
type ConstantConfig struct {
	Value float64
}

// NewConstant returns a new constant weight initializer
func NewConstant(value float64) (*InitWFn, error) {
	return newInitWFn(ConstantConfig{Value: value})
}

func (c ConstantConfig) Type() Type { return Constant }

func (c ConstantConfig) Create() Fn {
	return func(fanIn, fanOut int, _ *rand.Rand) []float64 {
		weights := make([]float64, fanIn*fanOut)
		for i := range weights {
			weights[i] = c.Value
		}
		return weights
	}
}

// ZeroesConfig implements a configuration of zero weight
// initialization.
type ZeroesConfig struct{}

// NewZeroes returns a new zero weight initializer
func NewZeroes() (*InitWFn, error) {
	return newInitWFn(ZeroesConfig{})
}

func (z ZeroesConfig) Type() Type { return Zeroes }

func (z ZeroesConfig) Create() Fn {
	return func(fanIn, fanOut int, _ *rand.Rand) []float64 {
		return make([]float64, fanIn*fanOut)
	}
}

func uniform(n int, min, max float64, rng *rand.Rand) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = min + (max-min)*rng.Float64()
	}
	return weights
}

func normal(n int, mean, std float64, rng *rand.Rand) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = mean + std*rng.NormFloat64()
	}
	return weights
}
