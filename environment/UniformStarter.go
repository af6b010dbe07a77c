package environment

import (
	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/stat/distmv"
)

// UniformStarter samples starting configurations uniformly within
// per-dimension bounds.
type UniformStarter struct {
	features int
	seed     uint64
	rand     *distmv.Uniform
}

func NewUniformStarter(bounds []r1.Interval, seed uint64) UniformStarter {
	source := rand.NewSource(seed)
	rand := distmv.NewUniform(bounds, source)

	return UniformStarter{len(bounds), seed, rand}
}

func (u UniformStarter) Start() []float64 {
	return u.rand.Rand(nil)
}
