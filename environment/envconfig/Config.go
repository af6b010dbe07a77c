// Package envconfig provides JSON-serializable configuration for
// building rollout environment fleets. A Config describes one logical
// environment; Create expands it into one instance per split so
// heterogeneous-split vectorized rollouts can share a single
// demonstration store.
package envconfig

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gomimic/gomimic/dataset"
	"github.com/gomimic/gomimic/environment"
	"github.com/gomimic/gomimic/environment/motionplan"
	"github.com/gomimic/gomimic/geom"
)

// EnvName stores the name of environments that can be configured with
// this package
type EnvName string

// Environments available for configuration
const (
	MotionPlan EnvName = "MotionPlan"
)

// Config implements a specific configuration of a specific
// environment. One Config yields one environment instance per entry
// in Splits.
type Config struct {
	Environment EnvName
	Name        string

	// Splits lists the demonstration splits the fleet serves; each
	// split gets its own environment instance owning that split's
	// share of the pool.
	Splits []string

	// Arm geometry
	LinkLengths []float64

	// Scene layout
	Cuboids   int
	Cylinders int
	Spheres   int

	MaxStep      float64
	GoalTol      float64
	EpisodeSteps int

	// Observation post-processing. Zero values disable each key.
	PointCloudKey      string
	PointsPerPrimitive int
	DepthKey           string
	ImageKey           string

	Seed uint64
}

// NewConfig returns a Config with the default arm and scene for the
// given environment name.
func NewConfig(envName EnvName, name string, splits []string,
	dof int, episodeSteps int, seed uint64) (Config, error) {

	if envName != MotionPlan {
		return Config{}, fmt.Errorf("newConfig: no such environment %v",
			envName)
	}
	if dof < 1 {
		return Config{}, fmt.Errorf("newConfig: need at least one joint")
	}
	links := make([]float64, dof)
	for i := range links {
		links[i] = 0.1
	}
	return Config{
		Environment:  envName,
		Name:         name,
		Splits:       splits,
		LinkLengths:  links,
		Spheres:      4,
		MaxStep:      0.1,
		GoalTol:      0.05,
		EpisodeSteps: episodeSteps,
		Seed:         seed,
	}, nil
}

func (c Config) layout() geom.Layout {
	return geom.Layout{
		Cuboids:   c.Cuboids,
		Cylinders: c.Cylinders,
		Spheres:   c.Spheres,
	}
}

// arm builds the serial arm the config describes, with joint limits
// spanning one full revolution.
func (c Config) arm() (*geom.SerialArm, error) {
	limits := make([][2]float64, len(c.LinkLengths))
	for i := range limits {
		limits[i] = [2]float64{-3.141592653589793, 3.141592653589793}
	}
	return geom.NewSerialArm(c.LinkLengths, limits)
}

// Create builds one environment per split. Demonstrations from the
// store are dealt round-robin across the splits; an empty store (or a
// nil one) yields demonstration-free environments.
func (c Config) Create(store dataset.Store,
	log zerolog.Logger) ([]environment.Environment, error) {

	if c.Environment != MotionPlan {
		return nil, fmt.Errorf("create: no such environment %v",
			c.Environment)
	}
	if len(c.Splits) == 0 {
		return nil, fmt.Errorf("create: no splits configured")
	}

	pools := make([][]*dataset.Episode, len(c.Splits))
	if store != nil {
		episodes, err := dataset.LoadAll(store)
		if err != nil {
			return nil, fmt.Errorf("create: %w", err)
		}
		for i, ep := range episodes {
			pools[i%len(c.Splits)] = append(pools[i%len(c.Splits)], ep)
		}
	}

	arm, err := c.arm()
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	envs := make([]environment.Environment, len(c.Splits))
	for i, split := range c.Splits {
		sim := motionplan.NewArmSim(arm, c.layout(), c.MaxStep,
			c.GoalTol)
		envs[i] = motionplan.New(sim, pools[i], motionplan.Config{
			Name:               c.Name,
			Split:              split,
			Splits:             c.Splits,
			MultiEnv:           len(c.Splits) > 1,
			EpisodeSteps:       c.EpisodeSteps,
			PointCloudKey:      c.PointCloudKey,
			PointsPerPrimitive: c.PointsPerPrimitive,
			DepthKey:           c.DepthKey,
			ImageKey:           c.ImageKey,
			Layout:             c.layout(),
			Seed:               c.Seed + uint64(i),
		}, log)
	}
	return envs, nil
}
