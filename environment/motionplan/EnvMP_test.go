package motionplan

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/dataset"
	"github.com/gomimic/gomimic/geom"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

var testLayout = geom.Layout{Spheres: 2}

func testArm(t *testing.T) *geom.SerialArm {
	t.Helper()
	limits := [][2]float64{
		{-math.Pi, math.Pi}, {-math.Pi, math.Pi}, {-math.Pi, math.Pi},
	}
	arm, err := geom.NewSerialArm([]float64{0.3, 0.25, 0.2}, limits)
	require.NoError(t, err)
	return arm
}

func testSim(t *testing.T) *ArmSim {
	t.Helper()
	return NewArmSim(testArm(t), testLayout, 0.1, 0.05)
}

// sceneWithSphere builds packed parameters with one sphere and one
// padding slot.
func sceneWithSphere(cx, cy, cz, r float64) []float64 {
	params := make([]float64, testLayout.Width())
	copy(params[geom.HeaderSize:], []float64{cx, cy, cz, r})
	return params
}

func testDemo(id string, steps int, start float64) *dataset.Episode {
	joints := make([]float64, steps*3)
	actions := make([]float64, steps*3)
	for t := 0; t < steps; t++ {
		for j := 0; j < 3; j++ {
			joints[t*3+j] = start + 0.01*float64(t)
			actions[t*3+j] = start + 0.01*float64(t+1)
		}
	}
	scene := make([]float64, steps*testLayout.Width())
	far := sceneWithSphere(5, 5, 5, 0.1)
	for t := 0; t < steps; t++ {
		copy(scene[t*testLayout.Width():], far)
	}
	return &dataset.Episode{
		ID: id,
		Obs: map[string]*tensor.Dense{
			"joints": tensorutils.New([]int{steps, 3}, joints),
			"scene_params": tensorutils.New(
				[]int{steps, testLayout.Width()}, scene),
		},
		Actions: tensorutils.New([]int{steps, 3}, actions),
	}
}

func testEnv(t *testing.T, demos []*dataset.Episode) *EnvMP {
	t.Helper()
	return New(testSim(t), demos, Config{
		Name:   "arm",
		Split:  "train",
		Layout: testLayout,
		Seed:   3,
	}, zerolog.Nop())
}

func TestRoundRobinReset(t *testing.T) {
	demos := []*dataset.Episode{
		testDemo("demo_10", 5, 0.3),
		testDemo("demo_2", 5, 0.1),
		testDemo("demo_0", 5, -0.2),
	}
	env := testEnv(t, demos)

	var visits []float64
	for i := 0; i < 7; i++ {
		o, err := env.Reset()
		require.NoError(t, err)
		visits = append(visits, tensorutils.Data(o["joints"])[0])
	}

	// numeric ID order: demo_0, demo_2, demo_10, then wrap
	require.Equal(t, []float64{-0.2, 0.1, 0.3, -0.2, 0.1, 0.3, -0.2},
		visits)
	require.Equal(t, 7, env.NumResets())
}

func TestStepTracksReferencePlan(t *testing.T) {
	env := testEnv(t, []*dataset.Episode{testDemo("demo_0", 12, 0)})
	_, err := env.Reset()
	require.NoError(t, err)

	// play the reference plan back exactly: zero error
	for i := 0; i < 3; i++ {
		action := tensorutils.New([]int{1, 3}, env.refPlan[i])
		ts, err := env.Step(action)
		require.NoError(t, err)

		require.Contains(t, ts.Info, "train/action_err")
		require.Contains(t, ts.Info, "train/action_mse")
		require.NotNil(t, ts.Info["train/action_err"])
		require.InDelta(t, 0, *ts.Info["train/action_err"], 1e-12)

		// the inactive split's keys are present but nil
		require.Contains(t, ts.Info, "valid/action_err")
		require.Nil(t, ts.Info["valid/action_err"])
	}

	// a deviating action raises the running error
	off := tensorutils.New([]int{1, 3}, []float64{0.9, 0.9, 0.9})
	ts, err := env.Step(off)
	require.NoError(t, err)
	require.Greater(t, *ts.Info["train/action_err"], 0.0)
}

func TestIsSuccessSplitKeys(t *testing.T) {
	env := testEnv(t, []*dataset.Episode{testDemo("demo_0", 5, 0)})
	_, err := env.Reset()
	require.NoError(t, err)

	s := env.IsSuccess()
	require.Contains(t, s, "train")
	require.Contains(t, s, "valid")
	require.Contains(t, s, "task")
	require.NotNil(t, s["train"])
	require.Nil(t, s["valid"])
	require.Equal(t, *s["train"], *s["task"])
}

func TestIsSuccessMultiEnvOmitsTaskKey(t *testing.T) {
	env := New(testSim(t), nil, Config{
		Split:    "valid",
		MultiEnv: true,
		Layout:   testLayout,
	}, zerolog.Nop())
	_, err := env.Reset()
	require.NoError(t, err)

	s := env.IsSuccess()
	require.NotContains(t, s, "task")
	require.NotNil(t, s["valid"])
	require.Nil(t, s["train"])
}

func TestGetObservationPointCloud(t *testing.T) {
	env := New(testSim(t), []*dataset.Episode{testDemo("demo_0", 5, 0)},
		Config{
			Split:              "train",
			Layout:             testLayout,
			PointCloudKey:      "point_cloud",
			PointsPerPrimitive: 10,
		}, zerolog.Nop())
	o, err := env.Reset()
	require.NoError(t, err)

	cloud := o["point_cloud"]
	// fixed size: 2 layout slots x 10 points, padding rows zeroed
	require.Equal(t, []int{1, 20, 3}, []int(cloud.Shape()))
	data := tensorutils.Data(cloud)
	for _, v := range data[30:] {
		require.Zero(t, v)
	}

	// fresh dict per call
	o2, err := env.GetObservation()
	require.NoError(t, err)
	require.NotSame(t, o["joints"], o2["joints"])
}

func TestEpisodeTruncatesAtStepLimit(t *testing.T) {
	sim := NewArmSim(testArm(t), testLayout, 0.1, 0.001)
	env := New(sim, []*dataset.Episode{testDemo("demo_0", 5, 0)}, Config{
		Split:        "train",
		Layout:       testLayout,
		EpisodeSteps: 3,
	}, zerolog.Nop())
	_, err := env.Reset()
	require.NoError(t, err)

	action := tensorutils.New([]int{1, 3}, []float64{2, 2, 2})
	for i := 0; i < 2; i++ {
		ts, err := env.Step(action)
		require.NoError(t, err)
		require.False(t, ts.Last())
	}
	ts, err := env.Step(action)
	require.NoError(t, err)
	require.True(t, ts.Last())
	require.True(t, ts.Truncated)
}

func TestRelabelKeepsSuccessfulPrefix(t *testing.T) {
	demo := testDemo("demo_0", 6, 0)
	env := testEnv(t, []*dataset.Episode{demo})

	arm := testArm(t)
	scene, err := geom.DecodeScene(sceneWithSphere(5, 5, 5, 0.1),
		testLayout)
	require.NoError(t, err)

	relabeled, err := env.Relabel(demo, NewLinePlanner(arm, scene, 0.1))
	require.NoError(t, err)
	require.Equal(t, "demo_0", relabeled.ID)
	require.Equal(t, 6, relabeled.Steps())
	require.Equal(t, []int{6, 3}, []int(relabeled.Actions.Shape()))
	require.Contains(t, relabeled.Obs, "joints")

	// every relabeled action is in bounds
	for _, a := range tensorutils.Data(relabeled.Actions) {
		require.LessOrEqual(t, math.Abs(a), 1.0)
	}
}

func TestRelabelAbortsOnPlannerFailure(t *testing.T) {
	demo := testDemo("demo_0", 6, 0)
	env := testEnv(t, []*dataset.Episode{demo})

	// a huge obstacle at the origin makes every straight path collide
	scene, err := geom.DecodeScene(sceneWithSphere(0, 0, 0, 2),
		testLayout)
	require.NoError(t, err)

	_, err = env.Relabel(demo, NewLinePlanner(testArm(t), scene, 0.1))
	require.Error(t, err)
}

func TestDaggerPoolSwap(t *testing.T) {
	original := []*dataset.Episode{
		testDemo("demo_0", 5, -0.2),
		testDemo("demo_1", 5, 0.1),
	}
	env := testEnv(t, original)

	_, err := env.Reset()
	require.NoError(t, err)
	require.Equal(t, 1, env.NumResets())

	env.SetToDaggerSampling([]*dataset.Episode{testDemo("demo_0", 5, 0.7)})
	o, err := env.Reset()
	require.NoError(t, err)
	require.InDelta(t, 0.7, tensorutils.Data(o["joints"])[0], 1e-12)

	env.SetToEnvOriginal()
	o, err = env.Reset()
	require.NoError(t, err)
	require.InDelta(t, -0.2, tensorutils.Data(o["joints"])[0], 1e-12)
}
