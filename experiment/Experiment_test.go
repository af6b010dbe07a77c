package experiment

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r1"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/algo"
	_ "github.com/gomimic/gomimic/algo/bc"
	"github.com/gomimic/gomimic/config"
	"github.com/gomimic/gomimic/dataset"
	"github.com/gomimic/gomimic/environment"
	"github.com/gomimic/gomimic/environment/wrappers"
	"github.com/gomimic/gomimic/experiment/checkpointer"
	"github.com/gomimic/gomimic/experiment/tracker"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/timestep"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

const testDOF = 3

func testSpec() algo.Spec {
	return algo.Spec{
		ObsShapes: obs.Shapes{"joints": {testDOF}},
		ActionDim: testDOF,
	}
}

func testLoader(t *testing.T, seed uint64) *dataset.Loader {
	t.Helper()
	store := dataset.NewMemStore()
	for i := 0; i < 3; i++ {
		steps := 12
		obsData := make([]float64, steps*testDOF)
		actData := make([]float64, steps*testDOF)
		for j := range obsData {
			obsData[j] = math.Sin(float64(i*100 + j))
			actData[j] = math.Cos(float64(i*100 + j))
		}
		require.NoError(t, store.Save(&dataset.Episode{
			ID: "demo_" + string(rune('0'+i)),
			Obs: obs.Dict{
				"joints": tensorutils.New([]int{steps, testDOF},
					obsData),
			},
			Actions: tensorutils.New([]int{steps, testDOF}, actData),
		}))
	}
	loader, err := dataset.NewLoader(store, 4, 2, 0, seed)
	require.NoError(t, err)
	return loader
}

func testAlgo(t *testing.T) (algo.Algo, *config.Config) {
	t.Helper()
	conf, err := config.FromJSON([]byte(`{"hidden_sizes": [8]}`))
	require.NoError(t, err)
	a, err := algo.Create("bc", conf, testSpec(), 7)
	require.NoError(t, err)
	return a, conf
}

func testExperiment(t *testing.T, cfg Config,
	envs []environment.Environment,
	check *checkpointer.Checkpointer) *Experiment {

	t.Helper()
	a, conf := testAlgo(t)
	cfg.AlgoName = "bc"
	cfg.AlgoConfig = conf
	cfg.Spec = testSpec()
	cfg.Seed = 7
	var valid *dataset.Loader
	if cfg.ValidSteps > 0 {
		valid = testLoader(t, 5)
	}
	e, err := New(cfg, a, testLoader(t, 3), valid, envs, check, nil,
		zerolog.Nop())
	require.NoError(t, err)
	return e
}

// stubEnv is a deterministic environment whose episodes last a fixed
// number of steps and succeed or panic on demand.
type stubEnv struct {
	steps   int
	n       int
	succeed bool
	panics  bool
}

func (s *stubEnv) observation() obs.Dict {
	return obs.Dict{"joints": tensorutils.Zeros(1, testDOF)}
}

func (s *stubEnv) Reset() (obs.Dict, error) {
	s.n = 0
	return s.observation(), nil
}

func (s *stubEnv) Step(*tensor.Dense) (timestep.TimeStep, error) {
	if s.panics {
		panic("native simulation fault")
	}
	s.n++
	t := timestep.New(timestep.Mid, 1, s.observation(), s.n)
	if s.n >= s.steps {
		t.End(false)
	}
	return t, nil
}

func (s *stubEnv) GetObservation() (obs.Dict, error) {
	return s.observation(), nil
}

func (s *stubEnv) IsSuccess() map[string]*bool {
	return map[string]*bool{"task": &s.succeed}
}

func (s *stubEnv) Serialize() environment.Serialization {
	return environment.Serialization{Name: "stub", Type: "stub"}
}

func (s *stubEnv) Spec() environment.Spec {
	return environment.Spec{
		ObsShapes: obs.Shapes{"joints": {testDOF}},
		ActionDim: testDOF,
	}
}

func TestRunCompletes(t *testing.T) {
	e := testExperiment(t, Config{
		Epochs:        2,
		StepsPerEpoch: 3,
		ValidSteps:    2,
	}, nil, nil)

	status, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
}

func TestRunSavesTrackedScalars(t *testing.T) {
	e := testExperiment(t, Config{
		Epochs:        3,
		StepsPerEpoch: 2,
		ValidSteps:    1,
	}, nil, nil)

	path := filepath.Join(t.TempDir(), "scalars.gob")
	e.Register(tracker.NewScalars(path))

	status, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	data, err := tracker.LoadData(path)
	require.NoError(t, err)
	require.Len(t, data["train/Loss/"+algo.ActionLoss], 3)
	require.Len(t, data["valid/"+algo.ActionLoss], 3)
	require.Equal(t, []float64{1, 2, 3},
		data["epoch/train/Loss/"+algo.ActionLoss])
}

func TestRunWritesCheckpoints(t *testing.T) {
	dir := t.TempDir()
	check, err := checkpointer.New(checkpointer.Config{
		Dir:         dir,
		EveryEpochs: 1,
		BestValid:   true,
	})
	require.NoError(t, err)

	e := testExperiment(t, Config{
		Epochs:        2,
		StepsPerEpoch: 2,
		ValidSteps:    1,
	}, nil, check)

	status, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	state, err := checkpointer.Read(check.Latest())
	require.NoError(t, err)
	require.Equal(t, "bc", state.AlgoName)
	require.Equal(t, 2, state.Epoch)

	restored, err := state.Restore()
	require.NoError(t, err)
	require.Contains(t, restored.Networks(), "policy")
}

func TestCheckpointCarriesNormStats(t *testing.T) {
	dir := t.TempDir()
	check, err := checkpointer.New(checkpointer.Config{
		Dir:         dir,
		EveryEpochs: 1,
	})
	require.NoError(t, err)

	bounds := map[string]r1.Interval{"joints": {Min: -2, Max: 2}}
	env, err := wrappers.NewNormObs(&stubEnv{steps: 3, succeed: true},
		bounds)
	require.NoError(t, err)

	e := testExperiment(t, Config{
		Epochs:          1,
		StepsPerEpoch:   2,
		RolloutEvery:    1,
		RolloutEpisodes: 1,
		RolloutHorizon:  5,
	}, []environment.Environment{env}, check)

	status, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)

	state, err := checkpointer.Read(check.Latest())
	require.NoError(t, err)
	require.Equal(t, map[string][]float64{"joints": {-2, 2}},
		state.NormStats)

	got, err := state.NormBounds()
	require.NoError(t, err)
	require.Equal(t, bounds, got)
}

func TestCancelledRunSavesAndReportsInterrupted(t *testing.T) {
	dir := t.TempDir()
	check, err := checkpointer.New(checkpointer.Config{Dir: dir})
	require.NoError(t, err)

	e := testExperiment(t, Config{
		Epochs:        100,
		StepsPerEpoch: 2,
	}, nil, check)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := e.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusInterrupted, status)

	// Interruption still wrote a usable latest checkpoint
	_, err = checkpointer.Read(check.Latest())
	require.NoError(t, err)
	_, err = os.Stat(check.Latest())
	require.NoError(t, err)
}

func TestRolloutsReportReturnAndSuccess(t *testing.T) {
	envs := []environment.Environment{
		&stubEnv{steps: 4, succeed: true},
		&stubEnv{steps: 6, succeed: false},
	}
	e := testExperiment(t, Config{
		Epochs:          1,
		StepsPerEpoch:   1,
		RolloutEvery:    1,
		RolloutEpisodes: 1,
		RolloutHorizon:  10,
	}, envs, nil)

	ret, success := e.rollouts(1)
	require.InDelta(t, 5.0, ret, 1e-12) // (4 + 6) / 2
	require.InDelta(t, 0.5, success, 1e-12)
}

func TestRolloutPanicIsRecovered(t *testing.T) {
	envs := []environment.Environment{
		&stubEnv{panics: true},
		&stubEnv{steps: 3, succeed: true},
	}
	e := testExperiment(t, Config{
		Epochs:         1,
		StepsPerEpoch:  1,
		RolloutEvery:   1,
		RolloutHorizon: 10,
	}, envs, nil)

	// Only the healthy environment contributes
	ret, success := e.rollouts(1)
	require.InDelta(t, 3.0, ret, 1e-12)
	require.InDelta(t, 1.0, success, 1e-12)

	status, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
}

func TestHorizonBoundsEpisodeLength(t *testing.T) {
	envs := []environment.Environment{&stubEnv{steps: 1000}}
	e := testExperiment(t, Config{
		Epochs:         1,
		StepsPerEpoch:  1,
		RolloutEvery:   1,
		RolloutHorizon: 5,
	}, envs, nil)

	ret, _ := e.rollouts(1)
	require.InDelta(t, 5.0, ret, 1e-12)
}

func TestTaskSuccessPrefersTaskKey(t *testing.T) {
	yes, no := true, false
	require.True(t, taskSuccess(map[string]*bool{"task": &yes}))
	require.False(t, taskSuccess(map[string]*bool{
		"task": &no, "train": &yes,
	}))
	require.True(t, taskSuccess(map[string]*bool{
		"train": &yes, "valid": nil,
	}))
	require.False(t, taskSuccess(map[string]*bool{"valid": nil}))
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	a, conf := testAlgo(t)
	log := zerolog.Nop()

	_, err := New(Config{Epochs: 1, StepsPerEpoch: 1, AlgoConfig: conf},
		nil, testLoader(t, 1), nil, nil, nil, nil, log)
	require.Error(t, err)

	_, err = New(Config{Epochs: 0, StepsPerEpoch: 1}, a,
		testLoader(t, 1), nil, nil, nil, nil, log)
	require.Error(t, err)

	_, err = New(Config{Epochs: 1, StepsPerEpoch: 1, ValidSteps: 2},
		a, testLoader(t, 1), nil, nil, nil, nil, log)
	require.Error(t, err)

	_, err = New(Config{Epochs: 1, StepsPerEpoch: 1, RolloutEvery: 1},
		a, testLoader(t, 1), nil, nil, nil, nil, log)
	require.Error(t, err)
}
