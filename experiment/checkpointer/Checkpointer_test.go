package checkpointer

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r1"

	"github.com/gomimic/gomimic/algo"
	_ "github.com/gomimic/gomimic/algo/bc"
	"github.com/gomimic/gomimic/config"
	"github.com/gomimic/gomimic/obs"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

func testState() *State {
	return &State{
		AlgoName: "bc",
		Config:   []byte(`{}`),
		Spec:     algo.Spec{ActionDim: 2},
		Networks: map[string]map[string][]float64{
			"policy": {"w": {0.1, 0.2}},
		},
	}
}

func f(v float64) *float64 { return &v }

func TestSaveDoesNothingWhenNoCadenceFires(t *testing.T) {
	c, err := New(Config{Dir: t.TempDir(), EveryEpochs: 5})
	require.NoError(t, err)

	written, err := c.Save(testState(), Metrics{Epoch: 3})
	require.NoError(t, err)
	require.Empty(t, written)
	_, err = os.Stat(c.Latest())
	require.True(t, os.IsNotExist(err))
}

func TestEveryEpochsWritesLatestAndTaggedFile(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, EveryEpochs: 2})
	require.NoError(t, err)

	written, err := c.Save(testState(), Metrics{Epoch: 4})
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "latest.gob"),
		filepath.Join(dir, "epoch_4.gob"),
	}, written)
}

func TestExplicitEpochList(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, Epochs: []int{3, 7}})
	require.NoError(t, err)

	written, err := c.Save(testState(), Metrics{Epoch: 2})
	require.NoError(t, err)
	require.Empty(t, written)

	written, err = c.Save(testState(), Metrics{Epoch: 7})
	require.NoError(t, err)
	require.Contains(t, written, filepath.Join(dir, "epoch_7.gob"))
}

func TestBestValidTracksImprovement(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, BestValid: true})
	require.NoError(t, err)

	written, err := c.Save(testState(),
		Metrics{Epoch: 1, ValidLoss: f(0.5)})
	require.NoError(t, err)
	require.Contains(t, written,
		filepath.Join(dir, "best_valid_epoch_1.gob"))

	// A worse loss must not fire
	written, err = c.Save(testState(),
		Metrics{Epoch: 2, ValidLoss: f(0.6)})
	require.NoError(t, err)
	require.Empty(t, written)

	// Nor should an unmeasured one
	written, err = c.Save(testState(), Metrics{Epoch: 3})
	require.NoError(t, err)
	require.Empty(t, written)

	written, err = c.Save(testState(),
		Metrics{Epoch: 4, ValidLoss: f(0.4)})
	require.NoError(t, err)
	require.Contains(t, written,
		filepath.Join(dir, "best_valid_epoch_4.gob"))
}

func TestTimeCadenceWritesOnlyLatest(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, EverySeconds: 60})
	require.NoError(t, err)

	clock := time.Now()
	c.now = func() time.Time { return clock }

	written, err := c.Save(testState(), Metrics{Epoch: 1})
	require.NoError(t, err)
	require.Empty(t, written)

	clock = clock.Add(2 * time.Minute)
	written, err = c.Save(testState(), Metrics{Epoch: 2})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "latest.gob")}, written)

	// Firing resets the timer
	written, err = c.Save(testState(), Metrics{Epoch: 3})
	require.NoError(t, err)
	require.Empty(t, written)
}

func TestLatestOverwrittenByEveryFiring(t *testing.T) {
	dir := t.TempDir()
	c, err := New(Config{Dir: dir, EveryEpochs: 1, BestValid: true})
	require.NoError(t, err)

	first := testState()
	first.Epoch = 1
	_, err = c.Save(first, Metrics{Epoch: 1, ValidLoss: f(0.5)})
	require.NoError(t, err)

	second := testState()
	second.Epoch = 2
	_, err = c.Save(second, Metrics{Epoch: 2})
	require.NoError(t, err)

	got, err := Read(c.Latest())
	require.NoError(t, err)
	require.Equal(t, 2, got.Epoch)
}

func roundTripSpec() algo.Spec {
	return algo.Spec{
		ObsShapes: obs.Shapes{"joints": {3}},
		ActionDim: 3,
	}
}

func roundTripBatch() *algo.Batch {
	data := make([]float64, 2*4*3)
	for i := range data {
		data[i] = math.Cos(float64(i + 1))
	}
	return &algo.Batch{
		Obs: obs.Dict{
			"joints": tensorutils.New([]int{2, 4, 3}, data),
		},
		Actions: tensorutils.New([]int{2, 4, 3}, data),
	}
}

func validateLosses(t *testing.T, a algo.Algo) algo.Losses {
	t.Helper()
	batch, err := a.ProcessBatch(roundTripBatch())
	require.NoError(t, err)
	info, err := a.TrainOnBatch(batch, 1, true)
	require.NoError(t, err)
	return info.Losses
}

func TestRoundTripReproducesLosses(t *testing.T) {
	doc := []byte(`{"hidden_sizes": [8]}`)
	conf, err := config.FromJSON(doc)
	require.NoError(t, err)

	a, err := algo.Create("bc", conf, roundTripSpec(), 11)
	require.NoError(t, err)

	batch, err := a.ProcessBatch(roundTripBatch())
	require.NoError(t, err)
	_, err = a.TrainOnBatch(batch, 1, false)
	require.NoError(t, err)

	state, err := Snapshot("bc", conf, roundTripSpec(), 11, 1, a, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state.gob")
	require.NoError(t, Write(path, state))
	loaded, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Epoch)

	restored, err := loaded.Restore()
	require.NoError(t, err)

	require.Equal(t, validateLosses(t, a), validateLosses(t, restored))
}

func TestRoundTripPreservesNormStats(t *testing.T) {
	doc := []byte(`{"hidden_sizes": [8]}`)
	conf, err := config.FromJSON(doc)
	require.NoError(t, err)

	a, err := algo.Create("bc", conf, roundTripSpec(), 11)
	require.NoError(t, err)

	stats := map[string][]float64{"joints": {-3.14, 3.14}}
	state, err := Snapshot("bc", conf, roundTripSpec(), 11, 1, a, stats)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state.gob")
	require.NoError(t, Write(path, state))
	loaded, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, stats, loaded.NormStats)

	bounds, err := loaded.NormBounds()
	require.NoError(t, err)
	require.Equal(t,
		map[string]r1.Interval{"joints": {Min: -3.14, Max: 3.14}}, bounds)
}

func TestNormBoundsRejectsMalformedStats(t *testing.T) {
	state := testState()
	state.NormStats = map[string][]float64{"joints": {1, 2, 3}}
	_, err := state.NormBounds()
	require.Error(t, err)

	state.NormStats = nil
	bounds, err := state.NormBounds()
	require.NoError(t, err)
	require.Nil(t, bounds)
}

func TestRestoreRejectsUnknownAlgorithm(t *testing.T) {
	state := testState()
	state.AlgoName = "no_such_algo"
	_, err := state.Restore()
	require.Error(t, err)
}
