package dataset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

func testEpisode(id string, steps int, offset float64) *Episode {
	joints := make([]float64, steps*4)
	actions := make([]float64, steps*4)
	for i := range joints {
		joints[i] = offset + float64(i)
		actions[i] = -offset - float64(i)
	}
	return &Episode{
		ID: id,
		Obs: map[string]*tensor.Dense{
			"joints": tensorutils.New([]int{steps, 4}, joints),
		},
		Actions: tensorutils.New([]int{steps, 4}, actions),
	}
}

func TestNumericIDOrder(t *testing.T) {
	ids := []string{"demo_10", "demo_2", "demo_0", "demo_1"}
	SortIDs(ids)
	require.Equal(t, []string{"demo_0", "demo_1", "demo_2", "demo_10"}, ids)
}

func TestBoltRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demos.db")
	store, err := OpenBolt(path)
	require.NoError(t, err)
	defer store.Close()

	for _, id := range []string{"demo_3", "demo_0", "demo_12"} {
		require.NoError(t, store.Save(testEpisode(id, 6, 1.0)))
	}

	ids, err := store.IDs()
	require.NoError(t, err)
	require.Equal(t, []string{"demo_0", "demo_3", "demo_12"}, ids)

	e, err := store.Load("demo_3")
	require.NoError(t, err)
	require.Equal(t, 6, e.Steps())
	want := testEpisode("demo_3", 6, 1.0)
	require.Equal(t, tensorutils.Data(want.Actions),
		tensorutils.Data(e.Actions))
	require.Equal(t, tensorutils.Data(want.Obs["joints"]),
		tensorutils.Data(e.Obs["joints"]))

	_, err = store.Load("demo_99")
	require.Error(t, err)
}

func TestSaveRejectsRaggedEpisode(t *testing.T) {
	e := testEpisode("demo_0", 5, 0)
	e.Obs["joints"] = tensorutils.New([]int{4, 4}, make([]float64, 16))
	require.Error(t, NewMemStore().Save(e))
}

func TestLoaderWindows(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Save(testEpisode("demo_0", 8, 0)))

	l, err := NewLoader(store, 3, 2, 0, 7)
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, 4, l.ActionDim())
	require.Equal(t, []int{4}, l.Shapes()["joints"])

	for batch := range l.Batches(context.Background(), 5) {
		require.Equal(t, []int{2, 3, 4}, []int(batch.Actions.Shape()))
		require.Equal(t, []int{2, 3, 4},
			[]int(batch.Obs["joints"].Shape()))

		// every sampled window is a contiguous slice of the episode
		joints := tensorutils.Data(batch.Obs["joints"])
		for b := 0; b < 2; b++ {
			row := joints[b*12 : (b+1)*12]
			for i := 1; i < len(row); i++ {
				require.Equal(t, row[0]+float64(i), row[i])
			}
		}
	}
}

func TestLoaderDeterministicWithoutWorkers(t *testing.T) {
	store := NewMemStore()
	for _, id := range []string{"demo_0", "demo_1", "demo_2"} {
		require.NoError(t, store.Save(testEpisode(id, 10, 3.0)))
	}

	draw := func() [][]float64 {
		l, err := NewLoader(store, 4, 3, 0, 11)
		require.NoError(t, err)
		defer l.Close()
		var out [][]float64
		for b := range l.Batches(context.Background(), 3) {
			out = append(out, tensorutils.Data(b.Actions))
		}
		return out
	}
	require.Equal(t, draw(), draw())
}

func TestLoaderSkipsShortEpisodes(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Save(testEpisode("demo_0", 2, 0)))
	require.NoError(t, store.Save(testEpisode("demo_1", 9, 0)))

	l, err := NewLoader(store, 5, 1, 0, 1)
	require.NoError(t, err)
	defer l.Close()
	require.Len(t, l.Episodes(), 1)

	_, err = NewLoader(store, 20, 1, 0, 1)
	require.Error(t, err)
}

func TestLoaderWorkersPersist(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Save(testEpisode("demo_0", 8, 0)))

	l, err := NewLoader(store, 3, 2, 2, 7)
	require.NoError(t, err)
	defer l.Close()

	// two epochs drained from the same pool
	for epoch := 0; epoch < 2; epoch++ {
		count := 0
		for batch := range l.Batches(context.Background(), 4) {
			require.Equal(t, []int{2, 3, 4}, []int(batch.Actions.Shape()))
			count++
		}
		require.Equal(t, 4, count)
	}
}
