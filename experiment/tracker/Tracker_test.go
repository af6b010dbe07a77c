package tracker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScalarsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scalars.gob")
	s := NewScalars(path)

	s.Track(1, map[string]float64{"action_loss": 0.5})
	s.Track(2, map[string]float64{"action_loss": 0.4, "return": 3})
	s.Track(3, map[string]float64{"action_loss": 0.3})

	require.Equal(t, []string{"action_loss", "return"}, s.Names())
	require.NoError(t, s.Save())

	data, err := LoadData(path)
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, 0.4, 0.3}, data["action_loss"])
	require.Equal(t, []float64{1, 2, 3}, data["epoch/action_loss"])

	// Sparse series keep their own epoch index
	require.Equal(t, []float64{3}, data["return"])
	require.Equal(t, []float64{2}, data["epoch/return"])
}

func TestLoadDataMissingFile(t *testing.T) {
	_, err := LoadData(filepath.Join(t.TempDir(), "nope.gob"))
	require.Error(t, err)
}
