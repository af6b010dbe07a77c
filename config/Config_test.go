package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testDoc = `{
	"algo": {
		"gmm": {"enabled": true, "num_modes": 5, "min_std": 0.0001},
		"rnn": {"enabled": false, "horizon": 10},
		"loss": {"l2_weight": 1.0, "l1_weight": 0.0, "cos_weight": 0.1}
	},
	"train": {"seq_length": 10, "batch_size": 16}
}`

func TestLookup(t *testing.T) {
	c, err := FromJSON([]byte(testDoc))
	require.NoError(t, err)

	enabled, err := c.Bool("algo.gmm.enabled")
	require.NoError(t, err)
	require.True(t, enabled)

	modes, err := c.Int("algo.gmm.num_modes")
	require.NoError(t, err)
	require.Equal(t, 5, modes)

	w, err := c.Float("algo.loss.cos_weight")
	require.NoError(t, err)
	require.Equal(t, 0.1, w)
}

func TestUnknownKeyFailsLoudly(t *testing.T) {
	c, err := FromJSON([]byte(testDoc))
	require.NoError(t, err)
	c.Lock()

	_, err = c.Bool("algo.gaussian.enabled")
	require.ErrorIs(t, err, ErrUnknownKey)

	_, err = c.Float("algo.loss.no_such_weight")
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestLockedMutationFails(t *testing.T) {
	c, err := FromJSON([]byte(testDoc))
	require.NoError(t, err)

	// unlocked writes may create new keys
	require.NoError(t, c.Set("algo.vae.enabled", true))

	c.Lock()
	err = c.Set("algo.vae.enabled", false)
	require.ErrorIs(t, err, ErrLocked)
	err = c.Set("algo.brand_new", 1.0)
	require.ErrorIs(t, err, ErrLocked)
}

func TestHasSection(t *testing.T) {
	c, err := FromJSON([]byte(testDoc))
	require.NoError(t, err)
	c.Lock()

	require.True(t, c.HasSection("algo.gmm"))
	require.False(t, c.HasSection("algo.gaussian"))

	// absent optional sections read as disabled via BoolOr
	enabled, err := c.BoolOr("algo.gaussian.enabled", false)
	require.NoError(t, err)
	require.False(t, enabled)
}

func TestSectionSharesLockState(t *testing.T) {
	c, err := FromJSON([]byte(testDoc))
	require.NoError(t, err)
	c.Lock()

	sub, err := c.Section("algo.gmm")
	require.NoError(t, err)
	require.True(t, sub.Locked())

	require.ErrorIs(t, sub.Set("num_modes", 3), ErrLocked)
}

func TestWrongType(t *testing.T) {
	c, err := FromJSON([]byte(testDoc))
	require.NoError(t, err)

	_, err = c.Bool("algo.gmm.num_modes")
	require.ErrorIs(t, err, ErrWrongType)

	_, err = c.Int("algo.gmm.min_std")
	require.ErrorIs(t, err, ErrWrongType)
}
