package progressbar

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lastLine(out string) string {
	return out[strings.LastIndex(out, "\r"):]
}

func TestBarRendersLabelProgressAndElapsed(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf, "epoch 1/2 train", 10, 4)

	clock := time.Unix(100, 0)
	b.start = clock
	b.now = func() time.Time { return clock }

	b.Display()
	clock = clock.Add(3 * time.Second)
	b.Increment()
	b.Increment()

	last := lastLine(buf.String())
	require.Contains(t, last, "epoch 1/2 train")
	require.Contains(t, last, "2/4 (50%)")
	require.Contains(t, last, "3s")
	require.Equal(t, 5, strings.Count(last, "█"))
}

func TestBarSaturatesAtTotal(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf, "rollouts", 4, 2)
	for i := 0; i < 5; i++ {
		b.Increment()
	}
	b.Close()

	out := buf.String()
	require.Contains(t, out, "2/2 (100%)")
	require.Equal(t, 4, strings.Count(lastLine(out), "█"))
	require.True(t, strings.HasSuffix(out, "\n"))
}
