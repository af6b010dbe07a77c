// Package progressbar renders labeled single-line progress bars for
// the phases of a training run, one bar per training epoch or rollout
// sweep. A bar is driven manually by the loop that owns it and
// rewrites its line in place, so it coexists with structured log
// output on the same stream.
package progressbar

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Bar is a labeled in-place progress line. It is not safe for
// concurrent use; the loop that owns the bar drives it.
type Bar struct {
	w     io.Writer
	label string
	width int
	total int
	done  int
	start time.Time

	now func() time.Time
}

// New returns a bar that reaches 100% after total Increment calls.
// The label identifies the phase the bar reports, such as
// "epoch 3/50 train" or "epoch 10 rollouts". Nothing is written until
// Display or Increment is called.
func New(w io.Writer, label string, width, total int) *Bar {
	b := &Bar{w: w, label: label, width: width, total: total,
		now: time.Now}
	b.start = b.now()
	return b
}

// Display draws the bar at its current progress
func (b *Bar) Display() {
	frac := 0.0
	if b.total > 0 {
		frac = float64(b.done) / float64(b.total)
	}
	filled := int(frac * float64(b.width))

	var line strings.Builder
	fmt.Fprintf(&line, "\r\033[K%v |", b.label)
	line.WriteString(strings.Repeat("█", filled))
	line.WriteString(strings.Repeat(" ", b.width-filled))
	fmt.Fprintf(&line, "| %v/%v (%.0f%%) %v", b.done, b.total,
		frac*100, b.now().Sub(b.start).Truncate(time.Second))
	fmt.Fprint(b.w, line.String())
}

// Increment advances the bar one step and redraws it. Calls past
// total saturate at 100%.
func (b *Bar) Increment() {
	if b.done < b.total {
		b.done++
	}
	b.Display()
}

// Close finishes the bar's line so later output starts on a fresh one
func (b *Bar) Close() {
	fmt.Fprintln(b.w)
}
