package bc

import (
	"fmt"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/utils/tensorutils"
)

// windower extracts the temporal slice of a raw batch the variant
// trains on. Raw batches always carry a time axis.
type windower interface {
	window(*algo.Batch) (*algo.Batch, error)
}

// flatWindower takes the first timestep only, for variants that train
// on single transitions.
type flatWindower struct{}

func (flatWindower) window(batch *algo.Batch) (*algo.Batch, error) {
	return &algo.Batch{
		Obs:     batch.Obs.TimeSlice(0),
		Goal:    batch.Goal.Clone(),
		Actions: tensorutils.TimeSlice(batch.Actions, 0),
	}, nil
}

// seqWindower takes the leading window of a configured length, for
// sequence variants.
type seqWindower struct {
	length int
}

func (w seqWindower) window(batch *algo.Batch) (*algo.Batch, error) {
	steps := batch.Actions.Shape()[1]
	if steps < w.length {
		return nil, fmt.Errorf("window: batch has %v steps, variant "+
			"needs %v", steps, w.length)
	}
	return &algo.Batch{
		Obs:     batch.Obs.TimeWindow(w.length),
		Goal:    batch.Goal.Clone(),
		Actions: tensorutils.TimeWindow(batch.Actions, w.length),
	}, nil
}
