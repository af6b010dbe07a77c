package experiment

// Reducer is the metric reduction collective for data-parallel
// training: a sum across ranks followed by a mean. It is called once
// per logged scalar per epoch, so one metric failing to reduce does
// not corrupt the others.
type Reducer interface {
	Reduce(name string, value float64) (float64, error)

	// Rank and Size identify this process within the collective.
	// Rank 0 owns rollouts, checkpointing and logging.
	Rank() int
	Size() int
}

// SingleProcess is the collective of one: every reduction is the
// identity.
type SingleProcess struct{}

func (SingleProcess) Reduce(_ string, value float64) (float64, error) {
	return value, nil
}

func (SingleProcess) Rank() int { return 0 }

func (SingleProcess) Size() int { return 1 }
