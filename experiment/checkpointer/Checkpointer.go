// Package checkpointer saves and restores training state at
// configurable cadences. Every firing save overwrites a "latest"
// file; conditions other than the time-based default additionally
// write a uniquely named file.
package checkpointer

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Config selects the save cadences. Zero values disable a cadence.
type Config struct {
	Dir string

	// EverySeconds is the time-based default cadence
	EverySeconds float64

	// EveryEpochs saves each time the epoch count crosses a multiple
	EveryEpochs int

	// Epochs is an explicit list of epochs to save at
	Epochs []int

	// Best-metric cadences
	BestValid   bool
	BestReturn  bool
	BestSuccess bool
}

// Metrics carries the per-epoch quantities the cadence conditions
// inspect. Nil pointers mean the quantity was not measured this
// epoch.
type Metrics struct {
	Epoch       int
	ValidLoss   *float64
	Return      *float64
	SuccessRate *float64
}

// Checkpointer tracks cadence state across epochs
type Checkpointer struct {
	cfg Config

	lastSave    time.Time
	bestValid   float64
	bestReturn  float64
	bestSuccess float64

	now func() time.Time
}

func New(cfg Config) (*Checkpointer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("newCheckpointer: no directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("newCheckpointer: %w", err)
	}
	return &Checkpointer{
		cfg:         cfg,
		lastSave:    time.Now(),
		bestValid:   math.Inf(1),
		bestReturn:  math.Inf(-1),
		bestSuccess: math.Inf(-1),
		now:         time.Now,
	}, nil
}

// Latest returns the path of the always-overwritten checkpoint file
func (c *Checkpointer) Latest() string {
	return filepath.Join(c.cfg.Dir, "latest.gob")
}

// Save evaluates every cadence condition against the metrics and
// writes the state where conditions fire. It returns the written
// paths; an empty slice means no condition fired.
func (c *Checkpointer) Save(state *State, m Metrics) ([]string, error) {
	var tags []string

	if c.cfg.EveryEpochs > 0 && m.Epoch%c.cfg.EveryEpochs == 0 {
		tags = append(tags, fmt.Sprintf("epoch_%v", m.Epoch))
	}
	for _, e := range c.cfg.Epochs {
		if e == m.Epoch {
			tags = append(tags, fmt.Sprintf("epoch_%v", m.Epoch))
			break
		}
	}
	if c.cfg.BestValid && m.ValidLoss != nil && *m.ValidLoss < c.bestValid {
		c.bestValid = *m.ValidLoss
		tags = append(tags,
			fmt.Sprintf("best_valid_epoch_%v", m.Epoch))
	}
	if c.cfg.BestReturn && m.Return != nil && *m.Return > c.bestReturn {
		c.bestReturn = *m.Return
		tags = append(tags,
			fmt.Sprintf("best_return_epoch_%v", m.Epoch))
	}
	if c.cfg.BestSuccess && m.SuccessRate != nil &&
		*m.SuccessRate > c.bestSuccess {
		c.bestSuccess = *m.SuccessRate
		tags = append(tags,
			fmt.Sprintf("best_success_epoch_%v", m.Epoch))
	}

	timeFired := c.cfg.EverySeconds > 0 &&
		c.now().Sub(c.lastSave).Seconds() >= c.cfg.EverySeconds
	if len(tags) == 0 && !timeFired {
		return nil, nil
	}
	c.lastSave = c.now()

	var written []string
	if err := Write(c.Latest(), state); err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	written = append(written, c.Latest())

	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		path := filepath.Join(c.cfg.Dir, tag+".gob")
		if err := Write(path, state); err != nil {
			return nil, fmt.Errorf("save: %w", err)
		}
		written = append(written, path)
	}
	return written, nil
}

// Write serializes a state to path with gob
func Write(path string, state *State) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(state); err != nil {
		f.Close()
		return fmt.Errorf("write %v: %w", path, err)
	}
	return f.Close()
}

// Read deserializes a state from path
func Read(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	defer f.Close()
	state := &State{}
	if err := gob.NewDecoder(f).Decode(state); err != nil {
		return nil, fmt.Errorf("read %v: %w", path, err)
	}
	return state, nil
}
