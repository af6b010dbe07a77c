package tracker

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"
)

// Scalars tracks every scalar an experiment logs, one series per
// scalar name, and saves the series to a single gob file. Epochs are
// recorded alongside under the "epoch" key so sparse scalars (e.g.
// rollout returns logged every few epochs per series) stay alignable.
type Scalars struct {
	filename string
	epochs   map[string][]float64
	series   map[string][]float64
}

// NewScalars creates and returns a new *Scalars Tracker saving to
// filename
func NewScalars(filename string) *Scalars {
	return &Scalars{
		filename: filename,
		epochs:   make(map[string][]float64),
		series:   make(map[string][]float64),
	}
}

// Track appends one epoch's scalars to their series
func (s *Scalars) Track(epoch int, scalars map[string]float64) {
	for name, v := range scalars {
		s.series[name] = append(s.series[name], v)
		s.epochs[name] = append(s.epochs[name], float64(epoch))
	}
}

// Names returns the tracked scalar names in sorted order
func (s *Scalars) Names() []string {
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes every tracked series to disk. Each scalar named x is
// stored under key x with its epochs under key "epoch/x".
func (s *Scalars) Save() error {
	data := make(map[string][]float64, 2*len(s.series))
	for name, vals := range s.series {
		data[name] = vals
		data["epoch/"+name] = s.epochs[name]
	}

	file, err := os.Create(s.filename)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	en := gob.NewEncoder(file)
	if err := en.Encode(data); err != nil {
		file.Close()
		return fmt.Errorf("save: %w", err)
	}
	return file.Close()
}
