// Package tracker implements Trackers, which accumulate per-epoch
// training scalars during a run and save the accumulated series to
// disk after the run finishes.
package tracker

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Interface Tracker keeps track of per-epoch experiment data and
// saves the data after the experiment has finished
type Tracker interface {
	Track(epoch int, scalars map[string]float64)
	Save() error
}

// LoadData loads and returns the per-scalar series saved by a
// Scalars tracker
func LoadData(filename string) (map[string][]float64, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("loadData: %w", err)
	}
	defer file.Close()

	dec := gob.NewDecoder(file)
	var data map[string][]float64
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("loadData: %w", err)
	}
	return data, nil
}
