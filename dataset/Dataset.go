// Package dataset implements demonstration storage and batch loading.
// Demonstrations are stored one episode per bucket in a bbolt file and
// sampled as fixed-length sequence windows.
package dataset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

// IDPrefix is the episode naming convention: demo_0, demo_1, ...
const IDPrefix = "demo_"

// Episode is one recorded demonstration trajectory. Every observation
// tensor and the action tensor share the same leading time dimension.
type Episode struct {
	ID      string
	Obs     map[string]*tensor.Dense
	Actions *tensor.Dense
}

// Steps returns the episode length
func (e *Episode) Steps() int {
	return e.Actions.Shape()[0]
}

// Validate checks that every modality spans the same number of steps
func (e *Episode) Validate() error {
	if e.Actions == nil {
		return fmt.Errorf("episode %v: no actions", e.ID)
	}
	steps := e.Steps()
	for k, v := range e.Obs {
		if v.Shape()[0] != steps {
			return fmt.Errorf("episode %v: key %q has %v steps, "+
				"actions have %v", e.ID, k, v.Shape()[0], steps)
		}
	}
	return nil
}

// Number parses the numeric sort key out of an episode ID by
// stripping the demo_ prefix. IDs without a numeric suffix sort after
// all numeric ones.
func Number(id string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, IDPrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortIDs orders episode IDs by their numeric key, so demo_2 precedes
// demo_10. Replay order depends on this ordering being stable.
func SortIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		ni, iok := Number(ids[i])
		nj, jok := Number(ids[j])
		if iok != jok {
			return iok
		}
		if !iok {
			return ids[i] < ids[j]
		}
		return ni < nj
	})
}

// Store persists episodes by ID
type Store interface {
	IDs() ([]string, error)
	Load(id string) (*Episode, error)
	Save(e *Episode) error
	Close() error
}

// MemStore is an in-memory Store for tests and synthetic data
type MemStore struct {
	episodes map[string]*Episode
}

func NewMemStore() *MemStore {
	return &MemStore{episodes: make(map[string]*Episode)}
}

func (s *MemStore) IDs() ([]string, error) {
	ids := make([]string, 0, len(s.episodes))
	for id := range s.episodes {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids, nil
}

func (s *MemStore) Load(id string) (*Episode, error) {
	e, ok := s.episodes[id]
	if !ok {
		return nil, fmt.Errorf("load: no episode %q", id)
	}
	return e, nil
}

func (s *MemStore) Save(e *Episode) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	s.episodes[e.ID] = e
	return nil
}

func (s *MemStore) Close() error { return nil }

// LoadAll reads every episode in numeric order
func LoadAll(s Store) ([]*Episode, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, fmt.Errorf("loadAll: %w", err)
	}
	episodes := make([]*Episode, len(ids))
	for i, id := range ids {
		if episodes[i], err = s.Load(id); err != nil {
			return nil, fmt.Errorf("loadAll: %w", err)
		}
	}
	return episodes, nil
}

// window copies steps [start, start+length) of a [T, ...] tensor into
// the destination rows for batch entry b.
func window(dst []float64, b int, t *tensor.Dense, start, length int) {
	shape := t.Shape()
	stepDim := tensorutils.Prod(shape[1:])
	src := tensorutils.Data(t)
	copy(dst[b*length*stepDim:(b+1)*length*stepDim],
		src[start*stepDim:(start+length)*stepDim])
}
