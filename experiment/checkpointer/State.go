package checkpointer

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r1"

	"github.com/gomimic/gomimic/algo"
	"github.com/gomimic/gomimic/config"
)

// State is the gob-serializable training snapshot. Restoring rebuilds
// the same algorithm variant with the same network shapes from the
// embedded configuration document.
type State struct {
	AlgoName string
	Config   []byte // JSON algorithm configuration
	Spec     algo.Spec
	Seed     uint64
	Epoch    int

	// Networks maps network name to its parameter state dict
	Networks map[string]map[string][]float64

	// NormStats carries per-key observation normalization bounds as
	// [min, max] pairs, empty when the run used no observation
	// normalization.
	NormStats map[string][]float64
}

// Snapshot captures an algorithm's current parameters together with
// the observation normalization statistics the run used, if any.
func Snapshot(name string, conf *config.Config, spec algo.Spec,
	seed uint64, epoch int, a algo.Algo,
	normStats map[string][]float64) (*State, error) {

	raw, err := conf.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	state := &State{
		AlgoName:  name,
		Config:    raw,
		Spec:      spec,
		Seed:      seed,
		Epoch:     epoch,
		Networks:  make(map[string]map[string][]float64),
		NormStats: normStats,
	}
	for netName, net := range a.Networks() {
		state.Networks[netName] = net.StateDict()
	}
	return state, nil
}

// NormBounds converts the stored normalization statistics back into
// the per-key intervals an observation-normalizing wrapper takes, so
// a resumed run rescales observations exactly as the original did.
func (s *State) NormBounds() (map[string]r1.Interval, error) {
	if len(s.NormStats) == 0 {
		return nil, nil
	}
	out := make(map[string]r1.Interval, len(s.NormStats))
	for key, v := range s.NormStats {
		if len(v) != 2 {
			return nil, fmt.Errorf("normBounds: key %q carries %v "+
				"statistics, want [min, max]", key, len(v))
		}
		out[key] = r1.Interval{Min: v[0], Max: v[1]}
	}
	return out, nil
}

// Restore reconstructs the algorithm the state was snapshot from and
// loads its parameters.
func (s *State) Restore() (algo.Algo, error) {
	conf, err := config.FromJSON(s.Config)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	a, err := algo.Create(s.AlgoName, conf, s.Spec, s.Seed)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	for netName, dict := range s.Networks {
		net, ok := a.Networks()[netName]
		if !ok {
			return nil, fmt.Errorf("restore: algorithm has no network "+
				"%q", netName)
		}
		if err := net.LoadStateDict(dict); err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
	}
	return a, nil
}
