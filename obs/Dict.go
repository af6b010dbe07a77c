// Package obs implements observation dictionaries: mappings from
// modality name to a dense numeric array. Keys are stable across an
// episode and shapes are validated once, up front, against a declared
// shape table.
package obs

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

// Dict maps a modality name to its array. Depending on context the
// arrays carry a leading batch axis and possibly a time axis; the
// shape table only declares the trailing per-step dims.
type Dict map[string]*tensor.Dense

// Shapes declares the trailing per-step dims for each modality
type Shapes map[string][]int

// Validate checks that every declared modality is present in d and
// that its trailing dims match the table. The leading argument gives
// how many leading axes (batch, time) precede the declared dims.
func (s Shapes) Validate(d Dict, leading int) error {
	for k, want := range s {
		t, ok := d[k]
		if !ok {
			return fmt.Errorf("validate: missing modality %q", k)
		}
		shape := t.Shape()
		if len(shape) != leading+len(want) {
			return fmt.Errorf("validate: modality %q has shape %v, want "+
				"%v leading axes plus %v", k, shape, leading, want)
		}
		for i, dim := range want {
			if shape[leading+i] != dim {
				return fmt.Errorf("validate: modality %q has shape %v, "+
					"want trailing dims %v", k, shape, want)
			}
		}
	}
	return nil
}

// Dim returns the flattened per-step dimension of modality k
func (s Shapes) Dim(k string) int {
	return tensorutils.Prod(s[k])
}

// TotalDim returns the flattened per-step dimension of all modalities
func (s Shapes) TotalDim() int {
	total := 0
	for k := range s {
		total += s.Dim(k)
	}
	return total
}

// Keys returns the modality names in sorted order. Networks rely on
// this ordering when concatenating modalities into a single input
// vector.
func (s Shapes) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Keys returns the modality names in sorted order
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the Dict. A nil Dict stays nil.
func (d Dict) Clone() Dict {
	if d == nil {
		return nil
	}
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = tensorutils.Clone(v)
	}
	return out
}

// BatchSize returns the leading dim shared by all modalities
func (d Dict) BatchSize() int {
	for _, v := range d {
		return v.Shape()[0]
	}
	return 0
}

// TimeSlice slices every [B, T, ...] modality down to [B, ...] at
// time index idx.
func (d Dict) TimeSlice(idx int) Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = tensorutils.TimeSlice(v, idx)
	}
	return out
}

// TimeWindow narrows every [B, T, ...] modality to its first h steps
func (d Dict) TimeWindow(h int) Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = tensorutils.TimeWindow(v, h)
	}
	return out
}

// RepeatFirst replaces every [B, T, ...] modality with its first
// timestep tiled n times, so the whole sequence sees only the starting
// observation.
func (d Dict) RepeatFirst(n int) Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = tensorutils.RepeatAcrossTime(tensorutils.TimeSlice(v, 0), n)
	}
	return out
}

// AddTimeAxis reshapes every [B, ...] modality to [B, 1, ...]
func (d Dict) AddTimeAxis() Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = tensorutils.AddTimeAxis(v)
	}
	return out
}
