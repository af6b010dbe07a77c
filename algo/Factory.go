package algo

import (
	"fmt"
	"sort"

	"github.com/gomimic/gomimic/config"
)

// Creator constructs an algorithm from its configuration section and
// shape metadata. The seed drives all of the algorithm's randomness.
type Creator func(c *config.Config, spec Spec, seed uint64) (Algo, error)

// Registered algorithm creators. Each algorithm package registers its
// own creator from an init function to avoid circular imports.
var registry = make(map[string]Creator)

// Register registers a creator under an algorithm name. Registering
// the same name twice is a programming error.
func Register(name string, create Creator) {
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("algo: %q registered twice", name))
	}
	registry[name] = create
}

// Registered returns the registered algorithm names in sorted order
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create constructs the named algorithm from configuration
func Create(name string, c *config.Config, spec Spec, seed uint64) (Algo,
	error) {

	create, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("create: algorithm %q: %w", name,
			ErrNotSupported)
	}
	a, err := create(c, spec, seed)
	if err != nil {
		return nil, fmt.Errorf("create %v: %w", name, err)
	}
	return a, nil
}
