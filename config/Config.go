// Package config implements a lockable, nested configuration document.
//
// A Config is a tree of sections and values, usually parsed from JSON.
// While unlocked, new keys may be created freely. Once locked, any
// write, as well as any read of a key that does not exist, fails
// loudly. A silently defaulted hyperparameter can corrupt a training
// run that takes days to finish, so missing keys are always an error
// unless the caller asks about a section explicitly with HasSection.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Errors returned by Config accessors
var (
	ErrLocked     = errors.New("config: cannot mutate locked config")
	ErrUnknownKey = errors.New("config: unknown key")
	ErrWrongType  = errors.New("config: wrong value type")
)

// Config is a nested key/value document. The zero value is not usable;
// construct with New or FromJSON.
type Config struct {
	values map[string]interface{}
	locked bool
}

// New returns a new empty, unlocked Config
func New() *Config {
	return &Config{values: make(map[string]interface{})}
}

// FromJSON parses a Config from a JSON document
func FromJSON(data []byte) (*Config, error) {
	values := make(map[string]interface{})
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("fromJSON: could not parse config: %w", err)
	}
	return &Config{values: values}, nil
}

// FromFile parses a Config from a JSON file on disk
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fromFile: could not read %v: %w", path, err)
	}
	return FromJSON(data)
}

// Lock freezes the Config. After Lock, writes fail and reads of
// unknown keys fail.
func (c *Config) Lock() { c.locked = true }

// Locked reports whether the Config has been locked
func (c *Config) Locked() bool { return c.locked }

// Set sets the value at a dot-separated path, creating intermediate
// sections as needed. Fails if the Config is locked.
func (c *Config) Set(path string, value interface{}) error {
	if c.locked {
		return fmt.Errorf("set %q: %w", path, ErrLocked)
	}
	keys := strings.Split(path, ".")
	m := c.values
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k]
		if !ok {
			section := make(map[string]interface{})
			m[k] = section
			m = section
			continue
		}
		section, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("set %q: %v is a value, not a section", path, k)
		}
		m = section
	}
	m[keys[len(keys)-1]] = value
	return nil
}

// lookup walks the tree to the value at path
func (c *Config) lookup(path string) (interface{}, error) {
	keys := strings.Split(path, ".")
	var cur interface{} = c.values
	for _, k := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("get %q: %w", path, ErrUnknownKey)
		}
		cur, ok = m[k]
		if !ok {
			return nil, fmt.Errorf("get %q: %w", path, ErrUnknownKey)
		}
	}
	return cur, nil
}

// HasSection reports whether a section or value exists at path. This
// is the one sanctioned way to probe for optional config sections:
// callers may use a reduced schema that omits irrelevant sections
// entirely, and an absent section means "feature disabled", not an
// error.
func (c *Config) HasSection(path string) bool {
	_, err := c.lookup(path)
	return err == nil
}

// Bool returns the boolean at path
func (c *Config) Bool(path string) (bool, error) {
	v, err := c.lookup(path)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("get %q: %w: have %T, want bool", path,
			ErrWrongType, v)
	}
	return b, nil
}

// BoolOr returns the boolean at path, or def when the key is absent.
// A present key of the wrong type is still an error.
func (c *Config) BoolOr(path string, def bool) (bool, error) {
	if !c.HasSection(path) {
		return def, nil
	}
	return c.Bool(path)
}

// Float returns the float64 at path
func (c *Config) Float(path string) (float64, error) {
	v, err := c.lookup(path)
	if err != nil {
		return 0, err
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	}
	return 0, fmt.Errorf("get %q: %w: have %T, want float64", path,
		ErrWrongType, v)
}

// FloatOr returns the float64 at path, or def when the key is absent.
// A present key of the wrong type is still an error.
func (c *Config) FloatOr(path string, def float64) (float64, error) {
	if !c.HasSection(path) {
		return def, nil
	}
	return c.Float(path)
}

// Int returns the integer at path. JSON numbers parse as float64, so
// whole floats are accepted.
func (c *Config) Int(path string) (int, error) {
	v, err := c.lookup(path)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("get %q: %w: %v is not an integer", path,
				ErrWrongType, n)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("get %q: %w: have %T, want int", path, ErrWrongType, v)
}

// IntOr returns the integer at path, or def when the key is absent.
// A present key of the wrong type is still an error.
func (c *Config) IntOr(path string, def int) (int, error) {
	if !c.HasSection(path) {
		return def, nil
	}
	return c.Int(path)
}

// String returns the string at path
func (c *Config) String(path string) (string, error) {
	v, err := c.lookup(path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("get %q: %w: have %T, want string", path,
			ErrWrongType, v)
	}
	return s, nil
}

// StringOr returns the string at path, or def when the key is absent.
// A present key of the wrong type is still an error.
func (c *Config) StringOr(path, def string) (string, error) {
	if !c.HasSection(path) {
		return def, nil
	}
	return c.String(path)
}

// Floats returns the []float64 at path
func (c *Config) Floats(path string) ([]float64, error) {
	v, err := c.lookup(path)
	if err != nil {
		return nil, err
	}
	switch s := v.(type) {
	case []float64:
		return s, nil
	case []interface{}:
		out := make([]float64, len(s))
		for i, e := range s {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("get %q: %w: element %d is %T", path,
					ErrWrongType, i, e)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("get %q: %w: have %T, want []float64", path,
		ErrWrongType, v)
}

// Ints returns the []int at path
func (c *Config) Ints(path string) ([]int, error) {
	fs, err := c.Floats(path)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		if f != float64(int(f)) {
			return nil, fmt.Errorf("get %q: %w: %v is not an integer", path,
				ErrWrongType, f)
		}
		out[i] = int(f)
	}
	return out, nil
}

// FloatsOr returns the []float64 at path, or def when the key is
// absent. A present key of the wrong type is still an error.
func (c *Config) FloatsOr(path string, def []float64) ([]float64, error) {
	if !c.HasSection(path) {
		return def, nil
	}
	return c.Floats(path)
}

// IntsOr returns the []int at path, or def when the key is absent.
// A present key of the wrong type is still an error.
func (c *Config) IntsOr(path string, def []int) ([]int, error) {
	if !c.HasSection(path) {
		return def, nil
	}
	return c.Ints(path)
}

// Section returns the sub-Config rooted at path. The returned Config
// shares storage and lock state with the parent.
func (c *Config) Section(path string) (*Config, error) {
	v, err := c.lookup(path)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("get %q: %w: have %T, want section", path,
			ErrWrongType, v)
	}
	return &Config{values: m, locked: c.locked}, nil
}

// MarshalJSON implements the json.Marshaler interface
func (c *Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.values)
}

// Pretty renders the Config as indented JSON for logging
func (c *Config) Pretty() string {
	data, err := json.MarshalIndent(c.values, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config(unprintable: %v)", err)
	}
	return string(data)
}
