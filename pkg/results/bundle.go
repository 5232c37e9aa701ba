// Package results carries identifiers produced by one pipeline stage to the next.
package results

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	ErrDuplicateKey = errors.New("result key already written")
	ErrMissingKey   = errors.New("result key not found")
	ErrInvalidValue = errors.New("result value must be a string, bool or number")
)

// Store persists one flat document per stage.
type Store interface {
	Save(ctx context.Context, stage string, values map[string]any) error
	Load(ctx context.Context) (*Bundle, error)
}

// Bundle maps stage name to the values that stage produced. It is append-only:
// a key may be written once, by one stage.
type Bundle struct {
	stages map[string]map[string]any
	owner  map[string]string
}

func NewBundle() *Bundle {
	return &Bundle{stages: map[string]map[string]any{}, owner: map[string]string{}}
}

// Put records a value for stage. Writing a key any stage already wrote fails
// with ErrDuplicateKey.
func (b *Bundle) Put(stage, key string, value any) error {
	if !primitive(value) {
		return fmt.Errorf("%w: %s=%T", ErrInvalidValue, key, value)
	}
	if prev, ok := b.owner[key]; ok {
		return fmt.Errorf("%w: %q written by stage %q, rejected from %q", ErrDuplicateKey, key, prev, stage)
	}
	if b.stages[stage] == nil {
		b.stages[stage] = map[string]any{}
	}
	b.stages[stage][key] = value
	b.owner[key] = stage
	return nil
}

// Merge puts every value of a stage document, rejecting the whole document on
// the first conflict.
func (b *Bundle) Merge(stage string, values map[string]any) error {
	for _, k := range slices.Sorted(maps.Keys(values)) {
		if prev, ok := b.owner[k]; ok {
			return fmt.Errorf("%w: %q written by stage %q, rejected from %q", ErrDuplicateKey, k, prev, stage)
		}
		if !primitive(values[k]) {
			return fmt.Errorf("%w: %s=%T", ErrInvalidValue, k, values[k])
		}
	}
	for k, v := range values {
		if err := b.Put(stage, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bundle) Get(key string) (any, bool) {
	stage, ok := b.owner[key]
	if !ok {
		return nil, false
	}
	return b.stages[stage][key], true
}

func (b *Bundle) String(key string) (string, error) {
	v, ok := b.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("result %s is %T, not a string", key, v)
	}
	return s, nil
}

func (b *Bundle) Bool(key string) (bool, error) {
	v, ok := b.Get(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	bv, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("result %s is %T, not a bool", key, v)
	}
	return bv, nil
}

// Require returns the first missing key wrapped in ErrMissingKey.
func (b *Bundle) Require(keys ...string) error {
	for _, k := range keys {
		if _, ok := b.owner[k]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingKey, k)
		}
	}
	return nil
}

// Stage returns a copy of the values a stage produced.
func (b *Bundle) Stage(name string) map[string]any {
	return maps.Clone(b.stages[name])
}

// Stages returns the stage names present, sorted.
func (b *Bundle) Stages() []string {
	return slices.Sorted(maps.Keys(b.stages))
}

// Keys returns every key with the given prefix, sorted.
func (b *Bundle) Keys(prefix string) []string {
	var out []string
	for k := range b.owner {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func primitive(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float64:
		return true
	}
	return false
}
