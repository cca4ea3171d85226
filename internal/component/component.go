// Package component defines the surface shared by the pipeline-facing
// adapters: the warm-up/run lifecycle, the serialized configuration record
// and the error taxonomy.
package component

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
)

var (
	// ErrNotWarmedUp is returned when a component runs before WarmUp.
	ErrNotWarmedUp = errors.New("component has not been warmed up")

	// ErrInvalidInput is returned when a run input has the wrong shape.
	ErrInvalidInput = errors.New("invalid component input")

	// ErrTypeMismatch is returned when Data for one component type is
	// decoded as another.
	ErrTypeMismatch = errors.New("component type mismatch")

	// ErrInvalidParameter is returned when an init parameter has the wrong type.
	ErrInvalidParameter = errors.New("invalid init parameter")
)

// Component is a pipeline step. WarmUp must succeed before Invoke is called;
// calling WarmUp again is a no-op.
type Component interface {
	WarmUp() error
	Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error)
	ToData() Data
}

// Data is the serialized configuration of a component. It never carries
// runtime state such as a constructed backend.
type Data struct {
	Type           string         `toml:"type" yaml:"type" json:"type" validate:"required"`
	InitParameters map[string]any `toml:"init_parameters" yaml:"init_parameters" json:"init_parameters"`
}

// Expect fails with ErrTypeMismatch unless d describes a component of type typ.
func (d Data) Expect(typ string) error {
	if d.Type != typ {
		return fmt.Errorf("%w: got %q, want %q", ErrTypeMismatch, d.Type, typ)
	}
	return nil
}

func (d Data) lookup(key string) (any, bool) {
	v, ok := d.InitParameters[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String returns the string parameter key, or def when it is absent.
func (d Data) String(key, def string) (string, error) {
	v, ok := d.lookup(key)
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidParameter, key, v)
	}
	return s, nil
}

// OptionalString returns the string parameter key and whether it was set.
func (d Data) OptionalString(key string) (string, bool, error) {
	if _, ok := d.lookup(key); !ok {
		return "", false, nil
	}
	s, err := d.String(key, "")
	return s, err == nil, err
}

// Int returns the integer parameter key, or def when it is absent. Decoders
// disagree on number types, so int64 and integral float64 are accepted too.
func (d Data) Int(key string, def int) (int, error) {
	v, ok := d.lookup(key)
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidParameter, key, v)
}

// Bool returns the boolean parameter key, or def when it is absent.
func (d Data) Bool(key string, def bool) (bool, error) {
	v, ok := d.lookup(key)
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidParameter, key, v)
	}
	return b, nil
}

// Strings returns the string list parameter key, or nil when it is absent.
func (d Data) Strings(key string) ([]string, error) {
	v, ok := d.lookup(key)
	if !ok {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] must be a string, got %T", ErrInvalidParameter, key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings, got %T", ErrInvalidParameter, key, v)
	}
}

// Map returns a copy of the mapping parameter key, or nil when it is absent.
func (d Data) Map(key string) (map[string]any, error) {
	v, ok := d.lookup(key)
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a mapping, got %T", ErrInvalidParameter, key, v)
	}
	return maps.Clone(m), nil
}
