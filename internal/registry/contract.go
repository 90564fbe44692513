package registry

import (
	"fmt"
	"reflect"
	"sort"
)

// ParamKind is the semantic type of one keyword parameter.
type ParamKind string

const (
	KindString ParamKind = "string"
	KindInt    ParamKind = "int"
	KindFloat  ParamKind = "float"
	KindBool   ParamKind = "bool"
	KindList   ParamKind = "list"
	KindMap    ParamKind = "map"
)

// ParamSpec declares one keyword parameter of a capability contract.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool
	Default  any
}

// Contract is the capability contract of a function: the keyword parameters
// it accepts and its declared side-effect class.
type Contract struct {
	Params     []ParamSpec
	SideEffect SideEffect
}

// diff returns a human-readable description of the first mismatch between two
// contracts, or "" when they are identical.
func (c Contract) diff(other Contract) string {
	if c.SideEffect != other.SideEffect {
		return fmt.Sprintf("side-effect class %q vs %q", c.SideEffect, other.SideEffect)
	}
	if len(c.Params) != len(other.Params) {
		return fmt.Sprintf("%d parameters vs %d", len(c.Params), len(other.Params))
	}
	for i, p := range c.Params {
		q := other.Params[i]
		if p.Name != q.Name || p.Kind != q.Kind || p.Required != q.Required ||
			!reflect.DeepEqual(p.Default, q.Default) {
			return fmt.Sprintf("parameter %q (%s, required=%t, default=%v) vs %q (%s, required=%t, default=%v)",
				p.Name, p.Kind, p.Required, p.Default, q.Name, q.Kind, q.Required, q.Default)
		}
	}
	return ""
}

// param returns the spec for name, or nil.
func (c Contract) param(name string) *ParamSpec {
	for i := range c.Params {
		if c.Params[i].Name == name {
			return &c.Params[i]
		}
	}
	return nil
}

// ValidateKwargs checks supplied keyword arguments against the contract and
// returns the canonical kwarg map: required parameters present and
// type-compatible, optional defaults folded in. Unknown keys are rejected in
// strict mode and passed through as opaque config otherwise.
func (c Contract) ValidateKwargs(kwargs map[string]any, strict bool) (map[string]any, error) {
	out := make(map[string]any, len(kwargs)+len(c.Params))

	names := make([]string, 0, len(kwargs))
	for name := range kwargs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := kwargs[name]
		spec := c.param(name)
		if spec == nil {
			if strict {
				return nil, fmt.Errorf("unknown argument %q", name)
			}
			out[name] = value
			continue
		}
		coerced, err := coerce(value, spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[name] = coerced
	}

	for _, spec := range c.Params {
		if _, ok := out[spec.Name]; ok {
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("required argument %q is missing", spec.Name)
		}
		if spec.Default != nil {
			out[spec.Name] = spec.Default
		}
	}

	return out, nil
}

// coerce checks value against kind, normalizing the representations the YAML
// decoder produces (ints may arrive as int or float64, maps as map[string]any).
func coerce(value any, kind ParamKind) (any, error) {
	switch kind {
	case KindString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case KindInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
		}
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case KindBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case KindList:
		if l, ok := value.([]any); ok {
			return l, nil
		}
	case KindMap:
		if m, ok := value.(map[string]any); ok {
			return m, nil
		}
	default:
		return nil, fmt.Errorf("unknown parameter kind %q", kind)
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, value)
}
