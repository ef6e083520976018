// Package modconfig resolves module configuration: defaults merged with
// definition overrides, environment-sourced values substituted, and the
// secret-sourced key list recorded for redaction.
package modconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Config is a module configuration tree. Leaves are the JSON scalar kinds,
// []any, or EnvRef before resolution.
type Config map[string]any

// EnvKind names the marker a value was declared with.
type EnvKind string

const (
	EnvSecret EnvKind = "__secret__"
	EnvVar    EnvKind = "__env__"
)

// EnvRef marks a value that must be read from the process environment.
// The variable name is derived from the module name and the key path.
type EnvRef struct {
	Kind EnvKind
}

func (r EnvRef) String() string { return string(r.Kind) }

func (r EnvRef) MarshalJSON() ([]byte, error) { return json.Marshal(string(r.Kind)) }

// Secret is the EnvRef used for secret values.
func Secret() EnvRef { return EnvRef{Kind: EnvSecret} }

// Env is the EnvRef used for plain environment values.
func Env() EnvRef { return EnvRef{Kind: EnvVar} }

func parseMarker(s string) (EnvRef, bool) {
	switch EnvKind(strings.TrimSpace(s)) {
	case EnvSecret:
		return EnvRef{Kind: EnvSecret}, true
	case EnvVar:
		return EnvRef{Kind: EnvVar}, true
	}
	return EnvRef{}, false
}

// Parse converts a decoded document into a Config, turning marker strings
// found as map values into EnvRef. Marker strings inside lists are kept as-is.
func Parse(raw map[string]any) Config {
	if raw == nil {
		return nil
	}
	out := make(Config, len(raw))
	for k, v := range raw {
		out[k] = parseValue(v)
	}
	return out
}

func parseValue(v any) any {
	switch x := v.(type) {
	case string:
		if ref, ok := parseMarker(x); ok {
			return ref
		}
		return x
	case Config:
		return Parse(x)
	case map[string]any:
		return Parse(x)
	case []any:
		return cloneValue(x)
	default:
		return v
	}
}

// UnmarshalJSON decodes a JSON object and parses markers at load time.
func (c *Config) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = Parse(raw)
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Config:
		return x.Clone()
	case map[string]any:
		return Config(x).Clone()
	case []any:
		cp := make([]any, len(x))
		for i := range x {
			cp[i] = cloneValue(x[i])
		}
		return cp
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

func asMap(v any) (Config, bool) {
	switch x := v.(type) {
	case Config:
		return x, true
	case map[string]any:
		return Config(x), true
	}
	return nil, false
}

// Get walks a dot-delimited key ("a.b.c") and returns the value at its end.
// A key stored with a literal dot is matched before the key is split.
func Get(c Config, key string) (any, bool) {
	if c == nil || key == "" {
		return nil, false
	}
	if v, ok := c[key]; ok {
		return v, true
	}
	return GetPath(c, strings.Split(key, ".")...)
}

// GetPath walks path segment by segment.
func GetPath(c Config, parts ...string) (any, bool) {
	if c == nil || len(parts) == 0 {
		return nil, false
	}
	cur := c
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := asMap(v)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// String returns the string at key, or "" when missing or not a string.
func (c Config) String(key string) string {
	v, ok := Get(c, key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Keys returns the top-level keys in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func set(c Config, path []string, v any) {
	cur := c
	for i, p := range path {
		if i == len(path)-1 {
			cur[p] = v
			return
		}
		next, ok := asMap(cur[p])
		if !ok {
			next = Config{}
			cur[p] = next
		}
		cur = next
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, uint, uint64, json.Number:
		return "number"
	case []any, []string:
		return "list"
	case Config, map[string]any:
		return "object"
	case EnvRef:
		return "env"
	default:
		return fmt.Sprintf("%T", v)
	}
}
