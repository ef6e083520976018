package modconfig

import (
	"fmt"
	"os"
	"slices"
	"strings"
)

// Redacted replaces secret-sourced values when a config is exposed.
const Redacted = "*****"

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// Path is a key path into a Config, one segment per map level. Segments may
// contain dots.
type Path []string

// String joins the segments with dots. It is for display only.
func (p Path) String() string { return strings.Join(p, ".") }

// Resolved is a module configuration with every EnvRef substituted.
// Secrets lists the paths whose values came from the environment.
type Resolved struct {
	Values  Config
	Secrets []Path
}

// IsSecret reports whether the value at path was sourced from the environment.
func (r Resolved) IsSecret(path ...string) bool {
	for _, p := range r.Secrets {
		if slices.Equal([]string(p), path) {
			return true
		}
	}
	return false
}

// SecretKeys returns the secret paths in display form.
func (r Resolved) SecretKeys() []string {
	out := make([]string, len(r.Secrets))
	for i, p := range r.Secrets {
		out[i] = p.String()
	}
	return out
}

// MissingSecretError is returned when an environment-sourced value has no
// matching variable.
type MissingSecretError struct {
	Module string
	Key    string
	Env    string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("module %q: config key %q requires environment variable %s", e.Module, e.Key, e.Env)
}

// EnvName is the variable consulted for a key path of a module.
func EnvName(module string, path ...string) string {
	return strings.ToUpper(module) + "_" + strings.Join(path, "_")
}

// Resolver resolves configurations against an environment.
type Resolver struct {
	Lookup LookupFunc
}

// Resolve uses the process environment.
func Resolve(module string, defaults, overrides Config) (Resolved, error) {
	return Resolver{}.Resolve(module, defaults, overrides)
}

// Resolve merges overrides onto defaults and substitutes environment values.
// Inputs are never mutated; the result shares no maps or lists with them.
func (r Resolver) Resolve(module string, defaults, overrides Config) (Resolved, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	merged := Merge(defaults, overrides)
	out := Resolved{Values: merged}
	if err := resolveInto(module, merged, nil, lookup, &out.Secrets); err != nil {
		return Resolved{}, err
	}
	slices.SortFunc(out.Secrets, func(a, b Path) int { return slices.Compare(a, b) })
	return out, nil
}

func resolveInto(module string, c Config, prefix []string, lookup LookupFunc, secrets *[]Path) error {
	for _, k := range c.Keys() {
		path := append(append([]string(nil), prefix...), k)
		switch v := c[k].(type) {
		case EnvRef:
			name := EnvName(module, path...)
			val, ok := lookup(name)
			if !ok {
				return &MissingSecretError{Module: module, Key: strings.Join(path, "."), Env: name}
			}
			c[k] = val
			*secrets = append(*secrets, Path(path))
		default:
			if sub, ok := asMap(v); ok {
				if err := resolveInto(module, sub, path, lookup, secrets); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Merge deep-merges overrides onto defaults. Maps merge recursively; every
// other value, lists included, is replaced wholesale.
func Merge(defaults, overrides Config) Config {
	out := defaults.Clone()
	if out == nil {
		out = Config{}
	}
	mergeInto(out, overrides)
	return out
}

func mergeInto(dst, src Config) {
	for k, sv := range src {
		if sm, ok := asMap(sv); ok {
			if dm, ok := asMap(dst[k]); ok {
				mergeInto(dm, sm)
				dst[k] = dm
				continue
			}
		}
		dst[k] = cloneValue(sv)
	}
}

// Redact returns a copy of the resolved values with every secret-sourced
// value replaced by Redacted.
func Redact(r Resolved) Config {
	out := r.Values.Clone()
	if out == nil {
		out = Config{}
	}
	for _, p := range r.Secrets {
		if _, ok := GetPath(out, p...); ok {
			set(out, p, Redacted)
		}
	}
	return out
}
