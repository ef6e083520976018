package module

import "fmt"

// Factory builds a fresh module instance.
type Factory func() Module

// Catalog maps catalog keys to module factories. Keys follow the definition
// document: "name", "path/name" or "scope/name".
type Catalog map[string]Factory

// Add registers a factory and panics on a duplicate key.
func (c Catalog) Add(key string, f Factory) {
	if _, exists := c[key]; exists {
		panic(fmt.Sprintf("module factory %q already registered", key))
	}
	c[key] = f
}

// Key is the catalog key for a declared module.
func Key(name, path, scope string) (string, error) {
	switch {
	case path != "" && scope != "":
		return "", fmt.Errorf("module %s: path and scope are mutually exclusive", name)
	case scope != "":
		return scope + "/" + name, nil
	case path != "":
		return path + "/" + name, nil
	default:
		return name, nil
	}
}
