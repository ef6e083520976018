package config

import (
	"reflect"
	"sort"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Config values are never included, only names.
func SummarizeChange(oldDef, newDef *Definition) ([]string, []logx.Field) {
	if oldDef == nil {
		oldDef = &Definition{}
	}
	if newDef == nil {
		newDef = &Definition{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 8)

	if oldDef.Root() != newDef.Root() {
		changed = append(changed, "rootUri")
		attrs = append(attrs, logx.String("root_uri", newDef.Root()))
	}
	if !reflect.DeepEqual(oldDef.Global, newDef.Global) {
		changed = append(changed, "global")
	}
	if !reflect.DeepEqual(oldDef.Server, newDef.Server) {
		changed = append(changed, "server")
	}
	if !reflect.DeepEqual(oldDef.Connections, newDef.Connections) {
		changed = append(changed, "connections")
		attrs = append(attrs, logx.Int("connections", len(newDef.Connections)))
	}

	var added, removed, modified []string
	for name, nm := range newDef.Modules {
		om, ok := oldDef.Modules[name]
		switch {
		case !ok:
			added = append(added, name)
		case !reflect.DeepEqual(om, nm):
			modified = append(modified, name)
		}
	}
	for name := range oldDef.Modules {
		if _, ok := newDef.Modules[name]; !ok {
			removed = append(removed, name)
		}
	}
	if len(added)+len(removed)+len(modified) > 0 {
		changed = append(changed, "modules")
		sort.Strings(added)
		sort.Strings(removed)
		sort.Strings(modified)
		attrs = append(attrs,
			logx.Any("modules.added", added),
			logx.Any("modules.removed", removed),
			logx.Any("modules.modified", modified),
		)
	}
	return changed, attrs
}
