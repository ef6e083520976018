// Package connection holds the name-keyed factory registry that modules use
// to obtain independent instances of third-party service connections.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Connection is an open handle to a third-party service. Connect is called
// by the registry right after construction; Disconnect may never be called.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Factory builds a new, unconnected instance. cfg is the per-request
// configuration, global the registry-wide configuration for this connection.
type Factory func(cfg, global modconfig.Config) (Connection, error)

// Definition is a top-level connection entry in the definition document.
type Definition struct {
	Name         string           `json:"name"`
	Path         string           `json:"path,omitempty"`
	Scope        string           `json:"scope,omitempty"`
	GlobalConfig modconfig.Config `json:"config,omitempty"`
}

// Request is a module asking for one connection instance.
type Request struct {
	Name   string
	Config modconfig.Config
}

// Map holds a module's connection instances by name.
type Map map[string]Connection

// Names returns the connection names in sorted order.
func (m Map) Names() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DisconnectAll disconnects every instance, logging failures.
func (m Map) DisconnectAll(ctx context.Context, log logx.Logger) {
	for _, name := range m.Names() {
		c := m[name]
		if c == nil {
			continue
		}
		if err := safeCall(func() error { return c.Disconnect(ctx) }); err != nil {
			log.Warn("connection disconnect failed", logx.String("connection", name), logx.Err(err))
		}
	}
}

var ErrPathAndScope = errors.New("connection: path and scope are mutually exclusive")

// Key is the catalog key a definition resolves to.
func (d Definition) Key() (string, error) {
	switch {
	case d.Path != "" && d.Scope != "":
		return "", ErrPathAndScope
	case d.Scope != "":
		return d.Scope + "/" + d.Name, nil
	case d.Path != "":
		return d.Path + "/" + d.Name, nil
	default:
		return d.Name, nil
	}
}

// Base carries the fields most connections need.
type Base struct {
	name   string
	cfg    modconfig.Config
	global modconfig.Config
}

func NewBase(name string, cfg, global modconfig.Config) Base {
	return Base{name: name, cfg: cfg.Clone(), global: global.Clone()}
}

func (b Base) Name() string                   { return b.name }
func (b Base) Config() modconfig.Config       { return b.cfg }
func (b Base) GlobalConfig() modconfig.Config { return b.global }

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
