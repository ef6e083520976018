// Package module defines the contract host extensions implement and the
// manager that drives each declared module through its load lifecycle.
package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/mux"

	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/routes"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Module is a host extension. Hooks are called in the order they are
// declared, once per process. Embed *Base to inherit defaults.
type Module interface {
	Name() string

	// DefaultConfig is merged beneath the definition's overrides. String
	// values "__secret__" and "__env__" are read from the environment.
	DefaultConfig() modconfig.Config

	// LoadConfig receives the resolved configuration and may validate or
	// transform it. An error aborts the module.
	LoadConfig(cfg modconfig.Config) (modconfig.Config, error)

	LoadRoutes(cfg modconfig.Config) ([]routes.Route, error)

	// LoadJobs builds job instances for the given definitions. It is also
	// used for on-demand runs with a single unscheduled definition.
	LoadJobs(defs []job.Definition) ([]*job.Job, error)

	// LoadConnections lists the connection instances the module needs. The
	// router is the module's own and may be extended by connections.
	LoadConnections(cfg modconfig.Config, router *mux.Router) ([]connection.Request, error)

	// Initialize runs after the module is published.
	Initialize(ctx context.Context, a *Active) error

	// Validate runs last; an error withdraws the module.
	Validate(ctx context.Context, a *Active) error
}

// JobTyper exposes the job types a module can build.
type JobTyper interface {
	JobTypes() []string
}

// Active is the running state of a loaded module. It is built before
// publication and not modified afterwards.
type Active struct {
	Name        string
	Module      Module
	Config      modconfig.Resolved
	Router      *mux.Router
	Jobs        []*job.Job
	Connections connection.Map

	mounted *routes.Mounted
}

// RootPath is the URL prefix of the module's routes.
func (a *Active) RootPath() string {
	if a == nil || a.mounted == nil {
		return ""
	}
	return a.mounted.Prefix
}

// Connection returns the named connection instance.
func (a *Active) Connection(name string) (connection.Connection, bool) {
	if a == nil {
		return nil, false
	}
	c, ok := a.Connections[name]
	return c, ok && c != nil
}

// Env is what the host hands to a module before loading it.
type Env struct {
	Root   string
	Global modconfig.Config
	Log    logx.Logger

	// JobOptions are applied to every job built through Base.NewJob.
	JobOptions []job.Option
}

var (
	ErrNotFound   = errors.New("module not found")
	ErrNoJobTypes = errors.New("module does not define any job types")
)

// HookError reports a failed lifecycle hook.
type HookError struct {
	Module string
	Stage  string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("module %s: %s: %v", e.Module, e.Stage, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// PanicError reports a recovered panic in module code.
type PanicError struct {
	Call  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Call, e.Value)
}
