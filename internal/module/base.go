package module

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/mux"

	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/routes"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Base provides default hook implementations and access to the module's
// running state. Embed it by pointer:
//
//	type Module struct{ *module.Base }
//
//	func New() module.Module {
//		m := &Module{Base: module.NewBase("example")}
//		m.AddJobType("sync", syncJob{m})
//		return m
//	}
type Base struct {
	name string

	mu       sync.RWMutex
	env      Env
	log      logx.Logger
	rules    modconfig.Groups
	jobTypes map[string]job.Behavior
	active   *Active
}

func NewBase(name string) *Base {
	return &Base{name: name, log: logx.Nop(), jobTypes: map[string]job.Behavior{}}
}

func (b *Base) Name() string { return b.name }

func (b *Base) DefaultConfig() modconfig.Config { return modconfig.Config{} }

// SetRules installs config rules checked by the default LoadConfig.
func (b *Base) SetRules(groups modconfig.Groups) {
	b.mu.Lock()
	b.rules = groups
	b.mu.Unlock()
}

// LoadConfig applies the module's config rules. Any error-level violation
// rejects the configuration.
func (b *Base) LoadConfig(cfg modconfig.Config) (modconfig.Config, error) {
	b.mu.RLock()
	rules := b.rules
	log := b.log
	b.mu.RUnlock()
	if len(rules) == 0 {
		return cfg, nil
	}
	if n := modconfig.Check(cfg, rules, log); n > 0 {
		return nil, fmt.Errorf("config has %d error(s)", n)
	}
	return cfg, nil
}

func (b *Base) LoadRoutes(modconfig.Config) ([]routes.Route, error) { return nil, nil }

// LoadJobs builds every definition with NewJob.
func (b *Base) LoadJobs(defs []job.Definition) ([]*job.Job, error) {
	out := make([]*job.Job, 0, len(defs))
	for _, d := range defs {
		j, err := b.NewJob(d)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (b *Base) LoadConnections(modconfig.Config, *mux.Router) ([]connection.Request, error) {
	return nil, nil
}

func (b *Base) Initialize(context.Context, *Active) error { return nil }

func (b *Base) Validate(context.Context, *Active) error { return nil }

// AddJobType registers the behavior used for definitions of type typ.
func (b *Base) AddJobType(typ string, beh job.Behavior) {
	b.mu.Lock()
	b.jobTypes[typ] = beh
	b.mu.Unlock()
}

// JobTypes lists the registered job types.
func (b *Base) JobTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.jobTypes))
	for t := range b.jobTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NewJob builds a job from a registered type, tagged with the module name.
func (b *Base) NewJob(def job.Definition) (*job.Job, error) {
	b.mu.RLock()
	beh, ok := b.jobTypes[def.Type]
	env := b.env
	log := b.log
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", job.ErrUnknownType, def.Type)
	}
	opts := append([]job.Option{
		job.WithModule(b.name),
		job.WithLogger(log.With(logx.Job(def.Type))),
	}, env.JobOptions...)
	return job.New(def.Type, def, beh, opts...)
}

// Log is the module-scoped logger.
func (b *Base) Log() logx.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.log
}

// GlobalConfig is the host-wide configuration from the definition document.
func (b *Base) GlobalConfig() modconfig.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.env.Global
}

// RootPath is where the module's routes are mounted.
func (b *Base) RootPath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return routes.ModulePath(b.env.Root, b.name)
}

// Active returns the running state, or nil before publication.
func (b *Base) Active() *Active {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Config returns the resolved configuration values.
func (b *Base) Config() modconfig.Config {
	if a := b.Active(); a != nil {
		return a.Config.Values
	}
	return nil
}

// Connection returns one of the module's connection instances.
func (b *Base) Connection(name string) (connection.Connection, bool) {
	return b.Active().Connection(name)
}

// Jobs returns the jobs built from the definition document.
func (b *Base) Jobs() []*job.Job {
	if a := b.Active(); a != nil {
		return a.Jobs
	}
	return nil
}

// Router returns the module's router.
func (b *Base) Router() *mux.Router {
	if a := b.Active(); a != nil {
		return a.Router
	}
	return nil
}

func (b *Base) bind(env Env) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.env = env
	log := env.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	b.log = log.With(logx.Module(b.name))
}

func (b *Base) setActive(a *Active) {
	b.mu.Lock()
	b.active = a
	b.mu.Unlock()
}

// binder is implemented by modules embedding *Base.
type binder interface {
	bind(env Env)
	setActive(a *Active)
}
