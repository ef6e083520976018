package module

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/eventbus"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/routes"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Deps are the collaborators a Manager drives modules with.
type Deps struct {
	Catalog     Catalog
	Connections *connection.Registry
	Scheduler   *job.Scheduler
	Router      *mux.Router        // module routes mount beneath it
	Gate        mux.MiddlewareFunc // wraps protected routes; nil leaves them open
	Bus         eventbus.Bus
	Log         logx.Logger

	// Lookup reads secret-sourced config values; nil uses the process
	// environment.
	Lookup modconfig.LookupFunc

	// JobOptions are handed to every module for the jobs it builds.
	JobOptions []job.Option
}

// Manager loads modules and keeps the running-modules table.
type Manager struct {
	deps     Deps
	log      logx.Logger
	resolver modconfig.Resolver

	mu      sync.RWMutex
	running []*Active
	byName  map[string]*Active
}

func NewManager(d Deps) *Manager {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Router == nil {
		d.Router = mux.NewRouter()
	}
	if d.Catalog == nil {
		d.Catalog = Catalog{}
	}
	return &Manager{
		deps:     d,
		log:      d.Log,
		resolver: modconfig.Resolver{Lookup: d.Lookup},
		byName:   map[string]*Active{},
	}
}

// Load registers the definition's connections and then loads every declared
// module in name order. Failures are isolated per module. It returns the
// number of modules in the running table afterwards.
func (m *Manager) Load(ctx context.Context, def *config.Definition) int {
	if def == nil {
		return 0
	}
	if m.deps.Connections != nil {
		m.deps.Connections.RegisterAll(def.Connections)
	}

	names := make([]string, 0, len(def.Modules))
	for name := range def.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	env := Env{Root: def.Root(), Global: def.Global.Clone(), Log: m.log, JobOptions: m.deps.JobOptions}
	for _, name := range names {
		m.loadOne(ctx, name, def.Modules[name], env)
	}
	return len(m.Running())
}

func (m *Manager) loadOne(ctx context.Context, name string, md config.ModuleDefinition, env Env) {
	start := time.Now()
	log := m.log.With(logx.Module(name))

	mod, err := m.resolve(name, md)
	if err != nil {
		log.Warn("skipping module", logx.Err(err))
		m.emit(eventbus.ModuleSkipped, name, map[string]any{"err": err.Error()})
		return
	}
	if n := mod.Name(); n != "" && n != name {
		log.Warn("module reports a different name; using the definition key", logx.String("reported", n))
	}
	if _, dup := m.Get(name); dup {
		log.Warn("module already loaded; skipping duplicate")
		m.emit(eventbus.ModuleSkipped, name, map[string]any{"err": "duplicate"})
		return
	}
	if b, ok := mod.(binder); ok {
		b.bind(env)
	}

	// Config: nothing is mounted until it resolves.
	resolved, err := m.loadConfig(name, mod, md.Config)
	if err != nil {
		m.fail(log, name, "config", err)
		return
	}

	a := &Active{Name: name, Module: mod, Config: resolved, Connections: connection.Map{}}

	var rs []routes.Route
	if err := m.call(name, "routes", func() error {
		var err error
		rs, err = mod.LoadRoutes(resolved.Values)
		return err
	}); err != nil {
		m.fail(log, name, "routes", err)
		return
	}
	mounted, err := routes.Mount(m.deps.Router, routes.ModulePath(env.Root, name), rs, m.deps.Gate)
	if err != nil {
		m.fail(log, name, "routes", err)
		return
	}
	a.mounted = mounted
	a.Router = mounted.Router

	if len(md.Jobs) > 0 {
		if err := m.loadJobs(a, md.Jobs); err != nil {
			m.teardown(ctx, a)
			m.fail(log, name, "jobs", err)
			return
		}
	}

	var reqs []connection.Request
	if err := m.call(name, "connections", func() error {
		var err error
		reqs, err = mod.LoadConnections(resolved.Values, a.Router)
		return err
	}); err != nil {
		m.teardown(ctx, a)
		m.fail(log, name, "connections", err)
		return
	}
	if m.deps.Connections != nil && len(reqs) > 0 {
		a.Connections = m.deps.Connections.InstantiateAll(ctx, reqs)
	}
	for _, r := range reqs {
		if _, ok := a.Connections[r.Name]; !ok {
			m.emit(eventbus.ConnectionMissing, name, map[string]any{"connection": r.Name})
		}
	}

	if b, ok := mod.(binder); ok {
		b.setActive(a)
	}
	m.publish(a)

	if err := m.call(name, "initialize", func() error { return mod.Initialize(ctx, a) }); err != nil {
		m.withdraw(ctx, a)
		m.fail(log, name, "initialize", err)
		return
	}
	if err := m.call(name, "validate", func() error { return mod.Validate(ctx, a) }); err != nil {
		m.withdraw(ctx, a)
		log.Error("module validation failed; module removed", logx.Err(err))
		m.emit(eventbus.ModuleInvalid, name, map[string]any{"err": err.Error()})
		return
	}

	log.Info("loaded module",
		logx.String("root", a.RootPath()),
		logx.Int("routes", len(rs)),
		logx.Int("jobs", len(a.Jobs)),
		logx.Int("connections", len(a.Connections)),
		logx.Duration("took", time.Since(start)),
	)
	m.emit(eventbus.ModuleLoaded, name, map[string]any{
		"jobs":        len(a.Jobs),
		"connections": a.Connections.Names(),
		"took_ms":     time.Since(start).Milliseconds(),
	})
}

func (m *Manager) resolve(name string, md config.ModuleDefinition) (Module, error) {
	key, err := Key(name, md.Path, md.Scope)
	if err != nil {
		return nil, err
	}
	f, ok := m.deps.Catalog[key]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: unable to find a module using the id %q", ErrNotFound, key)
	}
	var mod Module
	if err := m.call(name, "factory", func() error {
		mod = f()
		if mod == nil {
			return errors.New("factory returned no module")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return mod, nil
}

func (m *Manager) loadConfig(name string, mod Module, overrides modconfig.Config) (modconfig.Resolved, error) {
	var defaults modconfig.Config
	if err := m.call(name, "defaults", func() error {
		defaults = modconfig.Parse(mod.DefaultConfig())
		return nil
	}); err != nil {
		return modconfig.Resolved{}, err
	}
	resolved, err := m.resolver.Resolve(name, defaults, overrides)
	if err != nil {
		return modconfig.Resolved{}, err
	}

	var values modconfig.Config
	if err := m.call(name, "config", func() error {
		var err error
		values, err = mod.LoadConfig(resolved.Values)
		return err
	}); err != nil {
		return modconfig.Resolved{}, err
	}
	if values == nil {
		values = modconfig.Config{}
	}
	out := modconfig.Resolved{Values: values}
	for _, p := range resolved.Secrets {
		if _, ok := modconfig.GetPath(values, p...); ok {
			out.Secrets = append(out.Secrets, p)
		}
	}
	return out, nil
}

func (m *Manager) loadJobs(a *Active, defs []job.Definition) error {
	var jobs []*job.Job
	if err := m.call(a.Name, "jobs", func() error {
		var err error
		jobs, err = a.Module.LoadJobs(defs)
		return err
	}); err != nil {
		return err
	}
	for _, j := range jobs {
		if j == nil {
			m.log.Warn("module returned an empty job; ignoring", logx.Module(a.Name))
			continue
		}
		a.Jobs = append(a.Jobs, j)
		if j.HasSchedule() && m.deps.Scheduler != nil {
			if err := m.deps.Scheduler.Add(j); err != nil {
				return fmt.Errorf("schedule %s: %w", j.Name(), err)
			}
		}
	}
	return nil
}

func (m *Manager) publish(a *Active) {
	m.mu.Lock()
	m.running = append(m.running, a)
	m.byName[a.Name] = a
	m.mu.Unlock()
}

// withdraw removes a published module from the table and tears it down.
func (m *Manager) withdraw(ctx context.Context, a *Active) {
	m.mu.Lock()
	delete(m.byName, a.Name)
	for i, r := range m.running {
		if r == a {
			m.running = append(m.running[:i:i], m.running[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if b, ok := a.Module.(binder); ok {
		b.setActive(nil)
	}
	m.teardown(ctx, a)
}

// teardown unmounts routes, unschedules jobs and disconnects connections.
func (m *Manager) teardown(ctx context.Context, a *Active) {
	if a.mounted != nil {
		a.mounted.Disable()
	}
	if m.deps.Scheduler != nil {
		for _, j := range a.Jobs {
			m.deps.Scheduler.Remove(j)
		}
	}
	a.Connections.DisconnectAll(ctx, m.log.With(logx.Module(a.Name)))
}

func (m *Manager) fail(log logx.Logger, name, stage string, err error) {
	herr := &HookError{Module: name, Stage: stage, Err: err}
	log.Error("module failed to load", logx.String("stage", stage), logx.Err(err))
	m.emit(eventbus.ModuleFailed, name, map[string]any{"stage": stage, "err": herr.Error()})
}

func (m *Manager) emit(typ, name string, data map[string]any) {
	m.deps.Bus.Publish(eventbus.Event{Type: typ, Module: name, Data: data})
}

// Running returns the published modules in load order.
func (m *Manager) Running() []*Active {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Active(nil), m.running...)
}

// Get finds a running module by name.
func (m *Manager) Get(name string) (*Active, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byName[name]
	return a, ok
}

// RunOnce builds an ephemeral, unscheduled job of type jobType and runs it
// synchronously. The returned bool is the run's success.
func (m *Manager) RunOnce(ctx context.Context, moduleName, jobType string, opts job.Options) (*job.Job, bool, error) {
	a, ok := m.Get(moduleName)
	if !ok {
		return nil, false, ErrNotFound
	}
	if jt, ok := a.Module.(JobTyper); ok && len(jt.JobTypes()) == 0 {
		return nil, false, ErrNoJobTypes
	}
	if opts == nil {
		opts = job.Options{}
	}

	var jobs []*job.Job
	if err := m.call(moduleName, "jobs", func() error {
		var err error
		jobs, err = a.Module.LoadJobs([]job.Definition{{Type: jobType, Options: opts}})
		return err
	}); err != nil {
		return nil, false, err
	}
	if len(jobs) == 0 || jobs[0] == nil {
		return nil, false, fmt.Errorf("%w: %q", job.ErrUnknownType, jobType)
	}
	j := jobs[0]
	return j, j.Run(ctx), nil
}

// Stop disconnects every running module's connections.
func (m *Manager) Stop(ctx context.Context) {
	for _, a := range m.Running() {
		a.Connections.DisconnectAll(ctx, m.log.With(logx.Module(a.Name)))
	}
}

func (m *Manager) call(name, stage string, fn func() error) (err error) {
	label := "module." + stage + "." + name
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in module call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = &PanicError{Call: label, Value: r}
		}
	}()
	return fn()
}
