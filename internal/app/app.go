package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"

	"github.com/NexusSwitchboard/nexus-core/internal/api"
	"github.com/NexusSwitchboard/nexus-core/internal/auth"
	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/eventbus"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/metrics"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/module"
	"github.com/NexusSwitchboard/nexus-core/internal/routes"
	"github.com/NexusSwitchboard/nexus-core/internal/runtime/supervisor"
	"github.com/NexusSwitchboard/nexus-core/internal/storage"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// AdminScope is required on every token that reaches the control API.
const AdminScope = "admin"

// Options are the build-time inputs of the host.
type Options struct {
	Modules     module.Catalog
	Connections connection.Catalog
	Version     api.VersionInfo

	// Watch lists the definition files to observe for changes. Empty
	// disables the watcher.
	Watch []string

	// LogOutput replaces stdout as the console sink.
	LogOutput io.Writer

	// Lookup reads secret-sourced module config; nil uses the environment.
	Lookup modconfig.LookupFunc
}

type App struct {
	def  *config.Definition
	opts Options

	log     logx.Logger
	logs    *logx.Service
	logging config.LoggingConfig
	bus     eventbus.Bus
	store   storage.Store
	mets    *metrics.Metrics
	sched   *job.Scheduler
	mods    *module.Manager
	cfgm    *config.Manager

	handler http.Handler
	http    *httpServer
	sup     *supervisor.Supervisor

	stopOnce sync.Once
}

// New builds every component and loads the declared modules. Module
// failures are isolated and logged; only host-level misconfiguration
// returns an error.
func New(ctx context.Context, def *config.Definition, opts Options) (*App, error) {
	if def == nil {
		return nil, config.ErrNoDefinition
	}
	var (
		logs *logx.Service
		log  logx.Logger
	)
	if opts.LogOutput != nil {
		logs, log = logx.NewWithWriter(mapLoggingConfig(def.Server.Logging), opts.LogOutput)
	} else {
		logs, log = logx.New(mapLoggingConfig(def.Server.Logging))
	}
	a := &App{
		def:  def,
		opts: opts,
		log:  log.Component("app"),
		logs: logs,
		bus:  eventbus.New(),

		logging: def.Server.Logging,
	}

	fail := func(err error) (*App, error) {
		a.closeStorage()
		_ = logs.Close()
		return nil, err
	}

	stCfg, err := mapStorageConfig(def.Server.Storage)
	if err != nil {
		return fail(err)
	}
	if a.store, err = storage.Open(stCfg, log.Component("storage")); err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}

	gate, err := auth.New(def.Server.Authentication, log.Component("auth"))
	if err != nil {
		return fail(err)
	}

	var recorders job.Recorders
	if def.Server.Metrics.IsEnabled() {
		a.mets = metrics.New()
		recorders = append(recorders, a.mets)
	}
	if a.store != nil {
		recorders = append(recorders, storage.NewRecorder(a.store, log.Component("storage")))
	}

	a.sched = job.NewScheduler(def.Server.Scheduler.Timezone, log.Component("scheduler"))

	router := mux.NewRouter()
	a.mods = module.NewManager(module.Deps{
		Catalog:     opts.Modules,
		Connections: connection.NewRegistry(opts.Connections, def.Global, log.Component("connections")),
		Scheduler:   a.sched,
		Router:      router,
		Gate:        gate.Middleware,
		Bus:         a.bus,
		Log:         log.Component("modules"),
		Lookup:      opts.Lookup,
		JobOptions:  []job.Option{job.WithRecorder(recorders)},
	})

	a.mountHost(router, gate)
	n := a.mods.Load(ctx, def)
	a.mets.SetModulesActive(n)

	var h http.Handler = router
	if a.mets != nil {
		h = a.mets.Instrument(h)
	}
	a.handler = h
	a.http = newHTTPServer(def.ListenAddr(), h, def.Server.HTTP, log.Component("http"))

	a.log.Info("host ready",
		logx.String("root", def.Root()),
		logx.Int("modules", n),
		logx.Int("declared", len(def.Modules)),
		logx.Bool("auth", !gate.Disabled()),
		logx.String("storage", stCfg.Driver),
	)
	return a, nil
}

func (a *App) mountHost(router *mux.Router, gate *auth.Gate) {
	router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	if a.mets != nil {
		p := strings.TrimSpace(a.def.Server.Metrics.Path)
		if p == "" {
			p = "/metrics"
		}
		router.Handle(routes.Join(p), a.mets.Handler()).Methods(http.MethodGet)
	}

	apiRouter := router.PathPrefix(routes.Join(a.def.Root(), "api")).Subrouter()
	apiRouter.Use(gate.RequireScope(AdminScope))
	api.New(api.Deps{
		Modules: a.mods,
		Store:   a.store,
		Limiter: api.NewLimiter(a.def.Server.RateLimit.TriggersPerSec, a.def.Server.RateLimit.Burst),
		Version: a.opts.Version,
		Log:     a.log.Component("api"),
	}).Register(apiRouter)

	if a.def.Server.Debug.Pprof {
		prefix := routes.Join(a.def.Root(), "debug", "pprof")
		dbg := router.PathPrefix(prefix).Subrouter()
		dbg.Use(gate.RequireScope(AdminScope))
		mountPprof(dbg, prefix)
	}
}

type healthResponse struct {
	Status     string              `json:"status"`
	Modules    []string            `json:"modules"`
	Scheduled  int                 `json:"scheduled"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Scheduled: a.sched.Len()}
	for _, m := range a.mods.Running() {
		resp.Modules = append(resp.Modules, m.Name)
	}
	status := http.StatusOK
	if a.sup != nil {
		resp.Supervisor = a.sup.Snapshot()
		if a.sup.Err() != nil {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Handler is the full host router, for in-process use and tests.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Modules() *module.Manager { return a.mods }

func (a *App) Log() logx.Logger { return a.log }

// Addr is the bound listener address after Start.
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the listener and starts the background goroutines and the
// job scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.http.listen(); err != nil {
		return fmt.Errorf("http listen %s: %w", a.http.addr, err)
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.Component("supervisor")),
		supervisor.WithCancelOnError(true),
	)

	a.sup.GoRestart("http.serve", a.http.serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5),
	)
	a.sup.Go0("eventbus.log", a.logEvents)

	if len(a.opts.Watch) > 0 {
		a.cfgm = config.NewManager(a.opts.Watch)
		a.cfgm.SetLogger(a.log.Component("config"))
		a.cfgm.Commit(a.def, a.opts.Watch)
		updates := a.cfgm.Subscribe(1)
		a.sup.Go0("config.changes", func(c context.Context) {
			defer a.cfgm.Unsubscribe(updates)
			for {
				select {
				case <-c.Done():
					return
				case def, ok := <-updates:
					if !ok {
						return
					}
					a.definitionChanged(def)
				}
			}
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
	}

	a.sched.Start()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

// definitionChanged applies what can change while running, which is only
// logging, and announces the rest.
func (a *App) definitionChanged(def *config.Definition) {
	next := def.Server.Logging
	if !reflect.DeepEqual(a.logging, next) {
		a.logs.Apply(mapLoggingConfig(next))
		a.logging = next
		a.log.Info("logging reconfigured", logx.String("level", next.Level))
	}
	sections, _ := config.SummarizeChange(a.def, def)
	a.bus.Publish(eventbus.Event{
		Type: eventbus.DefinitionChanged,
		Data: map[string]any{"sections": sections},
	})
}

func (a *App) logEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.log.Component("events")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			if e.Module != "" {
				fields = append(fields, logx.Module(e.Module))
			}
			if len(e.Data) > 0 {
				fields = append(fields, logx.Any("data", e.Data))
			}
			log.Debug("event", fields...)
		}
	}
}

// Stop shuts the host down in order: listener, scheduler, modules and
// connections, storage, supervised goroutines. Each step is bounded so one
// component cannot stall the rest. Safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	httpMax := config.DurationOr(a.def.Server.HTTP.ShutdownTimeout, 5*time.Second)
	if a.sup != nil {
		a.step(ctx, "http", httpMax, a.http.shutdown)
	}
	a.step(ctx, "scheduler", 5*time.Second, a.sched.Stop)
	a.step(ctx, "modules", 5*time.Second, func(c context.Context) error {
		a.mods.Stop(c)
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStorage() })
	if a.sup != nil {
		a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
			err := a.sup.Stop(c)
			if errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		})
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
}

// step runs fn with an upper bound that never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeStorage() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
