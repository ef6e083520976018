package connection

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Catalog maps catalog keys ("name" or "scope/name") to factories.
// It is populated at build time instead of loading code dynamically.
type Catalog map[string]Factory

// Add registers a factory and panics on a duplicate key.
func (c Catalog) Add(key string, f Factory) {
	if _, exists := c[key]; exists {
		panic(fmt.Sprintf("connection factory %q already registered", key))
	}
	c[key] = f
}

type registered struct {
	def     Definition
	factory Factory
}

// Registry resolves connection definitions once and instantiates them on
// request. Registrations are expected during startup; reads are safe at any
// time.
type Registry struct {
	mu      sync.RWMutex
	catalog Catalog
	global  modconfig.Config
	defs    map[string]registered

	log            logx.Logger
	connectTimeout time.Duration
}

type Option func(*Registry)

func WithConnectTimeout(d time.Duration) Option {
	return func(r *Registry) { r.connectTimeout = d }
}

// NewRegistry creates a registry. global is merged beneath each definition's
// own global config and handed to every factory call.
func NewRegistry(catalog Catalog, global modconfig.Config, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if catalog == nil {
		catalog = Catalog{}
	}
	r := &Registry{
		catalog:        catalog,
		global:         global.Clone(),
		defs:           map[string]registered{},
		log:            log,
		connectTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register resolves def against the catalog. A later registration with the
// same name replaces the earlier one.
func (r *Registry) Register(def Definition) bool {
	key, err := def.Key()
	if err != nil {
		r.log.Error("invalid connection definition", logx.String("connection", def.Name), logx.Err(err))
		return false
	}
	f, ok := r.catalog[key]
	if !ok || f == nil {
		r.log.Warn("unable to find a connection implementation", logx.String("connection", def.Name), logx.String("key", key))
		return false
	}

	r.mu.Lock()
	_, replaced := r.defs[def.Name]
	r.defs[def.Name] = registered{def: def, factory: f}
	r.mu.Unlock()

	r.log.Info("loaded connection", logx.String("connection", def.Name), logx.String("key", key), logx.Bool("replaced", replaced))
	return true
}

// RegisterAll registers each definition in order and returns how many succeeded.
func (r *Registry) RegisterAll(defs []Definition) int {
	n := 0
	for _, d := range defs {
		if r.Register(d) {
			n++
		}
	}
	if len(defs) == 0 {
		r.log.Warn("no connections are configured")
	}
	return n
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Names lists registered connection names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for k := range r.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Instantiate builds and connects a fresh instance. Unknown names, factory
// errors and connect failures are logged and reported as (nil, false).
func (r *Registry) Instantiate(ctx context.Context, name string, cfg modconfig.Config) (Connection, bool) {
	r.mu.RLock()
	reg, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("unable to find a registered connection", logx.String("connection", name))
		return nil, false
	}

	global := modconfig.Merge(r.global, reg.def.GlobalConfig)

	var conn Connection
	err := r.safeCall("connection.factory."+name, func() error {
		c, err := reg.factory(cfg.Clone(), global)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("factory returned no connection")
		}
		conn = c
		return nil
	})
	if err != nil {
		r.log.Error("connection construction failed", logx.String("connection", name), logx.Err(err))
		return nil, false
	}

	cctx := ctx
	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := r.safeCall("connection.connect."+name, func() error { return conn.Connect(cctx) }); err != nil {
		r.log.Error("connection connect failed", logx.String("connection", name), logx.Err(err))
		return nil, false
	}
	r.log.Debug("connection established", logx.String("connection", name), logx.Duration("took", time.Since(start)))
	return conn, true
}

// InstantiateAll fulfils a module's requests. Duplicate names are logged and
// skipped so the first request wins; failed requests are left out of the map.
func (r *Registry) InstantiateAll(ctx context.Context, reqs []Request) Map {
	out := Map{}
	for _, req := range reqs {
		if _, dup := out[req.Name]; dup {
			r.log.Warn("connection requested more than once; skipping", logx.String("connection", req.Name))
			continue
		}
		if c, ok := r.Instantiate(ctx, req.Name, req.Config); ok {
			out[req.Name] = c
		}
	}
	return out
}

func (r *Registry) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in connection call",
				logx.String("call", label),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, rec)
		}
	}()
	return fn()
}
