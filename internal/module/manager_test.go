package module

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/eventbus"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/routes"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

type testConn struct {
	connection.Base
	disconnected int
}

func (c *testConn) Connect(context.Context) error { return nil }

func (c *testConn) Disconnect(context.Context) error {
	c.disconnected++
	return nil
}

// testModule mirrors a minimal real module: defaults, one route, one job
// type and one requested connection.
type testModule struct {
	*Base
	validateErr error
	panicRoutes bool
	badMethod   bool
	order       *[]string
}

func newTestModule(name string) *testModule {
	m := &testModule{Base: NewBase(name)}
	m.AddJobType("testJob", job.BehaviorFunc(func(context.Context, job.Options) (bool, error) {
		_, ok := m.Connection("testConnection")
		return ok, nil
	}))
	m.AddJobType("failing", job.BehaviorFunc(func(context.Context, job.Options) (bool, error) {
		return false, errors.New("nope")
	}))
	return m
}

func (m *testModule) DefaultConfig() modconfig.Config {
	return modconfig.Config{"modConfig1": "modConfig1", "modConfig2": "modConfig2"}
}

func (m *testModule) LoadRoutes(modconfig.Config) ([]routes.Route, error) {
	if m.order != nil {
		*m.order = append(*m.order, m.Name())
	}
	if m.panicRoutes {
		panic("routes exploded")
	}
	method := http.MethodGet
	if m.badMethod {
		method = "TRACE"
	}
	return []routes.Route{{
		Method:    method,
		Path:      "/hello",
		Handler:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("hi")) }),
		Protected: routes.Open(),
	}}, nil
}

func (m *testModule) LoadConnections(modconfig.Config, *mux.Router) ([]connection.Request, error) {
	return []connection.Request{
		{Name: "testConnection", Config: modconfig.Config{"testConfig1": "testConfig1", "testConfig2": "testConfig2"}},
		{Name: "testConnection", Config: modconfig.Config{"dup": true}},
	}, nil
}

func (m *testModule) Validate(context.Context, *Active) error { return m.validateErr }

type harness struct {
	mgr    *Manager
	router *mux.Router
	sched  *job.Scheduler
	bus    eventbus.Bus
}

func newHarness(t *testing.T, cat Catalog, env map[string]string) *harness {
	t.Helper()
	ccat := connection.Catalog{}
	ccat.Add("testConnection", func(cfg, global modconfig.Config) (connection.Connection, error) {
		return &testConn{Base: connection.NewBase("testConnection", cfg, global)}, nil
	})
	h := &harness{
		router: mux.NewRouter(),
		sched:  job.NewScheduler("", logx.Nop()),
		bus:    eventbus.New(),
	}
	h.mgr = NewManager(Deps{
		Catalog:     cat,
		Connections: connection.NewRegistry(ccat, nil, logx.Nop()),
		Scheduler:   h.sched,
		Router:      h.router,
		Bus:         h.bus,
		Log:         logx.Nop(),
		Lookup: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	})
	return h
}

func testDefinition() *config.Definition {
	return &config.Definition{
		Connections: []connection.Definition{{Name: "testConnection"}},
		Modules: map[string]config.ModuleDefinition{
			"test": {
				Config: modconfig.Config{"modConfig1": "modConfig1-Override"},
				Jobs:   []job.Definition{{Type: "testJob", Options: job.Options{"jobConfig1": "jobConfig1"}}},
			},
		},
	}
}

func get(h http.Handler, target string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec.Code
}

func TestLoad_TestModule(t *testing.T) {
	t.Parallel()
	var mod *testModule
	cat := Catalog{}
	cat.Add("test", func() Module { mod = newTestModule("test"); return mod })
	h := newHarness(t, cat, nil)

	if n := h.mgr.Load(context.Background(), testDefinition()); n != 1 {
		t.Fatalf("expected 1 running module, got %d", n)
	}
	a, ok := h.mgr.Get("test")
	if !ok || a.Name != "test" {
		t.Fatalf("module not in running table")
	}

	if got := a.Config.Values.String("modConfig1"); got != "modConfig1-Override" {
		t.Fatalf("modConfig1 = %q", got)
	}
	if got := a.Config.Values.String("modConfig2"); got != "modConfig2" {
		t.Fatalf("modConfig2 = %q", got)
	}

	c, ok := mod.Connection("testConnection")
	if !ok {
		t.Fatalf("testConnection missing")
	}
	tc := c.(*testConn)
	if tc.Name() != "testConnection" || tc.Config().String("testConfig1") != "testConfig1" {
		t.Fatalf("unexpected connection %+v", tc)
	}
	if _, dup := tc.Config()["dup"]; dup {
		t.Fatalf("duplicate request should have been skipped")
	}

	if len(a.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(a.Jobs))
	}
	j := a.Jobs[0]
	if j.Name() != "testJob" || j.Status() != job.StatusIdle || j.Module() != "test" {
		t.Fatalf("unexpected job %s status=%s module=%s", j.Name(), j.Status(), j.Module())
	}
	if j.Definition().Options.String("jobConfig1") != "jobConfig1" {
		t.Fatalf("job options not preserved")
	}
	if !j.Run(context.Background()) {
		t.Fatalf("job should see its module's connection")
	}

	if code := get(h.router, "/nexus/m/test/hello"); code != http.StatusOK {
		t.Fatalf("route = %d", code)
	}
	if a.RootPath() != "/nexus/m/test" || mod.RootPath() != "/nexus/m/test" {
		t.Fatalf("unexpected root path %q", a.RootPath())
	}

	h.mgr.Stop(context.Background())
	if tc.disconnected != 1 {
		t.Fatalf("Stop should disconnect, got %d", tc.disconnected)
	}
}

func TestLoad_SkipsUnresolvable(t *testing.T) {
	t.Parallel()
	cat := Catalog{}
	cat.Add("acme/scoped", func() Module { return newTestModule("scoped") })
	cat.Add("nilmod", func() Module { return nil })
	h := newHarness(t, cat, nil)
	events, unsub := h.bus.Subscribe(16, eventbus.ModuleSkipped)
	defer unsub()

	def := &config.Definition{Modules: map[string]config.ModuleDefinition{
		"unknown": {},
		"both":    {Path: "x", Scope: "y"},
		"scoped":  {Scope: "acme"},
		"nilmod":  {},
	}}
	if n := h.mgr.Load(context.Background(), def); n != 1 {
		t.Fatalf("expected only the scoped module, got %d", n)
	}
	if _, ok := h.mgr.Get("scoped"); !ok {
		t.Fatalf("scoped module should load")
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 skipped events, got %d", len(events))
	}
}

func TestLoad_LexicalOrder(t *testing.T) {
	t.Parallel()
	var order []string
	cat := Catalog{}
	for _, n := range []string{"charlie", "alpha", "bravo"} {
		name := n
		cat.Add(name, func() Module {
			m := newTestModule(name)
			m.order = &order
			return m
		})
	}
	h := newHarness(t, cat, nil)
	h.mgr.Load(context.Background(), &config.Definition{Modules: map[string]config.ModuleDefinition{
		"charlie": {}, "alpha": {}, "bravo": {},
	}})

	want := []string{"alpha", "bravo", "charlie"}
	for i, a := range h.mgr.Running() {
		if a.Name != want[i] || order[i] != want[i] {
			t.Fatalf("position %d: running=%s loaded=%s want %s", i, a.Name, order[i], want[i])
		}
	}
}

func TestLoad_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(m *testModule)
		md    config.ModuleDefinition
		event string
	}{
		{"missing secret", nil, config.ModuleDefinition{Config: modconfig.Config{"token": modconfig.Secret()}}, eventbus.ModuleFailed},
		{"routes panic", func(m *testModule) { m.panicRoutes = true }, config.ModuleDefinition{}, eventbus.ModuleFailed},
		{"illegal method", func(m *testModule) { m.badMethod = true }, config.ModuleDefinition{}, eventbus.ModuleFailed},
		{"unknown job type", nil, config.ModuleDefinition{Jobs: []job.Definition{{Type: "nope", Options: job.Options{}}}}, eventbus.ModuleFailed},
		{"validate", func(m *testModule) { m.validateErr = errors.New("bad credentials") }, config.ModuleDefinition{
			Jobs: []job.Definition{{Type: "testJob", Schedule: "@every 1h", Options: job.Options{}}},
		}, eventbus.ModuleInvalid},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cat := Catalog{}
			cat.Add("test", func() Module {
				m := newTestModule("test")
				if tt.setup != nil {
					tt.setup(m)
				}
				return m
			})
			h := newHarness(t, cat, nil)
			events, unsub := h.bus.Subscribe(16, "module.")
			defer unsub()

			if n := h.mgr.Load(context.Background(), &config.Definition{
				Connections: []connection.Definition{{Name: "testConnection"}},
				Modules:     map[string]config.ModuleDefinition{"test": tt.md},
			}); n != 0 {
				t.Fatalf("expected no running modules, got %d", n)
			}
			if _, ok := h.mgr.Get("test"); ok {
				t.Fatalf("failed module must not be in the running table")
			}
			if code := get(h.router, "/nexus/m/test/hello"); code != http.StatusNotFound {
				t.Fatalf("routes of a failed module should answer 404, got %d", code)
			}
			if h.sched.Len() != 0 {
				t.Fatalf("scheduled jobs should be removed, got %d", h.sched.Len())
			}
			found := false
			for len(events) > 0 {
				if e := <-events; e.Type == tt.event {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s event", tt.event)
			}
		})
	}
}

func TestLoad_SecretsAndDuplicateName(t *testing.T) {
	t.Parallel()
	cat := Catalog{}
	cat.Add("test", func() Module { return newTestModule("test") })
	cat.Add("acme/test", func() Module { return newTestModule("test") })
	h := newHarness(t, cat, map[string]string{"TEST_token": "s3cret"})

	h.mgr.Load(context.Background(), &config.Definition{Modules: map[string]config.ModuleDefinition{
		"test": {Config: modconfig.Config{"token": modconfig.Secret()}},
	}})
	a, ok := h.mgr.Get("test")
	if !ok {
		t.Fatalf("module not loaded")
	}
	if a.Config.Values.String("token") != "s3cret" || !a.Config.IsSecret("token") {
		t.Fatalf("secret not resolved: %+v", a.Config)
	}
	if modconfig.Redact(a.Config)["token"] != modconfig.Redacted {
		t.Fatalf("secret not redacted")
	}

	// A second load of the same name keeps the first instance.
	h.mgr.Load(context.Background(), &config.Definition{Modules: map[string]config.ModuleDefinition{
		"test": {Scope: "acme"},
	}})
	if len(h.mgr.Running()) != 1 {
		t.Fatalf("duplicate module name should be skipped")
	}
	if b, _ := h.mgr.Get("test"); b != a {
		t.Fatalf("running entry replaced")
	}
}

func TestLoad_RedactsDottedSecretKeys(t *testing.T) {
	t.Parallel()
	cat := Catalog{}
	cat.Add("test", func() Module { return newTestModule("test") })
	h := newHarness(t, cat, map[string]string{
		"TEST_api.token": "TOPSECRET-1",
		"TEST_plain":     "TOPSECRET-2",
	})

	h.mgr.Load(context.Background(), &config.Definition{Modules: map[string]config.ModuleDefinition{
		"test": {Config: modconfig.Config{"api.token": modconfig.Secret(), "plain": modconfig.Secret()}},
	}})
	a, ok := h.mgr.Get("test")
	if !ok {
		t.Fatalf("module not loaded")
	}
	if !a.Config.IsSecret("api.token") || !a.Config.IsSecret("plain") {
		t.Fatalf("secret paths = %v", a.Config.SecretKeys())
	}
	b, err := json.Marshal(modconfig.Redact(a.Config))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "TOPSECRET") {
		t.Fatalf("redacted config leaks a secret: %s", b)
	}
}

func TestRunOnce(t *testing.T) {
	t.Parallel()
	cat := Catalog{}
	cat.Add("test", func() Module { return newTestModule("test") })
	cat.Add("empty", func() Module { return &testModule{Base: NewBase("empty")} })
	h := newHarness(t, cat, nil)
	def := testDefinition()
	def.Modules["empty"] = config.ModuleDefinition{}
	h.mgr.Load(context.Background(), def)
	ctx := context.Background()

	j, ok, err := h.mgr.RunOnce(ctx, "test", "testJob", nil)
	if err != nil || !ok {
		t.Fatalf("RunOnce = %v, %v", ok, err)
	}
	if j.HasSchedule() || j.Status() != job.StatusIdle {
		t.Fatalf("ephemeral job should be idle and unscheduled")
	}

	if _, ok, err := h.mgr.RunOnce(ctx, "test", "failing", job.Options{}); err != nil || ok {
		t.Fatalf("failing job should report false without error, got %v, %v", ok, err)
	}
	if _, _, err := h.mgr.RunOnce(ctx, "missing", "testJob", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := h.mgr.RunOnce(ctx, "empty", "testJob", nil); !errors.Is(err, ErrNoJobTypes) {
		t.Fatalf("expected ErrNoJobTypes, got %v", err)
	}
	if _, _, err := h.mgr.RunOnce(ctx, "test", "other", nil); !errors.Is(err, job.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestBaseConfigRules(t *testing.T) {
	t.Parallel()
	b := NewBase("rules")
	b.SetRules(modconfig.Groups{"auth": {
		{Name: "token", Required: true, Level: modconfig.LevelError, Reason: "needed"},
		{Name: "region", Required: true, Level: modconfig.LevelWarning, Reason: "optional"},
	}})
	if _, err := b.LoadConfig(modconfig.Config{}); err == nil {
		t.Fatalf("expected missing token to fail")
	}
	if _, err := b.LoadConfig(modconfig.Config{"token": "x"}); err != nil {
		t.Fatalf("warnings must not fail: %v", err)
	}
}

func TestKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, scope, want string
		wantErr                 bool
	}{
		{"a", "", "", "a", false},
		{"a", "mods", "", "mods/a", false},
		{"a", "", "acme", "acme/a", false},
		{"a", "mods", "acme", "", true},
	}
	for _, tt := range tests {
		got, err := Key(tt.name, tt.path, tt.scope)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("Key(%q,%q,%q) = %q, %v", tt.name, tt.path, tt.scope, got, err)
		}
	}
}
