package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexusSwitchboard/nexus-core/internal/auth"
	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/eventbus"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/module"
	"github.com/NexusSwitchboard/nexus-core/internal/routes"
)

type pingModule struct{ *module.Base }

func newPingModule() module.Module {
	m := &pingModule{Base: module.NewBase("pinger")}
	m.AddJobType("ping", job.BehaviorFunc(func(context.Context, job.Options) (bool, error) {
		return true, nil
	}))
	return m
}

func (m *pingModule) LoadRoutes(modconfig.Config) ([]routes.Route, error) {
	return []routes.Route{{
		Method:    http.MethodGet,
		Path:      "/hello",
		Handler:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("hi")) }),
		Protected: routes.Open(),
	}}, nil
}

func testDef(t *testing.T) *config.Definition {
	t.Helper()
	return &config.Definition{
		Server: config.ServerConfig{
			HTTP:           config.HTTPConfig{Addr: "127.0.0.1:0"},
			Authentication: auth.Config{Mode: auth.ModeNone},
			Storage:        &config.StorageConfig{Driver: "file", Path: filepath.Join(t.TempDir(), "nexus")},
		},
		Modules: map[string]config.ModuleDefinition{
			"pinger": {},
		},
	}
}

func newTestApp(t *testing.T, def *config.Definition) *App {
	t.Helper()
	cat := module.Catalog{}
	cat.Add("pinger", newPingModule)
	a, err := New(context.Background(), def, Options{
		Modules:   cat,
		LogOutput: io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	return a
}

func serve(h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_WiresHostSurface(t *testing.T) {
	a := newTestApp(t, testDef(t))
	h := a.Handler()

	rec := serve(h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"pinger"}, health.Modules)

	assert.Equal(t, "hi", serve(h, http.MethodGet, "/nexus/m/pinger/hello", "").Body.String())

	rec = serve(h, http.MethodPost, "/nexus/api/modules/pinger/jobs/ping", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"success":true`)

	rec = serve(h, http.MethodGet, "/nexus/api/modules/pinger/jobs/ping/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []map[string]any `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "manual", runs.Runs[0]["trigger"])

	rec = serve(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "nexus_modules_active 1")
	assert.Contains(t, body, `nexus_jobs_runs_total{module="pinger",success="true",trigger="manual",type="ping"} 1`)
}

func TestNew_MetricsDisabled(t *testing.T) {
	def := testDef(t)
	off := false
	def.Server.Metrics.Enabled = &off
	a := newTestApp(t, def)
	assert.Equal(t, http.StatusNotFound, serve(a.Handler(), http.MethodGet, "/metrics", "").Code)
}

func TestNew_GateProtectsAPI(t *testing.T) {
	const secret = "app-test-secret"
	def := testDef(t)
	def.Server.Authentication = auth.Config{Secret: secret}
	a := newTestApp(t, def)
	h := a.Handler()

	sign := func(scope string) string {
		claims := auth.Claims{
			Scope:            scope,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/nexus/api/modules", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(h, http.MethodGet, "/nexus/api/modules", sign("read")).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/nexus/api/modules", sign("read admin")).Code)

	// open module routes and health stay reachable
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/nexus/m/pinger/hello", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", "").Code)
}

func TestNew_Pprof(t *testing.T) {
	def := testDef(t)
	def.Server.Debug.Pprof = true
	a := newTestApp(t, def)

	rec := serve(a.Handler(), http.MethodGet, "/nexus/debug/pprof/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")

	rec = serve(a.Handler(), http.MethodGet, "/nexus/debug/pprof/goroutine?debug=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine profile")
}

func TestNew_Errors(t *testing.T) {
	cases := []struct {
		name string
		edit func(d *config.Definition)
		want string
	}{
		{"unknown storage driver", func(d *config.Definition) { d.Server.Storage.Driver = "mongo" }, "storage"},
		{"jwt without key", func(d *config.Definition) { d.Server.Authentication = auth.Config{Mode: auth.ModeJWT} }, "jwt"},
		{"unknown auth mode", func(d *config.Definition) { d.Server.Authentication = auth.Config{Mode: "basic"} }, "unknown mode"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			def := testDef(t)
			tc.edit(def)
			_, err := New(context.Background(), def, Options{LogOutput: io.Discard})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	_, err := New(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, config.ErrNoDefinition)
}

func TestStartStop(t *testing.T) {
	a := newTestApp(t, testDef(t))
	require.NoError(t, a.Start(context.Background()))

	addr := a.Addr()
	require.NotEmpty(t, addr)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), "http.serve")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatalf("supervisor context not cancelled after Stop")
	}
	assert.NoError(t, a.Err())
	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestStart_BadAddr(t *testing.T) {
	def := testDef(t)
	def.Server.HTTP.Addr = "256.0.0.1:99999"
	a := newTestApp(t, def)
	err := a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "http listen"))
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestDefinitionChangedAppliesLogging(t *testing.T) {
	out := &syncBuffer{}
	def := testDef(t)
	def.Server.Logging.Level = "info"
	cat := module.Catalog{}
	cat.Add("pinger", newPingModule)
	a, err := New(context.Background(), def, Options{Modules: cat, LogOutput: out})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	events, unsub := a.bus.Subscribe(4, eventbus.DefinitionChanged)
	defer unsub()

	a.log.Debug("before reload")
	assert.NotContains(t, out.String(), "before reload")

	next := *def
	next.Server.Logging.Level = "debug"
	a.definitionChanged(&next)
	a.log.Debug("after reload")
	assert.Contains(t, out.String(), "logging reconfigured")
	assert.Contains(t, out.String(), "after reload")

	select {
	case e := <-events:
		assert.Equal(t, []string{"server"}, e.Data["sections"])
	case <-time.After(time.Second):
		t.Fatalf("no %s event", eventbus.DefinitionChanged)
	}

	before := strings.Count(out.String(), "logging reconfigured")
	a.definitionChanged(&next)
	assert.Equal(t, before, strings.Count(out.String(), "logging reconfigured"))
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{"nil", nil, "", 0, false},
		{"none", &config.StorageConfig{Driver: "None"}, "", time.Second, false},
		{"sqlite default busy", &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, "sqlite", time.Second, false},
		{"busy override", &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "3s"}, "sqlite", 3 * time.Second, false},
		{"bad busy", &config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}, "", 0, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Driver != tc.driver || got.BusyTimeout != tc.busy {
				t.Fatalf("got %+v, want driver=%q busy=%s", got, tc.driver, tc.busy)
			}
		})
	}
}
