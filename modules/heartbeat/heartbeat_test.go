package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"github.com/NexusSwitchboard/nexus-core/connections/webhook"
	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/module"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

type sink struct {
	mu    sync.Mutex
	beats []Beat
	fail  bool
}

func (s *sink) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b Beat
		_ = json.NewDecoder(r.Body).Decode(&b)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.beats = append(s.beats, b)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	mgr    *module.Manager
	router *mux.Router
	sched  *job.Scheduler
}

func load(t *testing.T, def *config.Definition, env map[string]string) *fixture {
	t.Helper()
	mcat := module.Catalog{}
	mcat.Add(Name, New)
	ccat := connection.Catalog{}
	ccat.Add(webhook.Name, webhook.New)

	f := &fixture{router: mux.NewRouter(), sched: job.NewScheduler("", logx.Nop())}
	f.mgr = module.NewManager(module.Deps{
		Catalog:     mcat,
		Connections: connection.NewRegistry(ccat, nil, logx.Nop()),
		Scheduler:   f.sched,
		Router:      f.router,
		Log:         logx.Nop(),
		Lookup: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	})
	f.mgr.Load(context.Background(), def)
	t.Cleanup(func() { f.mgr.Stop(context.Background()) })
	return f
}

func definition(cfg modconfig.Config, jobs ...job.Definition) *config.Definition {
	return &config.Definition{
		Connections: []connection.Definition{{Name: webhook.Name}},
		Modules: map[string]config.ModuleDefinition{
			Name: {Config: cfg, Jobs: jobs},
		},
	}
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHeartbeat_RunAndRoutes(t *testing.T) {
	t.Parallel()
	s := &sink{}
	srv := s.server(t)
	f := load(t,
		definition(nil, job.Definition{Type: JobType, Options: job.Options{"message": "scheduled beat"}}),
		map[string]string{"HEARTBEAT_webhook_url": srv.URL},
	)

	a, ok := f.mgr.Get(Name)
	if !ok {
		t.Fatalf("heartbeat module not running")
	}
	if a.Config.Values.String("interval") != "@every 1m" || !a.Config.IsSecret("webhook_url") {
		t.Fatalf("unexpected config %+v", a.Config)
	}
	if len(a.Jobs) != 1 || !a.Jobs[0].HasSchedule() || f.sched.Len() != 1 {
		t.Fatalf("declared job should inherit the interval schedule")
	}

	rec := get(f.router, "/nexus/m/heartbeat/ping")
	if rec.Code != http.StatusOK || !json.Valid(rec.Body.Bytes()) {
		t.Fatalf("ping = %d %s", rec.Code, rec.Body.String())
	}
	var ping map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &ping)
	if ping["message"] != "nexus heartbeat" {
		t.Fatalf("ping message = %q", ping["message"])
	}
	if code := get(f.router, "/nexus/m/heartbeat/last").Code; code != http.StatusNotFound {
		t.Fatalf("last before any beat = %d", code)
	}

	j, ok, err := f.mgr.RunOnce(context.Background(), Name, JobType, job.Options{"message": "hello"})
	if err != nil || !ok {
		t.Fatalf("RunOnce ok=%v err=%v", ok, err)
	}
	if j.HasSchedule() {
		t.Fatalf("on-demand job must not be scheduled")
	}
	s.mu.Lock()
	if len(s.beats) != 1 || s.beats[0].Message != "hello" || s.beats[0].Module != Name {
		t.Fatalf("beats = %+v", s.beats)
	}
	s.mu.Unlock()

	rec = get(f.router, "/nexus/m/heartbeat/last")
	var last lastBeat
	if err := json.Unmarshal(rec.Body.Bytes(), &last); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("last = %d %s", rec.Code, rec.Body.String())
	}
	if last.Count != 1 || !last.Success || last.Message != "hello" {
		t.Fatalf("last = %+v", last)
	}
}

func TestHeartbeat_MissingMessage(t *testing.T) {
	t.Parallel()
	srv := (&sink{}).server(t)
	f := load(t, definition(nil), map[string]string{"HEARTBEAT_webhook_url": srv.URL})

	_, _, err := f.mgr.RunOnce(context.Background(), Name, JobType, job.Options{})
	if err == nil {
		t.Fatalf("expected a missing option error")
	}
}

func TestHeartbeat_WebhookFailure(t *testing.T) {
	t.Parallel()
	s := &sink{fail: true}
	srv := s.server(t)
	f := load(t, definition(nil), map[string]string{"HEARTBEAT_webhook_url": srv.URL})

	j, ok, err := f.mgr.RunOnce(context.Background(), Name, JobType, job.Options{"message": "x"})
	if err != nil || ok {
		t.Fatalf("RunOnce ok=%v err=%v, want failed run", ok, err)
	}
	if j.Status() != job.StatusError {
		t.Fatalf("status = %s", j.Status())
	}
	rec := get(f.router, "/nexus/m/heartbeat/last")
	var last lastBeat
	_ = json.Unmarshal(rec.Body.Bytes(), &last)
	if last.Success || last.Err == "" {
		t.Fatalf("last = %+v", last)
	}
}

func TestHeartbeat_NotLoaded(t *testing.T) {
	t.Parallel()
	srv := (&sink{}).server(t)
	env := map[string]string{"HEARTBEAT_webhook_url": srv.URL}

	cases := []struct {
		name string
		def  *config.Definition
		env  map[string]string
	}{
		{"missing env", definition(nil), nil},
		{"bad interval", definition(modconfig.Config{"interval": "every so often"}), env},
		{"connection not declared", &config.Definition{Modules: map[string]config.ModuleDefinition{Name: {}}}, env},
		{"invalid webhook url", definition(nil), map[string]string{"HEARTBEAT_webhook_url": "not a url"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := load(t, tc.def, tc.env)
			if _, ok := f.mgr.Get(Name); ok {
				t.Fatalf("module should not be running")
			}
			if code := get(f.router, "/nexus/m/heartbeat/ping").Code; code != http.StatusNotFound {
				t.Fatalf("ping = %d, want 404", code)
			}
		})
	}
}
