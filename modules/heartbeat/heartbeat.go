// Package heartbeat is a reference module. Its job posts a liveness message
// through the webhook connection; its routes report the last beat.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/module"
	"github.com/NexusSwitchboard/nexus-core/internal/routes"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

const (
	Name     = "heartbeat"
	JobType  = "heartbeat"
	connName = "webhook"
)

var ErrNoWebhook = errors.New("heartbeat: webhook connection unavailable")

// Poster is the part of the webhook connection the job needs.
type Poster interface {
	Post(ctx context.Context, payload any) error
}

// Beat is the payload sent on every run.
type Beat struct {
	Module  string    `json:"module"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type lastBeat struct {
	Beat
	Success bool   `json:"success"`
	Err     string `json:"err,omitempty"`
	Count   int    `json:"count"`
}

type Module struct {
	*module.Base

	mu       sync.Mutex
	interval string
	last     lastBeat
	now      func() time.Time
}

func New() module.Module {
	m := &Module{Base: module.NewBase(Name), now: time.Now}
	m.SetRules(modconfig.Groups{
		"heartbeat": {
			{Name: "interval", Required: true, Level: modconfig.LevelError, Types: []string{"string"}},
			{Name: "message", Level: modconfig.LevelWarning, Types: []string{"string"}},
			{Name: "webhook_url", Required: true, Level: modconfig.LevelError, Types: []string{"string"}},
		},
	})
	m.AddJobType(JobType, beatJob{m: m})
	return m
}

func (m *Module) DefaultConfig() modconfig.Config {
	return modconfig.Config{
		"interval":    "@every 1m",
		"message":     "nexus heartbeat",
		"webhook_url": modconfig.Env(),
	}
}

func (m *Module) LoadConfig(cfg modconfig.Config) (modconfig.Config, error) {
	out, err := m.Base.LoadConfig(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := job.ParseSchedule(out.String("interval")); err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}
	m.mu.Lock()
	m.interval = out.String("interval")
	m.mu.Unlock()
	return out, nil
}

// LoadJobs schedules declared heartbeat jobs that have no schedule of their
// own at the configured interval. Once the module is active (on-demand
// runs) definitions are built as given.
func (m *Module) LoadJobs(defs []job.Definition) ([]*job.Job, error) {
	if m.Active() != nil {
		return m.Base.LoadJobs(defs)
	}
	m.mu.Lock()
	interval := m.interval
	m.mu.Unlock()
	patched := make([]job.Definition, len(defs))
	for i, d := range defs {
		if d.Type == JobType && d.Schedule == "" {
			d.Schedule = interval
		}
		patched[i] = d
	}
	return m.Base.LoadJobs(patched)
}

func (m *Module) LoadRoutes(modconfig.Config) ([]routes.Route, error) {
	return []routes.Route{
		{Method: http.MethodGet, Path: "/last", Handler: http.HandlerFunc(m.handleLast)},
		{Method: http.MethodGet, Path: "/ping", Handler: http.HandlerFunc(m.handlePing), Protected: routes.Open()},
	}, nil
}

func (m *Module) LoadConnections(cfg modconfig.Config, _ *mux.Router) ([]connection.Request, error) {
	return []connection.Request{{
		Name:   connName,
		Config: modconfig.Config{"url": cfg.String("webhook_url")},
	}}, nil
}

func (m *Module) Validate(_ context.Context, a *module.Active) error {
	c, ok := a.Connection(connName)
	if !ok {
		return ErrNoWebhook
	}
	if _, ok := c.(Poster); !ok {
		return fmt.Errorf("heartbeat: connection %q cannot post (%T)", connName, c)
	}
	return nil
}

func (m *Module) poster() (Poster, bool) {
	c, ok := m.Connection(connName)
	if !ok {
		return nil, false
	}
	p, ok := c.(Poster)
	return p, ok
}

func (m *Module) beat(ctx context.Context, message string) (bool, error) {
	b := Beat{Module: Name, Message: message, At: m.now()}
	p, ok := m.poster()
	err := ErrNoWebhook
	if ok {
		err = p.Post(ctx, b)
	}

	m.mu.Lock()
	m.last = lastBeat{Beat: b, Success: err == nil, Count: m.last.Count + 1}
	if err != nil {
		m.last.Err = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		return false, err
	}
	m.Log().Debug("heartbeat sent", logx.String("message", message))
	return true, nil
}

func (m *Module) handleLast(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	if last.Count == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "No heartbeat sent yet"})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (m *Module) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"module":  Name,
		"message": m.Config().String("message"),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// beatJob is the "heartbeat" job type; option "message" is required.
type beatJob struct{ m *Module }

func (j beatJob) Run(ctx context.Context, opts job.Options) (bool, error) {
	return j.m.beat(ctx, opts.String("message"))
}

func (beatJob) RequiredOptions() []string { return []string{"message"} }
