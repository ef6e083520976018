// Package api is the control surface: module listing, on-demand job
// triggers and run history.
package api

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
	"github.com/NexusSwitchboard/nexus-core/internal/module"
	"github.com/NexusSwitchboard/nexus-core/internal/routes"
	"github.com/NexusSwitchboard/nexus-core/internal/storage"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Response messages.
const (
	msgModuleNotFound = "That module was not found"
	msgNoJobTypes     = "That module does not appear to have any job types defined"
	msgJobNotFound    = "Unable to find the given job"
	msgJobSucceeded   = "Job completed successfully"
	msgJobFailed      = "Job failed to run. Check logs for information about why"
	msgUnexpected     = "An unexpected error occurred while running the job"
	msgRateLimited    = "Too many job triggers; try again later"
	msgNoHistory      = "Run history is not enabled"
)

// VersionInfo is reported by GET /version.
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Go      string `json:"go"`
}

// Deps holds the collaborators of the API.
type Deps struct {
	Modules *module.Manager
	Store   storage.Store // nil disables run history
	Limiter *rate.Limiter // nil disables trigger limiting
	Version VersionInfo
	Log     logx.Logger
}

type API struct {
	mods    *module.Manager
	store   storage.Store
	limiter *rate.Limiter
	version VersionInfo
	log     logx.Logger
}

func New(d Deps) *API {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Version.Go == "" {
		d.Version.Go = runtime.Version()
	}
	return &API{
		mods:    d.Modules,
		store:   d.Store,
		limiter: d.Limiter,
		version: d.Version,
		log:     d.Log,
	}
}

// NewLimiter builds the trigger limiter; it returns nil when perSec is 0.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Register attaches the API routes to r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/version", a.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/modules", a.handleModules).Methods(http.MethodGet)
	r.HandleFunc("/modules/{module}/jobs/{job}", a.handleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/modules/{module}/jobs/{job}/runs", a.handleRuns).Methods(http.MethodGet)
}

type moduleView struct {
	Name   string            `json:"name"`
	Jobs   []job.Info        `json:"jobs"`
	Routes []routes.Endpoint `json:"routes"`
	Config modconfig.Config  `json:"config"`
}

func (a *API) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.version)
}

func (a *API) handleModules(w http.ResponseWriter, _ *http.Request) {
	out := []moduleView{}
	for _, m := range a.mods.Running() {
		v := moduleView{
			Name:   m.Name,
			Jobs:   make([]job.Info, 0, len(m.Jobs)),
			Routes: routes.List(m.Router),
			Config: modconfig.Redact(m.Config),
		}
		for _, j := range m.Jobs {
			v.Jobs = append(v.Jobs, j.AsJSON())
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
