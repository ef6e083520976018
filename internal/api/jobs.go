package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/module"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

const (
	maxOptionsBytes = 1 << 20
	defaultRunLimit = 20
	maxRunLimit     = 200
)

type triggerResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	JobInfo *job.Info `json:"jobInfo,omitempty"`
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	modName, jobType := vars["module"], vars["job"]
	log := a.log.With(logx.Module(modName), logx.Job(jobType))

	if a.limiter != nil && !a.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeMessage(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	opts, err := readOptions(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid job options: "+err.Error())
		return
	}

	j, ok, err := a.mods.RunOnce(r.Context(), modName, jobType, opts)
	switch {
	case err == nil:
	case errors.Is(err, module.ErrNotFound):
		writeMessage(w, http.StatusNotFound, msgModuleNotFound)
		return
	case errors.Is(err, module.ErrNoJobTypes):
		writeMessage(w, http.StatusNotFound, msgNoJobTypes)
		return
	case errors.Is(err, job.ErrUnknownType):
		writeMessage(w, http.StatusNotFound, msgJobNotFound)
		return
	case isOptionsError(err):
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	default:
		log.Error("job trigger failed", logx.Err(err))
		writeMessage(w, http.StatusInternalServerError, msgUnexpected)
		return
	}

	info := j.AsJSON()
	resp := triggerResponse{Success: ok, Message: msgJobSucceeded, JobInfo: &info}
	if !ok {
		resp.Message = msgJobFailed
	}
	log.Info("job triggered", logx.Bool("success", ok))
	writeJSON(w, http.StatusOK, resp)
}

// readOptions decodes the request body as job options. An empty body means
// no options.
func readOptions(r *http.Request) (job.Options, error) {
	if r.Body == nil {
		return job.Options{}, nil
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxOptionsBytes))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return job.Options{}, nil
	}
	var opts job.Options
	if err := json.Unmarshal(b, &opts); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = job.Options{}
	}
	return opts, nil
}

// isOptionsError reports whether building the job rejected the options in
// the request. Any other build failure is a server error.
func isOptionsError(err error) bool {
	var (
		missing *job.MissingOptionError
		invalid *job.InvalidOptionsError
	)
	return errors.Is(err, job.ErrNoOptions) || errors.As(err, &missing) || errors.As(err, &invalid)
}

func (a *API) handleRuns(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	modName, jobType := vars["module"], vars["job"]
	if _, ok := a.mods.Get(modName); !ok {
		writeMessage(w, http.StatusNotFound, msgModuleNotFound)
		return
	}
	if a.store == nil {
		writeMessage(w, http.StatusServiceUnavailable, msgNoHistory)
		return
	}

	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := a.store.RecentRuns(r.Context(), modName, jobType, limit)
	if err != nil {
		a.log.Error("run history query failed", logx.Module(modName), logx.Job(jobType), logx.Err(err))
		writeMessage(w, http.StatusInternalServerError, "Unable to read run history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
