package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// MaxRuns bounds the history kept per module/job type. 0 keeps everything.
	MaxRuns int
}

// RunEntry records one completed job run.
// Keep it compact and schema-stable.
type RunEntry struct {
	At        time.Time `json:"at"`
	Module    string    `json:"module"`
	JobType   string    `json:"job_type"`
	RunningID string    `json:"running_id,omitempty"`
	Trigger   string    `json:"trigger"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
