package storage

import (
	"context"
	"time"

	"github.com/NexusSwitchboard/nexus-core/internal/job"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

const recordTimeout = 2 * time.Second

// Recorder persists completed job runs into a Store.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(st Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: st, log: log}
}

// RecordRun implements job.Recorder. Write failures are logged, never returned.
func (r *Recorder) RecordRun(ctx context.Context, rec job.RunRecord) {
	if r == nil || r.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := r.store.AppendRun(wctx, EntryFrom(rec)); err != nil {
		r.log.Warn("failed to record job run",
			logx.Module(rec.Module),
			logx.Job(rec.Type),
			logx.Err(err),
		)
	}
}

// EntryFrom converts a job run record to its stored form.
func EntryFrom(rec job.RunRecord) RunEntry {
	return RunEntry{
		At:        rec.Started,
		Module:    rec.Module,
		JobType:   rec.Type,
		RunningID: rec.RunningID,
		Trigger:   string(rec.Trigger),
		Success:   rec.Success,
		Error:     rec.Err,
		TookMS:    rec.Duration.Milliseconds(),
	}
}
