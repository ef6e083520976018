package job

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Scheduler owns one cron entry per scheduled job. A failing fire never
// cancels future fires; a fire that lands while the previous run of the
// same job is still in flight is skipped.
type Scheduler struct {
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	loc     *time.Location
	entries map[*Job]cron.EntryID
	started bool

	newID func() (string, error)
}

// NewScheduler creates a stopped scheduler. An empty timezone means local time.
func NewScheduler(timezone string, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn("invalid scheduler timezone; using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	return &Scheduler{
		log:     log,
		c:       cron.New(cron.WithParser(specParser), cron.WithLocation(loc)),
		loc:     loc,
		entries: map[*Job]cron.EntryID{},
		newID:   newRunningID,
	}
}

// newRunningID returns a time-based (v1) UUID.
func newRunningID() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Scheduler) Location() *time.Location { return s.loc }

// Add schedules j and assigns it a fresh running id.
func (s *Scheduler) Add(j *Job) error {
	if j == nil || j.schedule == nil {
		return ErrNoSchedule
	}
	id, err := s.newID()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[j]; ok {
		s.c.Remove(old)
	}
	eid := s.c.Schedule(j.schedule, cron.FuncJob(func() { s.fire(j) }))
	s.entries[j] = eid

	j.mu.Lock()
	j.runningID = id
	j.scheduled = true
	if j.status != StatusRunning {
		j.status = StatusScheduled
	}
	j.next = func() time.Time { return s.nextFor(j) }
	j.mu.Unlock()

	s.log.Debug("job scheduled",
		logx.Module(j.module),
		logx.Job(j.name),
		logx.String("running_id", id),
		logx.String("spec", j.def.Schedule),
		logx.Time("next", j.schedule.Next(time.Now().In(s.loc))),
	)
	return nil
}

// Remove drops j's cron entry. The job settles to idle.
func (s *Scheduler) Remove(j *Job) {
	if j == nil {
		return
	}
	s.mu.Lock()
	eid, ok := s.entries[j]
	if ok {
		s.c.Remove(eid)
		delete(s.entries, j)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	j.mu.Lock()
	j.scheduled = false
	j.next = nil
	if j.status == StatusScheduled {
		j.status = StatusIdle
	}
	j.mu.Unlock()
}

// Len is the number of scheduled jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) nextFor(j *Job) time.Time {
	s.mu.Lock()
	eid, ok := s.entries[j]
	started := s.started
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	if started {
		if e := s.c.Entry(eid); e.Valid() {
			return e.Next
		}
	}
	return j.schedule.Next(time.Now().In(s.loc))
}

func (s *Scheduler) fire(j *Job) {
	if !j.inFlight.CompareAndSwap(false, true) {
		s.log.Debug("job skipped (previous run still running)", logx.Module(j.module), logx.Job(j.name))
		return
	}
	defer j.inFlight.Store(false)
	j.run(context.Background(), TriggerSchedule)
}

// Start begins firing schedules. It is a no-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.entries)))
}

// Stop halts firing and waits for running fires or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	done := s.c.Stop().Done()
	s.mu.Unlock()

	start := time.Now()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timeout (continuing)", logx.Err(ctx.Err()))
		return errors.Join(errors.New("scheduler: running jobs did not finish"), ctx.Err())
	}
}
