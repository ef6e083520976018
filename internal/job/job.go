package job

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// specParser accepts 5-field and 6-field (leading seconds) specs plus
// descriptors such as @hourly and @every 5m.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return specParser.Parse(strings.TrimSpace(spec))
}

// Job is one configured instance of a Behavior.
type Job struct {
	name     string
	module   string
	behavior Behavior
	schedule cron.Schedule
	log      logx.Logger
	recorder Recorder
	now      func() time.Time

	mu        sync.Mutex
	def       Definition
	status    Status
	runningID string
	scheduled bool
	next      func() time.Time

	inFlight atomic.Bool
}

type Option func(*Job)

func WithModule(name string) Option     { return func(j *Job) { j.module = name } }
func WithLogger(log logx.Logger) Option { return func(j *Job) { j.log = log } }
func WithRecorder(r Recorder) Option    { return func(j *Job) { j.recorder = r } }

func withClock(now func() time.Time) Option { return func(j *Job) { j.now = now } }

// New validates def against b and returns an idle job. Missing options,
// missing required keys and malformed schedules are construction errors.
func New(name string, def Definition, b Behavior, opts ...Option) (*Job, error) {
	if b == nil {
		return nil, fmt.Errorf("job %s: nil behavior", name)
	}
	j := &Job{
		name:     name,
		behavior: b,
		def:      Definition{Type: def.Type, Schedule: def.Schedule, Options: def.Options.Clone()},
		status:   StatusIdle,
		now:      time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	if j.log.IsZero() {
		j.log = logx.Nop()
	}
	if j.def.Type == "" {
		j.def.Type = name
	}

	if err := j.validateOptions(j.def.Options); err != nil {
		return nil, err
	}
	if spec := strings.TrimSpace(j.def.Schedule); spec != "" {
		s, err := ParseSchedule(spec)
		if err != nil {
			return nil, &InvalidScheduleError{Job: name, Spec: spec, Err: err}
		}
		j.schedule = s
	}
	return j, nil
}

func (j *Job) validateOptions(opts Options) error {
	if opts == nil {
		return ErrNoOptions
	}
	if ro, ok := j.behavior.(RequiredOptioner); ok {
		for _, k := range ro.RequiredOptions() {
			if _, present := opts[k]; !present {
				return &MissingOptionError{Job: j.name, Key: k}
			}
		}
	}
	if v, ok := j.behavior.(OptionsValidator); ok {
		if err := v.ValidateOptions(opts); err != nil {
			return &InvalidOptionsError{Job: j.name, Err: err}
		}
	}
	return nil
}

func (j *Job) Name() string   { return j.name }
func (j *Job) Module() string { return j.module }

// HasSchedule reports whether the definition carries a cron spec.
func (j *Job) HasSchedule() bool { return j.schedule != nil }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) RunningID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runningID
}

// Definition returns a copy of the current definition.
func (j *Job) Definition() Definition {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Definition{Type: j.def.Type, Schedule: j.def.Schedule, Options: j.def.Options.Clone()}
}

// SetOptions validates and replaces the job's options.
func (j *Job) SetOptions(opts Options) error {
	if err := j.validateOptions(opts); err != nil {
		return err
	}
	j.mu.Lock()
	j.def.Options = opts.Clone()
	j.mu.Unlock()
	return nil
}

// Info is the public description of a job.
type Info struct {
	RunningID  string     `json:"runningId,omitempty"`
	Type       string     `json:"type"`
	Definition Definition `json:"definition"`
	Status     Status     `json:"status"`
	NextRun    *time.Time `json:"nextRun,omitempty"`
}

func (j *Job) AsJSON() Info {
	j.mu.Lock()
	info := Info{
		RunningID:  j.runningID,
		Type:       j.name,
		Definition: Definition{Type: j.def.Type, Schedule: j.def.Schedule, Options: j.def.Options.Clone()},
		Status:     j.status,
	}
	next := j.next
	j.mu.Unlock()

	if next != nil {
		if t := next(); !t.IsZero() {
			info.NextRun = &t
		}
	}
	return info
}

// Run executes the job synchronously as an on-demand trigger.
func (j *Job) Run(ctx context.Context) bool {
	return j.run(ctx, TriggerManual)
}

func (j *Job) run(ctx context.Context, trig Trigger) bool {
	j.mu.Lock()
	prev := j.status
	j.status = StatusRunning
	opts := j.def.Options.Clone()
	runningID := j.runningID
	j.mu.Unlock()

	started := j.now()
	ok, err := j.call(ctx, opts)
	took := j.now().Sub(started)

	j.mu.Lock()
	if err != nil {
		j.status = StatusError
	} else {
		j.status = j.restingLocked(prev)
	}
	j.mu.Unlock()

	if err != nil {
		j.handleError(ctx, err)
	}

	if j.recorder != nil {
		rec := RunRecord{
			Module:    j.module,
			Type:      j.name,
			RunningID: runningID,
			Trigger:   trig,
			Success:   err == nil && ok,
			Started:   started,
			Duration:  took,
		}
		if err != nil {
			rec.Err = err.Error()
		}
		j.recorder.RecordRun(ctx, rec)
	}
	return err == nil && ok
}

// restingLocked is the status a successful run settles to. A run that
// started from error or overlapped another run settles to the scheduling
// state instead of restoring it.
func (j *Job) restingLocked(prev Status) Status {
	switch prev {
	case StatusError, StatusRunning:
		if j.scheduled {
			return StatusScheduled
		}
		return StatusIdle
	}
	return prev
}

func (j *Job) call(ctx context.Context, opts Options) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("panic in job",
				logx.Module(j.module),
				logx.Job(j.name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			ok, err = false, fmt.Errorf("panic in job %s: %v", j.name, r)
		}
	}()
	return j.behavior.Run(ctx, opts)
}

func (j *Job) handleError(ctx context.Context, err error) {
	if h, ok := j.behavior.(ErrorHandler); ok {
		defer func() {
			if r := recover(); r != nil {
				j.log.Error("panic in job error handler", logx.Job(j.name), logx.Any("panic", r))
			}
		}()
		h.HandleError(ctx, j, err)
		return
	}
	j.log.Error("job failed",
		logx.Module(j.module),
		logx.Job(j.name),
		logx.String("running_id", j.RunningID()),
		logx.Err(err),
	)
}
