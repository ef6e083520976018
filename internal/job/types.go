package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Options holds a job's instance options.
type Options map[string]any

// Clone returns a deep copy of maps and lists.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return map[string]any(Options(x).Clone())
	case Options:
		return x.Clone()
	case []any:
		cp := make([]any, len(x))
		for i := range x {
			cp[i] = cloneAny(x[i])
		}
		return cp
	default:
		return v
	}
}

// String returns the string option at key, or "".
func (o Options) String(key string) string {
	s, _ := o[key].(string)
	return s
}

// Definition describes one job instance in a module definition.
type Definition struct {
	Type     string  `json:"type"`
	Schedule string  `json:"schedule,omitempty"`
	Options  Options `json:"options"`
}

// Behavior is the work a job performs. Returning (false, nil) reports an
// unsuccessful run that is not an error.
type Behavior interface {
	Run(ctx context.Context, opts Options) (bool, error)
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx context.Context, opts Options) (bool, error)

func (f BehaviorFunc) Run(ctx context.Context, opts Options) (bool, error) { return f(ctx, opts) }

// RequiredOptioner lists option keys that must be present.
type RequiredOptioner interface {
	RequiredOptions() []string
}

// OptionsValidator checks options beyond presence.
type OptionsValidator interface {
	ValidateOptions(opts Options) error
}

// ErrorHandler replaces the default failure logging.
type ErrorHandler interface {
	HandleError(ctx context.Context, j *Job, err error)
}

// RunRecord describes a completed run.
type RunRecord struct {
	Module    string        `json:"module"`
	Type      string        `json:"type"`
	RunningID string        `json:"running_id,omitempty"`
	Trigger   Trigger       `json:"trigger"`
	Success   bool          `json:"success"`
	Err       string        `json:"err,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
}

// Recorder observes completed runs. Implementations must not block for long.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord)
}

// Recorders fans out to several recorders.
type Recorders []Recorder

func (rs Recorders) RecordRun(ctx context.Context, rec RunRecord) {
	for _, r := range rs {
		if r != nil {
			r.RecordRun(ctx, rec)
		}
	}
}

var (
	ErrNoOptions   = errors.New("job: unable to validate options because none were given")
	ErrUnknownType = errors.New("job: unknown job type")
	ErrNoSchedule  = errors.New("job: no schedule set on job definition")
)

type MissingOptionError struct {
	Job string
	Key string
}

func (e *MissingOptionError) Error() string {
	return fmt.Sprintf("the %q option is required for the %s job", e.Key, e.Job)
}

// InvalidOptionsError wraps an OptionsValidator rejection.
type InvalidOptionsError struct {
	Job string
	Err error
}

func (e *InvalidOptionsError) Error() string {
	return fmt.Sprintf("job %s: %v", e.Job, e.Err)
}

func (e *InvalidOptionsError) Unwrap() error { return e.Err }

type InvalidScheduleError struct {
	Job  string
	Spec string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid cron schedule %q for the %s job: %v", e.Spec, e.Job, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }
