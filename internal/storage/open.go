package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Store keeps job run history for the recorder and the control API.
type Store interface {
	AppendRun(ctx context.Context, e RunEntry) error
	// RecentRuns returns up to limit entries, newest first.
	RecentRuns(ctx context.Context, module, jobType string, limit int) ([]RunEntry, error)
	Close() error
}

var ErrUnknownDriver = errors.New("unknown storage driver")

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Drivers lists the accepted driver names.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Enabled reports whether cfg selects a driver at all.
func (c Config) Enabled() bool {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	return d != "" && d != "none"
}

// Open returns (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (want one of %s)", ErrUnknownDriver, name, strings.Join(Drivers(), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}
