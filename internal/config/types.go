package config

import (
	"github.com/NexusSwitchboard/nexus-core/internal/auth"
	"github.com/NexusSwitchboard/nexus-core/internal/connection"
	"github.com/NexusSwitchboard/nexus-core/internal/job"
	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
)

const DefaultRootURI = "/nexus"

// Definition is the merged definition document.
type Definition struct {
	// RootURI is the path all nexus routes live under (default "/nexus").
	RootURI string `json:"rootUri,omitempty"`

	// Global is free-form configuration shared with every connection factory.
	Global modconfig.Config `json:"global,omitempty"`

	Server ServerConfig `json:"server"`

	Connections []connection.Definition     `json:"connections,omitempty"`
	Modules     map[string]ModuleDefinition `json:"modules,omitempty"`
}

// ModuleDefinition declares one module. Path and Scope are mutually exclusive.
type ModuleDefinition struct {
	Path   string           `json:"path,omitempty"`
	Scope  string           `json:"scope,omitempty"`
	Config modconfig.Config `json:"config,omitempty"`
	Jobs   []job.Definition `json:"jobs,omitempty"`
}

// Root returns RootURI or the default.
func (d *Definition) Root() string {
	if d == nil || d.RootURI == "" {
		return DefaultRootURI
	}
	return d.RootURI
}

// ServerConfig controls the host process itself.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	HTTP           HTTPConfig      `json:"http"`
	Logging        LoggingConfig   `json:"logging"`
	Storage        *StorageConfig  `json:"storage,omitempty"`
	Metrics        MetricsConfig   `json:"metrics"`
	Authentication auth.Config     `json:"authentication"`
	Scheduler      SchedulerConfig `json:"scheduler"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
	Debug          DebugConfig     `json:"debug"`
}

// HTTPConfig controls the listener. Addr defaults to ":$PORT" or ":3001".
type HTTPConfig struct {
	Addr            string `json:"addr,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional job run history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./nexus_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxRuns     int    `json:"max_runs,omitempty"`     // per module/job, 0 keeps everything
}

// MetricsConfig controls the Prometheus endpoint. Enabled defaults to true.
type MetricsConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"` // default "/metrics"
}

func (m MetricsConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// RateLimitConfig bounds on-demand job triggers. Zero disables the limit.
type RateLimitConfig struct {
	TriggersPerSec float64 `json:"triggers_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}

// DebugConfig exposes runtime profiling under <root>/debug/pprof, behind the
// admin scope.
type DebugConfig struct {
	Pprof bool `json:"pprof,omitempty"`
}
