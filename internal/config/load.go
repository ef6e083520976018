package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/NexusSwitchboard/nexus-core/internal/modconfig"
)

// ErrNoDefinition is returned when none of the search paths exist.
var ErrNoDefinition = errors.New("unable to find a nexus definition file")

// EnvName selects the environment overlay (".nexus.prod" vs ".nexus.dev").
const EnvName = "NEXUS_ENV"

// SearchPaths lists the definition files in merge order: the base file, the
// environment overlay, then the explicit path if one was given.
func SearchPaths(dir, env, explicit string) []string {
	if dir == "" {
		dir = "."
	}
	overlay := ".nexus.dev"
	if e := strings.ToLower(strings.TrimSpace(env)); e == "production" || e == "prod" {
		overlay = ".nexus.prod"
	}
	out := []string{filepath.Join(dir, ".nexus"), filepath.Join(dir, overlay)}
	if strings.TrimSpace(explicit) != "" {
		out = append(out, explicit)
	}
	return out
}

// LoadDotEnv loads .env files into the process environment when present.
// Existing variables are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// LoadFiles reads and deep-merges every existing path. Missing files are
// skipped; unreadable or malformed files fail the whole load.
func LoadFiles(paths []string) (*Definition, []string, error) {
	merged := modconfig.Config{}
	used := make([]string, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, used, fmt.Errorf("read %s: %w", p, err)
		}
		raw, _, err := decodeRaw(p, b)
		if err != nil {
			return nil, used, fmt.Errorf("%s: %w", p, err)
		}
		merged = modconfig.Merge(merged, modconfig.Config(raw))
		used = append(used, p)
	}
	if len(used) == 0 {
		return nil, nil, ErrNoDefinition
	}

	jb, err := json.Marshal(merged)
	if err != nil {
		return nil, used, fmt.Errorf("encode merged definition: %w", err)
	}
	def, err := Decode(jb)
	if err != nil {
		return nil, used, err
	}
	return def, used, nil
}

// Decode strictly decodes a JSON definition and validates it.
func Decode(b []byte) (*Definition, error) {
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid definition: trailing data")
		}
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural rules that decoding cannot express. Module-level
// problems such as path+scope are left to the loader, which skips the module.
func (d *Definition) Validate() error {
	var errs []error
	if d.RootURI != "" && !strings.HasPrefix(d.RootURI, "/") {
		errs = append(errs, fmt.Errorf("rootUri must start with '/': %q", d.RootURI))
	}
	for i, c := range d.Connections {
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, fmt.Errorf("connections[%d]: name required", i))
		}
	}
	h := d.Server.HTTP
	for field, raw := range map[string]string{
		"server.http.read_timeout":     h.ReadTimeout,
		"server.http.write_timeout":    h.WriteTimeout,
		"server.http.idle_timeout":     h.IdleTimeout,
		"server.http.shutdown_timeout": h.ShutdownTimeout,
		"server.authentication.leeway": d.Server.Authentication.Leeway,
	} {
		if _, err := ParseDurationField(field, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if d.Server.Storage != nil {
		if _, err := ParseDurationField("server.storage.busy_timeout", d.Server.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if d.Server.RateLimit.TriggersPerSec < 0 || d.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit values must be >= 0"))
	}
	return errors.Join(errs...)
}

// ListenAddr resolves the HTTP listen address.
func (d *Definition) ListenAddr() string {
	if a := strings.TrimSpace(d.Server.HTTP.Addr); a != "" {
		return a
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		return ":" + p
	}
	return ":3001"
}
