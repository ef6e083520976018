package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNegativeDuration = errors.New("duration must not be negative")

// DurationError names the definition field holding a bad duration.
type DurationError struct {
	Field string
	Raw   string
	Err   error
}

func (e *DurationError) Error() string {
	return fmt.Sprintf("%s: invalid duration %q: %v", e.Field, e.Raw, e.Err)
}

func (e *DurationError) Unwrap() error { return e.Err }

// ParseDurationField parses a definition duration. Go duration strings
// ("500ms", "1m30s") and bare integers, read as seconds, are accepted.
// Blank means zero.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, &DurationError{Field: field, Raw: raw, Err: err}
	}
	if d < 0 {
		return 0, &DurationError{Field: field, Raw: raw, Err: ErrNegativeDuration}
	}
	return d, nil
}

// DurationOr is ParseDurationField with a fallback for blank, zero and
// invalid values. validate rejects invalid values before this is reached.
func DurationOr(raw string, def time.Duration) time.Duration {
	if d, err := ParseDurationField("", raw); err == nil && d > 0 {
		return d
	}
	return def
}
