package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrBadDuration      = errors.New("invalid duration")
	ErrNegativeDuration = errors.New("duration must be >= 0")
)

// FieldError ties a parse failure to its config path, e.g. "jobs[build].delay".
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// jobPath names a job by its name, or by index while it has none.
func jobPath(idx int, name string) string {
	if n := strings.TrimSpace(name); n != "" {
		return "jobs[" + n + "]"
	}
	return fmt.Sprintf("jobs[%d]", idx)
}

// ParseDurationField parses a Go duration string. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &FieldError{Path: path, Err: fmt.Errorf("%w %q", ErrBadDuration, raw)}
	}
	if d < 0 {
		return 0, &FieldError{Path: path, Err: ErrNegativeDuration}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
