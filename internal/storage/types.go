package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDisabled       = errors.New("storage disabled")
	ErrSQLiteNotBuilt = errors.New("sqlite journal not built in")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain bounds how many runs are kept per job. 0 keeps everything.
	Retain int
}

// Run is one completed invocation of a job.
// Keep it compact and schema-stable.
type Run struct {
	ID       string        `json:"id"`
	Job      string        `json:"job"`
	Worker   string        `json:"worker"`
	Started  time.Time     `json:"started"`
	Lateness time.Duration `json:"lateness"`
	Duration time.Duration `json:"duration"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
}

// normalize fills the ID and trims the job name. It reports false for runs
// that cannot be stored.
func (r *Run) normalize() bool {
	r.Job = strings.TrimSpace(r.Job)
	if r.Job == "" {
		return false
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	return true
}
