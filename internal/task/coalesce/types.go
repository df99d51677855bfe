package coalesce

import (
	"time"

	rtsup "coalesce/internal/runtime/supervisor"
)

// Event types published on the bus.
const (
	EventJobStarted  = "job.started"
	EventJobFinished = "job.finished"
	EventJobFailed   = "job.failed"
	EventJobSkipped  = "job.skipped"
	EventJobDeferred = "job.deferred"
)

// JobEvent is the Data of every job.* event published on the bus.
type JobEvent struct {
	Job      string        `json:"job"`
	Worker   string        `json:"worker"`
	Started  time.Time     `json:"started"`
	Lateness time.Duration `json:"lateness"`
	Duration time.Duration `json:"duration"`
	Runs     uint64        `json:"runs"`
	Error    string        `json:"error,omitempty"`
}

// HistoryItem is one completed invocation.
type HistoryItem struct {
	Job      string
	Worker   string
	Started  time.Time
	Lateness time.Duration // start minus the deadline it ran for
	Duration time.Duration
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Workers   int
	BatchSize int
	Queued    int

	Runs     uint64
	Failures uint64
	Skipped  uint64
	Deferred uint64

	Pullers rtsup.Counters
	History []HistoryItem
}
