package coalesce

import (
	"sync/atomic"
	"time"
)

const noOverride = -1

// state is the per-job scheduling state. Callers of Touch/Cancel and the one
// puller executing the job mutate it concurrently, so every field is atomic;
// timestamps are unix nanoseconds, 0 meaning unset.
type state struct {
	lastTouch    atomic.Int64
	firstTouch   atomic.Int64 // first touch since the last run started
	lastRunStart atomic.Int64
	override     atomic.Int64 // one-shot delay for the next run, noOverride if none

	enqueued atomic.Bool
	running  atomic.Bool
	rerun    atomic.Bool // OverlapDefer: re-offer when the current run ends

	runs     atomic.Uint64
	failures atomic.Uint64
}

func newState(created time.Time) *state {
	st := &state{}
	st.override.Store(noOverride)
	// The first max-since-last-run window opens at creation.
	st.lastRunStart.Store(created.UnixNano())
	return st
}

// Stats is a point-in-time view of a job's state.
type Stats struct {
	Runs         uint64
	Failures     uint64
	Enqueued     bool
	Running      bool
	LastTouch    time.Time
	LastRunStart time.Time
}

func (st *state) stats() Stats {
	return Stats{
		Runs:         st.runs.Load(),
		Failures:     st.failures.Load(),
		Enqueued:     st.enqueued.Load(),
		Running:      st.running.Load(),
		LastTouch:    unixNano(st.lastTouch.Load()),
		LastRunStart: unixNano(st.lastRunStart.Load()),
	}
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
