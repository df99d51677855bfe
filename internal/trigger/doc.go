// Package trigger turns external signals into touches.
//
// A Cron touches on a schedule; a Paths watcher touches when files under a
// watched path change. Neither runs anything itself: the touched job's policy
// decides when (and how often) work actually happens.
package trigger

// Toucher is the only thing a trigger needs from a job.
type Toucher interface {
	Touch()
}
