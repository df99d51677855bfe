// Package coalesce collapses bursts of triggers into a bounded number of job
// runs.
//
// A Job is touched from any goroutine. Its Policy decides how each touch moves
// the job's deadline: a Simple job runs a fixed delay after the first touch, a
// Resetting job debounces (delay after the last touch), and the two max
// variants cap the debounce so continuous touching cannot starve the job.
// Touched jobs sit at most once in a shared deadline queue; a Pool of pullers
// takes due jobs, batches them and runs each payload with a per-job guard
// against concurrent invocations.
//
// Touch and Cancel never block and never fail. Execution failures go to the
// pool's ErrorHandler.
package coalesce
