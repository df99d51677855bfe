package coalesce

import (
	"context"
	"time"
)

// Payload is the unit of work behind a job. The context is never canceled
// while the payload runs; it only carries values.
type Payload func(ctx context.Context) error

// Func adapts a plain function to a Payload.
func Func(fn func()) Payload {
	if fn == nil {
		return nil
	}
	return func(context.Context) error {
		fn()
		return nil
	}
}

// OverlapPolicy decides what happens when a puller dequeues a job whose
// previous invocation is still running (it was touched again mid-run).
type OverlapPolicy int

const (
	// OverlapSkip discards that dequeue. The touches that caused it do not
	// produce a run of their own; the job stays touchable.
	OverlapSkip OverlapPolicy = iota
	// OverlapDefer remembers the request and re-queues the job as soon as the
	// running invocation returns.
	OverlapDefer
)

func (o OverlapPolicy) String() string {
	if o == OverlapDefer {
		return "defer"
	}
	return "skip"
}

// Job is a handle to one coalesced unit of work. Identity is the pointer.
//
// Touch, TouchWithDelay and Cancel may be called from any goroutine; none of
// them block or fail.
type Job struct {
	name    string
	delay   time.Duration
	policy  Policy
	overlap OverlapPolicy
	payload Payload

	pool *Pool
	st   *state
}

func (j *Job) Name() string         { return j.name }
func (j *Job) Policy() Policy       { return j.policy }
func (j *Job) Delay() time.Duration { return j.delay }

// Touch signals that the job should run, subject to its policy.
func (j *Job) Touch() {
	j.touch(j.pool.now())
}

// TouchWithDelay touches with a delay that replaces the default one for the
// next run only.
func (j *Job) TouchWithDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	j.st.override.Store(int64(d))
	j.touch(j.pool.now())
	// The deadline may have moved earlier than what a sleeping puller waits for.
	j.pool.queue.Wake()
}

func (j *Job) touch(now time.Time) {
	n := now.UnixNano()
	st := j.st
	if !j.policy.resets() {
		if !st.enqueued.CompareAndSwap(false, true) {
			return
		}
		st.lastTouch.Store(n)
		st.firstTouch.CompareAndSwap(0, n)
		j.pool.queue.Offer(j)
		return
	}

	st.lastTouch.Store(n)
	st.firstTouch.CompareAndSwap(0, n)
	if st.enqueued.CompareAndSwap(false, true) {
		j.pool.queue.Offer(j)
	}
}

// Cancel drops a pending run. A run already in progress is not affected and
// the job can be touched again afterwards.
func (j *Job) Cancel() {
	j.st.rerun.Store(false)
	j.pool.queue.Remove(j)
	// The next touch starts a new burst.
	j.st.firstTouch.Store(0)
	j.st.enqueued.Store(false)
}

// Due returns the absolute time the job becomes runnable, computed from the
// current state.
func (j *Job) Due() time.Time {
	return j.policy.due(j.st, j.delay)
}

// Remaining returns the time left until the job is due, never negative.
func (j *Job) Remaining() time.Duration {
	now := j.pool.now()
	if d := j.Due().Sub(now); d > 0 {
		return d
	}
	return 0
}

func (j *Job) Stats() Stats { return j.st.stats() }

// resubmit re-offers the job after a deferred overlap.
func (j *Job) resubmit() {
	if j.st.enqueued.CompareAndSwap(false, true) {
		j.pool.queue.Offer(j)
	}
}

// jobDue adapts Job to deadline.DueFunc.
func jobDue(j *Job, _ time.Time) time.Time { return j.Due() }
