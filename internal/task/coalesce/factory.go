package coalesce

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Factory builds jobs bound to one Pool. Every job it returns shares the
// pool's deadline queue and pullers.
type Factory struct {
	pool *Pool
	seq  atomic.Uint64
}

func NewFactory(pool *Pool) *Factory {
	return &Factory{pool: pool}
}

func (f *Factory) Pool() *Pool { return f.pool }

type JobOption func(*jobOptions)

type jobOptions struct {
	name       string
	overlap    OverlapPolicy
	hasOverlap bool
}

// WithName sets the name used in logs, events and history. Default: job-<n>.
func WithName(name string) JobOption {
	return func(o *jobOptions) { o.name = strings.TrimSpace(name) }
}

// WithOverlap overrides the pool's default OverlapPolicy for one job.
func WithOverlap(p OverlapPolicy) JobOption {
	return func(o *jobOptions) {
		o.overlap = p
		o.hasOverlap = true
	}
}

// WithSimpleDelay runs payload delay after the first touch; touches while
// pending do not move the deadline.
func (f *Factory) WithSimpleDelay(delay time.Duration, payload Payload, opts ...JobOption) (*Job, error) {
	return f.New(delay, Policy{Kind: Simple}, payload, opts...)
}

// WithResettingDelay runs payload delay after the last touch (debounce).
func (f *Factory) WithResettingDelay(delay time.Duration, payload Payload, opts ...JobOption) (*Job, error) {
	return f.New(delay, Policy{Kind: Resetting}, payload, opts...)
}

// WithSimpleDelayAndMaximum is WithSimpleDelay where a one-shot delay override
// can never push the run past first touch + maxElapsed.
func (f *Factory) WithSimpleDelayAndMaximum(delay time.Duration, payload Payload, maxElapsed time.Duration, opts ...JobOption) (*Job, error) {
	return f.New(delay, Policy{Kind: Simple, MaxElapsed: maxElapsed}, payload, opts...)
}

// WithResettingDelayAndMaximumSinceFirstTouch debounces, but runs no later
// than maxElapsed after the first touch following the previous run.
func (f *Factory) WithResettingDelayAndMaximumSinceFirstTouch(delay time.Duration, payload Payload, maxElapsed time.Duration, opts ...JobOption) (*Job, error) {
	return f.New(delay, Policy{Kind: ResettingMaxSinceFirstTouch, MaxElapsed: maxElapsed}, payload, opts...)
}

// WithResettingDelayAndMaximumSinceLastRun debounces, but runs no later than
// maxElapsed after the previous run started (or after creation).
func (f *Factory) WithResettingDelayAndMaximumSinceLastRun(delay time.Duration, payload Payload, maxElapsed time.Duration, opts ...JobOption) (*Job, error) {
	return f.New(delay, Policy{Kind: ResettingMaxSinceLastRun, MaxElapsed: maxElapsed}, payload, opts...)
}

// New validates the combination and builds the job. No job is created when
// it returns an error; errors wrap ErrInvalidConfig.
func (f *Factory) New(delay time.Duration, policy Policy, payload Payload, opts ...JobOption) (*Job, error) {
	if f == nil || f.pool == nil {
		return nil, invalidf("factory has no pool")
	}
	if payload == nil {
		return nil, invalidf("payload is nil")
	}
	if delay < 0 {
		return nil, invalidf("delay %s is negative", delay)
	}
	if err := policy.validate(delay); err != nil {
		return nil, err
	}

	o := jobOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	n := f.seq.Add(1)
	if o.name == "" {
		o.name = fmt.Sprintf("job-%d", n)
	}
	overlap := f.pool.cfg.Overlap
	if o.hasOverlap {
		overlap = o.overlap
	}

	return &Job{
		name:    o.name,
		delay:   delay,
		policy:  policy,
		overlap: overlap,
		payload: payload,
		pool:    f.pool,
		st:      newState(f.pool.now()),
	}, nil
}
