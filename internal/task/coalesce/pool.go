package coalesce

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"coalesce/internal/eventbus"
	rtsup "coalesce/internal/runtime/supervisor"
	"coalesce/internal/task/deadline"
	logx "coalesce/pkg/logx"
)

// PoolConfig sizes the puller pool.
type PoolConfig struct {
	// Workers is the number of pullers. Default 2.
	Workers int
	// BatchSize bounds how many due jobs one puller takes per wake-up. Default 16.
	// Jobs later in a batch wait for the earlier payloads, so a puller hands
	// the rest of its batch back to the queue whenever another puller is idle.
	BatchSize int
	// HistorySize bounds the run history kept for Snapshot. Default 200.
	HistorySize int
	// Overlap is the default OverlapPolicy for jobs built on this pool.
	Overlap OverlapPolicy
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Pool owns the deadline queue shared by every job built on it and the
// pullers that drain it.
type Pool struct {
	mu  sync.Mutex
	cfg PoolConfig
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	onError ErrorHandler
	queue   *deadline.Queue[*Job]

	sup      *rtsup.Supervisor
	stopping atomic.Bool
	pullSeq  atomic.Uint64
	idle     atomic.Int32 // pullers blocked in Take

	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	deferred atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type PoolOption func(*Pool)

func WithLogger(log logx.Logger) PoolOption { return func(p *Pool) { p.log = log } }

// WithBus publishes job lifecycle events (job.started, job.finished, ...).
func WithBus(bus eventbus.Bus) PoolOption { return func(p *Pool) { p.bus = bus } }

// WithErrorHandler installs the sink for recovered failures. Default: LogErrors.
func WithErrorHandler(h ErrorHandler) PoolOption { return func(p *Pool) { p.onError = h } }

// WithClock overrides time.Now for the pool, its queue and its jobs.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPool(cfg PoolConfig, opts ...PoolOption) *Pool {
	p := &Pool{cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	if p.onError == nil {
		p.onError = LogErrors(p.log, 0)
	}
	p.queue = deadline.New(jobDue, deadline.WithClock(p.now))
	return p
}

// Queue exposes the shared deadline queue (diagnostics and tests).
func (p *Pool) Queue() *deadline.Queue[*Job] { return p.queue }

// Start launches the pullers. It is idempotent while running.
func (p *Pool) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return
	}
	p.stopping.Store(false)
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log.With(logx.String("comp", "coalesce"))))

	for i := 0; i < p.cfg.Workers; i++ {
		name := fmt.Sprintf("puller.%d", p.pullSeq.Add(1))
		p.sup.GoRestart(name, func(c context.Context) error {
			return p.pull(c, name)
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("coalesce pool started", logx.Int("workers", p.cfg.Workers), logx.Int("batch", p.cfg.BatchSize), logx.Int("queued", p.queue.Len()))
}

// Stop marks the pool as stopping, interrupts the pullers and waits for them,
// bounded by ctx. Running payloads finish; queued jobs stay queued.
func (p *Pool) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return nil
	}

	p.stopping.Store(true)
	err := sup.Stop(ctx)
	if err != nil {
		p.log.Warn("coalesce pool stop", logx.Err(err))
		return err
	}
	p.log.Info("coalesce pool stopped", logx.Int("queued", p.queue.Len()))
	return nil
}

// pull is one puller loop. It returns only when its context ends.
func (p *Pool) pull(ctx context.Context, name string) error {
	p.log.Debug("puller.started", logx.String("worker", name))
	batch := make([]*Job, 0, p.cfg.BatchSize)
	for {
		p.idle.Add(1)
		j, err := p.queue.Take(ctx)
		p.idle.Add(-1)
		if err != nil {
			if !p.stopping.Load() {
				p.report(name, fmt.Errorf("%w: %v", ErrInterrupted, err))
			}
			p.log.Debug("puller.stopped", logx.String("worker", name))
			return nil
		}

		batch = append(batch[:0], j)
		if p.cfg.BatchSize > 1 {
			batch = p.queue.DrainReady(batch, p.cfg.BatchSize-1)
		}
		for i, bj := range batch {
			batch[i] = nil
			if i > 0 && p.idle.Load() > 0 {
				// Still due, so an idle puller takes it right away.
				p.queue.Offer(bj)
				continue
			}
			p.execOne(ctx, name, bj)
		}
	}
}

// execOne runs j unless another puller is already running it.
func (p *Pool) execOne(ctx context.Context, worker string, j *Job) {
	st := j.st
	if !st.running.CompareAndSwap(false, true) {
		p.onOverlap(worker, j)
		return
	}

	start := p.now()
	lateness := start.Sub(j.Due())
	if lateness < 0 {
		lateness = 0
	}
	st.enqueued.Store(false)
	st.override.Store(noOverride)
	st.firstTouch.Store(0)
	st.lastRunStart.Store(start.UnixNano())

	p.publish(EventJobStarted, start, JobEvent{Job: j.name, Worker: worker, Started: start, Lateness: lateness})

	err := p.invoke(ctx, worker, j)
	dur := p.now().Sub(start)

	runs := st.runs.Add(1)
	st.running.Store(false)
	p.runs.Add(1)

	ev := JobEvent{Job: j.name, Worker: worker, Started: start, Lateness: lateness, Duration: dur, Runs: runs}
	item := HistoryItem{Job: j.name, Worker: worker, Started: start, Lateness: lateness, Duration: dur}
	if err != nil {
		st.failures.Add(1)
		p.failures.Add(1)
		ev.Error = err.Error()
		item.Error = ev.Error
		p.log.Warn(EventJobFailed, logx.String("job", j.name), logx.String("worker", worker), logx.Duration("dur", dur), logx.Err(err))
		p.publish(EventJobFailed, p.now(), ev)
		p.report(worker, &JobError{Job: j.name, Err: err})
	} else {
		p.log.Debug(EventJobFinished, logx.String("job", j.name), logx.String("worker", worker), logx.Duration("lateness", lateness), logx.Duration("dur", dur))
		p.publish(EventJobFinished, p.now(), ev)
	}
	p.record(item)

	if st.rerun.CompareAndSwap(true, false) {
		j.resubmit()
	}
}

// onOverlap handles a job dequeued while its previous run is in flight.
func (p *Pool) onOverlap(worker string, j *Job) {
	st := j.st
	st.enqueued.Store(false)
	now := p.now()

	if j.overlap != OverlapDefer {
		p.skipped.Add(1)
		p.log.Debug(EventJobSkipped, logx.String("job", j.name), logx.String("worker", worker))
		p.publish(EventJobSkipped, now, JobEvent{Job: j.name, Worker: worker, Started: now})
		return
	}

	p.deferred.Add(1)
	st.rerun.Store(true)
	// The run may have finished between the failed CAS and the flag store;
	// whichever side clears rerun first re-offers.
	if !st.running.Load() && st.rerun.CompareAndSwap(true, false) {
		j.resubmit()
	}
	p.log.Debug(EventJobDeferred, logx.String("job", j.name), logx.String("worker", worker))
	p.publish(EventJobDeferred, now, JobEvent{Job: j.name, Worker: worker, Started: now})
}

// invoke runs the payload, converting a panic into an error.
func (p *Pool) invoke(ctx context.Context, worker string, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPayloadPanic, r)
			p.log.Error("job.panic", logx.String("job", j.name), logx.String("worker", worker), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return j.payload(context.WithoutCancel(ctx))
}

func (p *Pool) report(worker string, err error) {
	if p.onError != nil {
		p.onError(worker, err)
	}
}

func (p *Pool) publish(typ string, at time.Time, ev JobEvent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (p *Pool) record(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if n := p.cfg.HistorySize; len(p.history) > n {
		p.history = p.history[len(p.history)-n:]
	}
	p.hmu.Unlock()
}

// Snapshot returns diagnostics for operators and tests.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	sup := p.sup
	p.mu.Unlock()

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Running:   sup != nil,
		Workers:   cfg.Workers,
		BatchSize: cfg.BatchSize,
		Queued:    p.queue.Len(),
		Runs:      p.runs.Load(),
		Failures:  p.failures.Load(),
		Skipped:   p.skipped.Load(),
		Deferred:  p.deferred.Load(),
		Pullers:   sup.Counters(),
		History:   h,
	}
}
