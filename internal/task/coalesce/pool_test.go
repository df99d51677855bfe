package coalesce

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coalesce/internal/eventbus"
	logx "coalesce/pkg/logx"

	"github.com/rs/zerolog"
)

type errSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errSink) handle(_ string, err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

type runLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (r *runLog) payload(context.Context) error {
	r.mu.Lock()
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
	return nil
}

func (r *runLog) snapshot() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func startPool(t *testing.T, cfg PoolConfig, opts ...PoolOption) *Factory {
	t.Helper()
	pool := NewPool(cfg, opts...)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return NewFactory(pool)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSimpleCoalescesBurstIntoOneRun(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 2})
	var runs runLog
	j := mustJob(t)(f.WithSimpleDelay(100*time.Millisecond, runs.payload))

	first := time.Now()
	j.Touch()
	time.Sleep(60 * time.Millisecond)
	j.Touch()

	waitFor(t, time.Second, func() bool { return len(runs.snapshot()) == 1 })
	time.Sleep(150 * time.Millisecond)

	got := runs.snapshot()
	if len(got) != 1 {
		t.Fatalf("runs = %d, want 1", len(got))
	}
	// A resetting job would have run at about +160ms.
	if el := got[0].Sub(first); el < 95*time.Millisecond || el > 150*time.Millisecond {
		t.Fatalf("ran after %s, want about 100ms", el)
	}
}

func TestResettingDebounce(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 2})
	var runs runLog
	j := mustJob(t)(f.WithResettingDelay(60*time.Millisecond, runs.payload))

	var last time.Time
	for i := 0; i < 20; i++ {
		last = time.Now()
		j.Touch()
		time.Sleep(15 * time.Millisecond)
	}
	if n := len(runs.snapshot()); n != 0 {
		t.Fatalf("ran %d times while still being touched", n)
	}

	waitFor(t, time.Second, func() bool { return len(runs.snapshot()) == 1 })
	time.Sleep(100 * time.Millisecond)
	got := runs.snapshot()
	if len(got) != 1 {
		t.Fatalf("runs = %d, want 1", len(got))
	}
	if gap := got[0].Sub(last); gap < 55*time.Millisecond {
		t.Fatalf("ran %s after the last touch, want >= 60ms", gap)
	}
}

func TestMaxSinceFirstTouchBoundsContinuousTouching(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 2})
	var runs runLog
	j := mustJob(t)(f.WithResettingDelayAndMaximumSinceFirstTouch(100*time.Millisecond, runs.payload, 250*time.Millisecond))

	first := time.Now()
	stop := first.Add(500 * time.Millisecond)
	for time.Now().Before(stop) {
		j.Touch()
		time.Sleep(60 * time.Millisecond)
	}

	got := runs.snapshot()
	if len(got) == 0 {
		t.Fatal("no run while touching continuously")
	}
	if el := got[0].Sub(first); el > 350*time.Millisecond {
		t.Fatalf("first run after %s, want about 250ms", el)
	}
	waitFor(t, time.Second, func() bool { return len(runs.snapshot()) >= 2 })
}

func TestMaxSinceLastRunBoundsContinuousTouching(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 1})
	var runs runLog
	j := mustJob(t)(f.WithResettingDelayAndMaximumSinceLastRun(80*time.Millisecond, runs.payload, 200*time.Millisecond))

	stop := time.Now().Add(700 * time.Millisecond)
	for time.Now().Before(stop) {
		j.Touch()
		time.Sleep(40 * time.Millisecond)
	}

	got := runs.snapshot()
	if len(got) < 2 {
		t.Fatalf("runs = %d, want at least 2 while touching continuously", len(got))
	}
	for i := 1; i < len(got); i++ {
		if gap := got[i].Sub(got[i-1]); gap > 300*time.Millisecond {
			t.Fatalf("gap between runs %d and %d is %s, want about 200ms", i-1, i, gap)
		}
	}
}

func TestCancelPreventsRunAndJobStaysReusable(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 1})
	var runs runLog
	j := mustJob(t)(f.WithSimpleDelay(50*time.Millisecond, runs.payload))

	j.Touch()
	j.Cancel()
	time.Sleep(120 * time.Millisecond)
	if n := len(runs.snapshot()); n != 0 {
		t.Fatalf("cancelled job ran %d times", n)
	}

	j.Touch()
	waitFor(t, time.Second, func() bool { return len(runs.snapshot()) == 1 })
}

func TestTouchWithDelayRunsEarly(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 1})
	var runs runLog
	j := mustJob(t)(f.WithResettingDelay(time.Hour, runs.payload))

	j.Touch()
	time.Sleep(20 * time.Millisecond) // let the puller sleep on the hour-long deadline
	j.TouchWithDelay(10 * time.Millisecond)
	waitFor(t, time.Second, func() bool { return len(runs.snapshot()) == 1 })

	// The override was consumed by that run.
	j.Touch()
	if r := j.Remaining(); r < 50*time.Minute {
		t.Fatalf("Remaining = %s after the override run, want the default delay", r)
	}
}

func TestFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	var sink errSink
	f := startPool(t, PoolConfig{Workers: 1}, WithErrorHandler(sink.handle))

	boom := errors.New("boom")
	var failing, panicking, healthy atomic.Int32
	jf := mustJob(t)(f.WithSimpleDelay(5*time.Millisecond, func(context.Context) error {
		failing.Add(1)
		return boom
	}, WithName("failing")))
	jp := mustJob(t)(f.WithSimpleDelay(5*time.Millisecond, Func(func() {
		panicking.Add(1)
		panic("kaput")
	}), WithName("panicking")))
	jh := mustJob(t)(f.WithSimpleDelay(5*time.Millisecond, Func(func() { healthy.Add(1) }), WithName("healthy")))

	jf.Touch()
	jp.Touch()
	jh.Touch()
	waitFor(t, time.Second, func() bool { return healthy.Load() == 1 && len(sink.all()) == 2 })

	var sawFail, sawPanic bool
	for _, err := range sink.all() {
		var je *JobError
		if !errors.As(err, &je) {
			t.Fatalf("error %v is not a *JobError", err)
		}
		switch je.Job {
		case "failing":
			sawFail = errors.Is(err, boom)
		case "panicking":
			sawPanic = errors.Is(err, ErrPayloadPanic) && strings.Contains(err.Error(), "kaput")
		}
	}
	if !sawFail || !sawPanic {
		t.Fatalf("errors = %v", sink.all())
	}

	// Both broken jobs stay usable.
	jf.Touch()
	jp.Touch()
	waitFor(t, time.Second, func() bool { return failing.Load() == 2 && panicking.Load() == 2 })
	if st := jp.Stats(); st.Running || st.Failures != 2 {
		t.Fatalf("panicking job stats = %+v", st)
	}
}

// overlapFixture starts a run that blocks on release, then gets the same job
// dequeued again by the second puller.
func overlapFixture(t *testing.T, overlap OverlapPolicy) (*Factory, *Job, *atomic.Int32, chan struct{}) {
	t.Helper()
	f := startPool(t, PoolConfig{Workers: 2})
	release := make(chan struct{})
	var runs atomic.Int32
	j := mustJob(t)(f.WithResettingDelay(10*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 1 {
			<-release
		}
		return nil
	}, WithOverlap(overlap)))

	j.Touch()
	waitFor(t, time.Second, func() bool { return j.Stats().Running })
	j.Touch()
	return f, j, &runs, release
}

func TestOverlapSkipDropsTheDequeue(t *testing.T) {
	t.Parallel()
	f, j, runs, release := overlapFixture(t, OverlapSkip)
	waitFor(t, time.Second, func() bool { return f.Pool().Snapshot().Skipped == 1 })
	close(release)

	waitFor(t, time.Second, func() bool { return !j.Stats().Running })
	time.Sleep(50 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}

	j.Touch()
	waitFor(t, time.Second, func() bool { return runs.Load() == 2 })
}

func TestOverlapDeferRunsAfterCompletion(t *testing.T) {
	t.Parallel()
	f, _, runs, release := overlapFixture(t, OverlapDefer)
	waitFor(t, time.Second, func() bool { return f.Pool().Snapshot().Deferred == 1 })
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d before release, want 1", n)
	}
	close(release)
	waitFor(t, time.Second, func() bool { return runs.Load() == 2 })
}

func TestNeverRunsConcurrently(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 4, BatchSize: 1})
	var active, maxActive atomic.Int32
	j := mustJob(t)(f.WithResettingDelay(time.Millisecond, func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	}, WithOverlap(OverlapDefer)))

	stop := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(stop) {
		j.Touch()
		time.Sleep(time.Millisecond)
	}
	waitFor(t, time.Second, func() bool { return !j.Stats().Running && !j.Stats().Enqueued })
	if m := maxActive.Load(); m != 1 {
		t.Fatalf("max concurrent invocations = %d, want 1", m)
	}
}

func TestManyJobsShareOnePool(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 2, BatchSize: 4})
	const n = 40
	var done atomic.Int32
	for i := 0; i < n; i++ {
		j := mustJob(t)(f.WithSimpleDelay(time.Duration(i%5)*time.Millisecond, Func(func() { done.Add(1) })))
		j.Touch()
	}
	waitFor(t, 2*time.Second, func() bool { return done.Load() == n })
	if q := f.Pool().Queue().Len(); q != 0 {
		t.Fatalf("queue len = %d, want 0", q)
	}
}

func TestSlowPayloadDoesNotHoldItsBatch(t *testing.T) {
	t.Parallel()
	f := startPool(t, PoolConfig{Workers: 2, BatchSize: 8})
	// Let both pullers reach Take.
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	var fastRan atomic.Bool
	payload := func(ctx context.Context) error {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		return nil
	}
	slow := mustJob(t)(f.WithSimpleDelay(30*time.Millisecond, payload))
	fast := mustJob(t)(f.WithSimpleDelay(30*time.Millisecond, Func(func() { fastRan.Store(true) })))
	t.Cleanup(func() { close(release) })

	slow.Touch()
	fast.Touch()
	// Whichever puller took the slow job, the fast one must not wait for it.
	waitFor(t, time.Second, fastRan.Load)
	if !slow.Stats().Running {
		t.Fatal("slow job should still be running")
	}
}

func TestPayloadContextOutlivesStop(t *testing.T) {
	t.Parallel()
	pool := NewPool(PoolConfig{Workers: 1}, WithErrorHandler(func(string, error) {}))
	pool.Start(context.Background())
	f := NewFactory(pool)

	started := make(chan struct{})
	result := make(chan error, 1)
	j := mustJob(t)(f.WithSimpleDelay(0, func(ctx context.Context) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		result <- ctx.Err()
		return nil
	}))
	j.Touch()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-result; err != nil {
		t.Fatalf("payload context error = %v, want nil", err)
	}
}

func TestStopDoesNotReportInterruption(t *testing.T) {
	t.Parallel()
	var sink errSink
	pool := NewPool(PoolConfig{Workers: 2}, WithErrorHandler(sink.handle))
	pool.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if errs := sink.all(); len(errs) != 0 {
		t.Fatalf("errors after Stop = %v", errs)
	}
	if pool.Snapshot().Running {
		t.Fatal("pool reports running after Stop")
	}
}

func TestCancelledParentReportsInterruption(t *testing.T) {
	t.Parallel()
	var sink errSink
	pool := NewPool(PoolConfig{Workers: 1}, WithErrorHandler(sink.handle))
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	cancel()
	waitFor(t, time.Second, func() bool { return len(sink.all()) == 1 })
	if err := sink.all()[0]; !errors.Is(err, ErrInterrupted) {
		t.Fatalf("error = %v, want ErrInterrupted", err)
	}
}

func TestLifecycleEventsAndHistory(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(16, "job.started", "job.finished", "job.failed")
	defer unsubscribe()

	f := startPool(t, PoolConfig{Workers: 1, HistorySize: 2}, WithBus(bus), WithErrorHandler(func(string, error) {}))
	var fail atomic.Bool
	j := mustJob(t)(f.WithSimpleDelay(0, func(context.Context) error {
		if fail.Load() {
			return errors.New("bad")
		}
		return nil
	}, WithName("indexer")))

	want := []string{"job.started", "job.finished", "job.started", "job.failed"}
	var got []string
	j.Touch()
	for len(got) < 2 {
		got = append(got, recvEvent(t, events).Type)
	}
	fail.Store(true)
	j.Touch()
	var last eventbus.Event
	for len(got) < 4 {
		last = recvEvent(t, events)
		got = append(got, last.Type)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	ev, ok := last.Data.(JobEvent)
	if !ok || ev.Job != "indexer" || ev.Error != "bad" || ev.Runs != 2 {
		t.Fatalf("failed event data = %#v", last.Data)
	}

	j.Touch()
	waitFor(t, time.Second, func() bool { return f.Pool().Snapshot().Runs == 3 })
	snap := f.Pool().Snapshot()
	if len(snap.History) != 2 || snap.Failures != 2 {
		t.Fatalf("history = %d items, failures = %d", len(snap.History), snap.Failures)
	}
}

func recvEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestLogErrorsIsRateLimited(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := LogErrors(logx.New(zerolog.New(&buf)), 1)
	for i := 0; i < 5; i++ {
		h("puller.1", &JobError{Job: "x", Err: errors.New("boom")})
	}
	if n := strings.Count(buf.String(), "job.error"); n != 1 {
		t.Fatalf("logged %d lines, want 1:\n%s", n, buf.String())
	}
}
