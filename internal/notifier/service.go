package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"coalesce/internal/eventbus"
	rtsup "coalesce/internal/runtime/supervisor"
	"coalesce/internal/task/coalesce"
	logx "coalesce/pkg/logx"
)

var ErrQueueFull = errors.New("notifier queue full")

const (
	sendTimeout  = 10 * time.Second
	maxErrorText = 300
	historySize  = 100
)

type alert struct {
	job  string
	text string
}

// Service turns job events into alerts:
// bus subscription + queue + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  Sender
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter

	queue    chan alert
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// per-job alert state
	smu     sync.Mutex
	failing map[string]uint64    // job -> consecutive failures
	dedup   map[string]time.Time // job -> suppress failure alerts until

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, deduped, dropped atomic.Uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	// Defaults
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	return &Service{
		log:    log,
		sender: sender,
		bus:    bus,
		cfg:    cfg,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		failing: map[string]uint64{},
		dedup:   map[string]time.Time{},
	}
}

// Start subscribes to the bus and starts the sender loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.bus == nil || s.sender == nil {
		return
	}

	s.queue = make(chan alert, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	events, unsub := s.bus.Subscribe(128, coalesce.EventJobFailed, coalesce.EventJobFinished)
	q := s.queue

	s.sup.Go("notify.events", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				s.handle(e)
			}
		}
	})
	s.sup.Go("notify.send", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case a, ok := <-q:
				if !ok {
					return nil
				}
				s.sendWithRetry(c, a)
			}
		}
	})
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	q := s.queue
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Let the sender drain what is queued, then unwind.
		for len(q) > 0 && sup.Context().Err() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.sup = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		sup.Cancel()
	}
}

func (s *Service) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Deduped: s.deduped.Load(), Dropped: s.dropped.Load()}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) handle(e eventbus.Event) {
	ev, ok := e.Data.(coalesce.JobEvent)
	if !ok {
		return
	}
	switch e.Type {
	case coalesce.EventJobFailed:
		s.smu.Lock()
		s.failing[ev.Job]++
		n := s.failing[ev.Job]
		now := time.Now()
		if until, ok := s.dedup[ev.Job]; ok && now.Before(until) {
			s.smu.Unlock()
			s.deduped.Add(1)
			return
		}
		if s.cfg.DedupWindow > 0 {
			s.dedup[ev.Job] = now.Add(s.cfg.DedupWindow)
		}
		s.smu.Unlock()
		s.enqueue(alert{job: ev.Job, text: failureText(ev, n)})

	case coalesce.EventJobFinished:
		s.smu.Lock()
		n, was := s.failing[ev.Job]
		delete(s.failing, ev.Job)
		delete(s.dedup, ev.Job)
		s.smu.Unlock()
		if was && s.cfg.OnRecover {
			s.enqueue(alert{job: ev.Job, text: fmt.Sprintf("job %s recovered after %d failed run(s)", ev.Job, n)})
		}
	}
}

func (s *Service) enqueue(a alert) {
	s.mu.Lock()
	q := s.queue
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if q == nil || stopping {
		s.dropped.Add(1)
		return
	}
	select {
	case q <- a:
	default:
		s.dropped.Add(1)
		s.log.Warn("alert dropped", logx.String("job", a.job), logx.Err(ErrQueueFull))
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a alert) {
	maxAttempts := 1 + s.cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sender.Send(callCtx, a.text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(a, nil)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.String("job", a.job), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	s.appendHistory(a, lastErr)
	s.log.Warn("alert not delivered", logx.String("job", a.job), logx.Err(lastErr))
}

func (s *Service) appendHistory(a alert, err error) {
	item := HistoryItem{At: time.Now(), Job: a.job, Text: a.text}
	if err != nil {
		item.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func failureText(ev coalesce.JobEvent, consecutive uint64) string {
	msg := strings.TrimSpace(ev.Error)
	if len(msg) > maxErrorText {
		msg = msg[:maxErrorText] + "..."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "job %s failed", ev.Job)
	if consecutive > 1 {
		fmt.Fprintf(&b, " (%d in a row)", consecutive)
	}
	fmt.Fprintf(&b, " after %s", ev.Duration.Round(time.Millisecond))
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
