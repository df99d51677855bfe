package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRestartRecoversPanics(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	ran := make(chan struct{})

	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			panic("boom")
		}
		close(ran)
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("fn was not restarted (runs=%d)", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if got := sup.Counters().Panics; got != 2 {
		t.Fatalf("Panics = %d, want 2", got)
	}
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	sentinel := errors.New("bad")
	sup.Go("one", func(ctx context.Context) error { return sentinel })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if !errors.Is(err, sentinel) {
		t.Fatalf("Wait error = %v, want %v", err, sentinel)
	}
	if sup.Context().Err() == nil {
		t.Fatal("context should be canceled on error")
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("always-fails", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatal("expected error after giving up")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}
