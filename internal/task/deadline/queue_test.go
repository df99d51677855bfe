package deadline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type item struct {
	name string

	mu  sync.Mutex
	due time.Time
}

func (it *item) set(t time.Time) {
	it.mu.Lock()
	it.due = t
	it.mu.Unlock()
}

func itemDue(it *item, _ time.Time) time.Time {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.due
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func names(items []*item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.name)
	}
	return out
}

func TestOfferIsIdempotent(t *testing.T) {
	t.Parallel()
	q := New(itemDue)
	a := &item{name: "a", due: time.Now().Add(time.Hour)}

	if !q.Offer(a) {
		t.Fatal("first Offer should insert")
	}
	for i := 0; i < 5; i++ {
		if q.Offer(a) {
			t.Fatalf("Offer #%d inserted a duplicate", i+2)
		}
	}
	if !q.Contains(a) {
		t.Fatal("Contains = false, want true")
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestRemoveByIdentity(t *testing.T) {
	t.Parallel()
	q := New(itemDue)
	base := time.Now().Add(time.Hour)
	a := &item{name: "a", due: base}
	b := &item{name: "b", due: base}
	q.Offer(a)
	q.Offer(b)

	if !q.Remove(a) {
		t.Fatal("Remove(a) = false, want true")
	}
	if q.Remove(a) {
		t.Fatal("second Remove(a) = true, want false")
	}
	if q.Contains(a) || !q.Contains(b) {
		t.Fatalf("Contains(a)=%v Contains(b)=%v", q.Contains(a), q.Contains(b))
	}
	// Removed items can come back.
	if !q.Offer(a) {
		t.Fatal("Offer after Remove should insert")
	}
}

func TestDrainReadyOrderAndTieBreak(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1_000, 0)}
	q := New(itemDue, WithClock(clk.Now))

	at := clk.Now()
	late := &item{name: "late", due: at.Add(30 * time.Millisecond)}
	tie1 := &item{name: "tie1", due: at.Add(10 * time.Millisecond)}
	tie2 := &item{name: "tie2", due: at.Add(10 * time.Millisecond)}
	early := &item{name: "early", due: at.Add(5 * time.Millisecond)}
	future := &item{name: "future", due: at.Add(time.Hour)}
	for _, it := range []*item{late, tie1, future, tie2, early} {
		q.Offer(it)
	}

	if got := q.DrainReady(nil, 0); len(got) != 0 {
		t.Fatalf("nothing is due yet, drained %v", names(got))
	}

	clk.Advance(time.Second)
	got := names(q.DrainReady(nil, 0))
	want := []string{"early", "tie1", "tie2", "late"}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
	if !q.Contains(future) || q.Len() != 1 {
		t.Fatalf("future item should remain queued (len=%d)", q.Len())
	}
}

func TestDrainReadyRespectsLimit(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1_000, 0)}
	q := New(itemDue, WithClock(clk.Now))
	for i := 0; i < 5; i++ {
		q.Offer(&item{name: "x", due: clk.Now()})
	}

	batch := q.DrainReady(make([]*item, 0, 8), 2)
	if len(batch) != 2 {
		t.Fatalf("batch len = %d, want 2", len(batch))
	}
	if q.Len() != 3 {
		t.Fatalf("queue len = %d, want 3", q.Len())
	}
}

func TestKeysAreRecomputedOnEveryQuery(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(1_000, 0)}
	q := New(itemDue, WithClock(clk.Now))

	a := &item{name: "a", due: clk.Now().Add(10 * time.Millisecond)}
	b := &item{name: "b", due: clk.Now().Add(20 * time.Millisecond)}
	q.Offer(a)
	q.Offer(b)

	// a is pushed back after insertion; b must now come first.
	a.set(clk.Now().Add(time.Hour))
	clk.Advance(25 * time.Millisecond)

	got := q.DrainReady(nil, 0)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("drained %v, want [b]", names(got))
	}
}

func TestTakeBlocksUntilDue(t *testing.T) {
	t.Parallel()
	q := New(itemDue)
	start := time.Now()
	a := &item{name: "a", due: start.Add(40 * time.Millisecond)}
	q.Offer(a)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := q.Take(ctx)
	if err != nil {
		t.Fatalf("Take error: %v", err)
	}
	if got != a {
		t.Fatalf("Take returned %q", got.name)
	}
	if el := time.Since(start); el < 35*time.Millisecond {
		t.Fatalf("Take returned after %v, before the item was due", el)
	}
	if q.Contains(a) {
		t.Fatal("taken item still queued")
	}
}

func TestTakeWakesOnEarlierOffer(t *testing.T) {
	t.Parallel()
	q := New(itemDue)
	now := time.Now()
	q.Offer(&item{name: "slow", due: now.Add(time.Hour)})

	done := make(chan *item, 1)
	go func() {
		it, err := q.Take(context.Background())
		if err == nil {
			done <- it
		}
	}()

	time.Sleep(20 * time.Millisecond)
	fast := &item{name: "fast", due: time.Now().Add(10 * time.Millisecond)}
	q.Offer(fast)

	select {
	case it := <-done:
		if it != fast {
			t.Fatalf("Take returned %q, want fast", it.name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not wake for an earlier item")
	}
}

func TestTakeReturnsContextError(t *testing.T) {
	t.Parallel()
	q := New(itemDue)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Take error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not observe cancellation")
	}
}

func TestConcurrentTakersEachGetOneItem(t *testing.T) {
	t.Parallel()
	q := New(itemDue)
	const n = 20
	now := time.Now()
	for i := 0; i < n; i++ {
		q.Offer(&item{name: "x", due: now.Add(time.Duration(i) * time.Millisecond)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[*item]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := q.Take(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[it]++
				distinct := len(seen)
				mu.Unlock()
				if distinct == n {
					cancel()
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("took %d distinct items, want %d", len(seen), n)
	}
	for it, c := range seen {
		if c != 1 {
			t.Fatalf("item %p taken %d times", it, c)
		}
	}
}
