package deadline

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DueFunc reports the absolute time at which v becomes due.
//
// It is called under the queue lock on every Take/DrainReady, so it must be
// cheap and must not call back into the queue.
type DueFunc[T comparable] func(v T, now time.Time) time.Time

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Queue is a blocking priority queue ordered by due time.
//
// Due times are not snapshotted at insertion: items may change their deadline
// at any moment, so keys are recomputed before every removal. Equal deadlines
// are ordered by insertion.
//
// An item is present at most once; Offer of a present item is a no-op.
type Queue[T comparable] struct {
	mu    sync.Mutex
	h     entryHeap[T]
	index map[T]*entry[T]
	seq   uint64

	due  DueFunc[T]
	now  func() time.Time
	wake chan struct{}
}

type entry[T comparable] struct {
	v   T
	due time.Time
	seq uint64
	idx int
}

func New[T comparable](due DueFunc[T], opts ...Option) *Queue[T] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Queue[T]{
		index: make(map[T]*entry[T]),
		due:   due,
		now:   o.now,
		wake:  make(chan struct{}, 1),
	}
}

// Offer inserts v unless it is already queued. It reports whether v was added.
func (q *Queue[T]) Offer(v T) bool {
	q.mu.Lock()
	if _, ok := q.index[v]; ok {
		q.mu.Unlock()
		return false
	}
	q.seq++
	e := &entry[T]{v: v, seq: q.seq, due: q.due(v, q.now())}
	heap.Push(&q.h, e)
	q.index[v] = e
	q.mu.Unlock()

	q.Wake()
	return true
}

// Remove drops v from the queue. It reports whether v was present.
func (q *Queue[T]) Remove(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[v]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.idx)
	delete(q.index, v)
	return true
}

func (q *Queue[T]) Contains(v T) bool {
	q.mu.Lock()
	_, ok := q.index[v]
	q.mu.Unlock()
	return ok
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	n := len(q.h)
	q.mu.Unlock()
	return n
}

// Wake makes a blocked Take re-evaluate deadlines. Never blocks.
func (q *Queue[T]) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Take blocks until the earliest item is due and removes it.
// It returns ctx.Err() if ctx ends first.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		q.mu.Lock()
		now := q.now()
		q.refreshLocked(now)
		var wait time.Duration = -1
		if len(q.h) > 0 {
			head := q.h[0]
			if !head.due.After(now) {
				q.popLocked()
				more := len(q.h) > 0
				q.mu.Unlock()
				// Hand off to the next waiter so it can sleep on the new head.
				if more {
					q.Wake()
				}
				return head.v, nil
			}
			wait = head.due.Sub(now)
		}
		q.mu.Unlock()

		var fire <-chan time.Time
		if wait >= 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(wait)
			}
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.wake:
		case <-fire:
		}
	}
}

// DrainReady appends every currently due item to dst, at most limit of them
// (limit <= 0 means no bound), and returns the extended slice. Never blocks.
func (q *Queue[T]) DrainReady(dst []T, limit int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.refreshLocked(now)
	n := 0
	for len(q.h) > 0 && (limit <= 0 || n < limit) {
		head := q.h[0]
		if head.due.After(now) {
			break
		}
		q.popLocked()
		dst = append(dst, head.v)
		n++
	}
	return dst
}

// refreshLocked recomputes every key and restores heap order.
func (q *Queue[T]) refreshLocked(now time.Time) {
	if len(q.h) == 0 {
		return
	}
	for _, e := range q.h {
		e.due = q.due(e.v, now)
	}
	heap.Init(&q.h)
}

func (q *Queue[T]) popLocked() {
	e := heap.Pop(&q.h).(*entry[T])
	delete(q.index, e.v)
}

// entryHeap orders by due time, then insertion sequence.
type entryHeap[T comparable] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *entryHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}
