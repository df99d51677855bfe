package app

import (
	"context"
	"time"

	"coalesce/internal/eventbus"
	"coalesce/internal/storage"
	"coalesce/internal/task/coalesce"
	logx "coalesce/pkg/logx"
)

const journalWriteTimeout = 2 * time.Second

// recordRuns appends every finished or failed run to store. On cancellation
// it drains what is already buffered before returning.
func recordRuns(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return nil
					}
					appendRun(store, e, log)
				default:
					return nil
				}
			}
		case e, ok := <-events:
			if !ok {
				return nil
			}
			appendRun(store, e, log)
		}
	}
}

func appendRun(store storage.Store, e eventbus.Event, log logx.Logger) {
	r, ok := runFromEvent(e)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if err := store.AppendRun(ctx, r); err != nil {
		log.Warn("journal append failed", logx.String("job", r.Job), logx.Err(err))
	}
}

func runFromEvent(e eventbus.Event) (storage.Run, bool) {
	ev, ok := e.Data.(coalesce.JobEvent)
	if !ok {
		return storage.Run{}, false
	}
	switch e.Type {
	case coalesce.EventJobFinished, coalesce.EventJobFailed:
	default:
		return storage.Run{}, false
	}
	return storage.Run{
		Job:      ev.Job,
		Worker:   ev.Worker,
		Started:  ev.Started,
		Lateness: ev.Lateness,
		Duration: ev.Duration,
		OK:       e.Type == coalesce.EventJobFinished,
		Error:    ev.Error,
	}, true
}
