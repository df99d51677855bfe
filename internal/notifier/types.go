package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses repeated failure alerts for the same job.
	DedupWindow time.Duration
	// OnRecover also announces the first success after a failure.
	OnRecover bool
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

type HistoryItem struct {
	At   time.Time
	Job  string
	Text string
	Err  string
}

// Stats counts alerts by outcome.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Deduped uint64
	Dropped uint64
}
