package coalesce

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	logx "coalesce/pkg/logx"
)

var (
	// ErrInvalidConfig is returned synchronously by Factory constructors.
	ErrInvalidConfig = errors.New("coalesce: invalid job configuration")
	// ErrInterrupted is reported when a puller's wait ends while the pool is not stopping.
	ErrInterrupted = errors.New("coalesce: puller interrupted")
	// ErrPayloadPanic wraps a recovered payload panic.
	ErrPayloadPanic = errors.New("coalesce: payload panicked")
)

// JobError carries a payload failure to the ErrorHandler.
type JobError struct {
	Job string
	Err error
}

func (e *JobError) Error() string  { return fmt.Sprintf("job %s: %v", e.Job, e.Err) }
func (e *JobError) Unwrap() error { return e.Err }

// ErrorHandler receives every failure the pullers recover from: payload
// errors and panics (as *JobError) and unexpected interruptions
// (ErrInterrupted). worker names the puller that observed it.
//
// It is called on the puller goroutine and should return quickly.
type ErrorHandler func(worker string, err error)

// LogErrors returns an ErrorHandler that logs through log, at most perSecond
// reports per second (default 10). Reports over the limit are counted and the
// count is attached to the next logged one.
func LogErrors(log logx.Logger, perSecond int) ErrorHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), perSecond)
	var suppressed atomic.Uint64

	return func(worker string, err error) {
		if err == nil {
			return
		}
		if !lim.Allow() {
			suppressed.Add(1)
			return
		}
		fields := []logx.Field{logx.String("worker", worker), logx.Err(err)}
		var je *JobError
		if errors.As(err, &je) {
			fields = append(fields, logx.String("job", je.Job))
		}
		if n := suppressed.Swap(0); n > 0 {
			fields = append(fields, logx.Uint64("suppressed", n))
		}
		log.Error("job.error", fields...)
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
