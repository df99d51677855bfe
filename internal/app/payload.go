package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"coalesce/internal/task/coalesce"
	logx "coalesce/pkg/logx"
	"coalesce/pkg/systemdmanager"
)

const (
	// outputTail is how much combined output a failed command reports.
	outputTail = 2048

	defaultUnitTimeout = 90 * time.Second
	commandWaitDelay   = 2 * time.Second
)

type commandSpec struct {
	Argv    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// commandPayload runs argv without a shell. A non-zero exit fails the run
// with the tail of the command's output attached.
func commandPayload(spec commandSpec, log logx.Logger) coalesce.Payload {
	argv := append([]string(nil), spec.Argv...)
	env := mergeEnv(spec.Env)
	return func(ctx context.Context) error {
		if len(argv) == 0 {
			return errors.New("empty command")
		}
		if spec.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = spec.Dir
		cmd.Env = env
		cmd.WaitDelay = commandWaitDelay
		out := &tailBuffer{max: outputTail}
		cmd.Stdout = out
		cmd.Stderr = out

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("timed out after %s: %w", spec.Timeout, err)
			}
			if tail := strings.TrimSpace(out.String()); tail != "" {
				return fmt.Errorf("%s: %w: %s", argv[0], err, tail)
			}
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		log.Debug("command finished", logx.Duration("took", took), logx.Int("output_bytes", out.total))
		return nil
	}
}

// mergeEnv returns nil (inherit) when extra is empty.
func mergeEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// unitPayload applies action to a systemd unit and waits for the job systemd queues.
func unitPayload(connect func(context.Context) (*systemdmanager.Manager, error), unit string, action systemdmanager.Action, timeout time.Duration, log logx.Logger) coalesce.Payload {
	if timeout <= 0 {
		timeout = defaultUnitTimeout
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		m, err := connect(ctx)
		if err != nil {
			return fmt.Errorf("systemd: %w", err)
		}
		if err := m.Do(ctx, unit, action); err != nil {
			return err
		}
		log.Debug("unit action done", logx.String("unit", systemdmanager.UnitName(unit)), logx.String("action", string(action)))
		return nil
	}
}

// tailBuffer keeps the last max bytes written to it. exec serialises writes
// when Stdout and Stderr are the same writer.
type tailBuffer struct {
	max   int
	buf   []byte
	total int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.total += len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }
