//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager runs unit jobs on the system bus.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to systemd using ctx for the initial D-Bus connection.
func New(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

// Close closes the systemd connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Do queues action on unit in "replace" mode and waits for the job to finish,
// bounded by ctx.
func (m *Manager) Do(ctx context.Context, unit string, action Action) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return fmt.Errorf("systemd connection is closed")
	}

	unit = UnitName(unit)
	done := make(chan string, 1)
	var err error
	switch action {
	case Start:
		_, err = m.conn.StartUnitContext(ctx, unit, "replace", done)
	case Stop:
		_, err = m.conn.StopUnitContext(ctx, unit, "replace", done)
	case Restart, "":
		_, err = m.conn.RestartUnitContext(ctx, unit, "replace", done)
	case TryRestart:
		_, err = m.conn.TryRestartUnitContext(ctx, unit, "replace", done)
	case Reload:
		_, err = m.conn.ReloadUnitContext(ctx, unit, "replace", done)
	default:
		return fmt.Errorf("unknown unit action %q", action)
	}
	if err != nil {
		return formatOperationError(action, unit, err)
	}

	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%w: %s %s: %s", ErrJobFailed, action, unit, res)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, unit, ctx.Err())
	}
}
