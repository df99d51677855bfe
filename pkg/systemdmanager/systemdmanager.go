// Package systemdmanager drives systemd units over D-Bus and talks to the
// service manager through sd_notify.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	// ErrJobFailed wraps a systemd job that finished with a result other than "done".
	ErrJobFailed = errors.New("systemdmanager: unit job failed")
)

// Action is a unit operation.
type Action string

const (
	Start      Action = "start"
	Stop       Action = "stop"
	Restart    Action = "restart"
	TryRestart Action = "try-restart"
	Reload     Action = "reload"
)

// ParseAction accepts the Action names; empty means restart.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Restart, nil
	case Start, Stop, Restart, TryRestart, Reload:
		return a, nil
	default:
		return "", fmt.Errorf("unknown unit action %q", s)
	}
}

var unitSuffixes = []string{".service", ".socket", ".timer", ".target", ".path", ".mount", ".slice", ".scope"}

// UnitName appends ".service" to bare names.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, s := range unitSuffixes {
		if strings.HasSuffix(name, s) {
			return name
		}
	}
	return name + ".service"
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	if strings.Contains(es, "NoSuchUnit") {
		return true
	}
	return strings.Contains(es, "not-found")
}

func formatOperationError(action Action, unit string, err error) error {
	if isNoSuchUnitErr(err) {
		return fmt.Errorf("failed to %s %s: unit not found: %w", action, unit, err)
	}
	return fmt.Errorf("failed to %s %s: %w", action, unit, err)
}
