package systemdmanager

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports service state through sd_notify. Outside systemd
// (NOTIFY_SOCKET unset) every call is a no-op.
type Notifier struct{}

func (Notifier) Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func (Notifier) Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

func (Notifier) Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (Notifier) Status(s string) (bool, error) { return daemon.SdNotify(false, "STATUS="+s) }

// Watchdog pings the systemd watchdog at half its interval until ctx ends.
// It returns immediately when the watchdog is not enabled for this unit.
func (Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
