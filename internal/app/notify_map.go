package app

import (
	"context"
	"strings"
	"time"

	"coalesce/internal/config"
	"coalesce/internal/notifier"
	logx "coalesce/pkg/logx"
)

func mapNotifyConfig(cfg *config.Config) (notifier.Config, notifier.TelegramConfig, bool, error) {
	if cfg == nil || cfg.Notify == nil {
		return notifier.Config{}, notifier.TelegramConfig{}, false, nil
	}
	n := cfg.Notify
	dedup, err := config.ParseDurationOrDefault("notify.dedup_window", n.DedupWindow, 5*time.Minute)
	if err != nil {
		return notifier.Config{}, notifier.TelegramConfig{}, false, err
	}
	retryMax := n.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	nc := notifier.Config{
		QueueSize:   n.QueueSize,
		RatePerSec:  n.RatePerSec,
		RetryMax:    retryMax,
		DedupWindow: dedup,
		OnRecover:   n.OnRecover,
	}
	tc := notifier.TelegramConfig{
		Token:    strings.TrimSpace(n.Telegram.Token),
		ChatID:   n.Telegram.ChatID,
		ThreadID: n.Telegram.ThreadID,
	}
	return nc, tc, true, nil
}

// buildAlerts returns nil when notify is not configured.
func (a *App) buildAlerts(cfg *config.Config) (*notifier.Service, error) {
	nc, tc, enabled, err := mapNotifyConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	tg, err := notifier.NewTelegram(tc)
	if err != nil {
		return nil, err
	}
	return notifier.New(nc, tg, a.bus, a.log.With(logx.String("comp", "notify"))), nil
}

// swapAlerts replaces the running alert service after a notify change.
func (a *App) swapAlerts(ctx context.Context, cfg *config.Config) {
	next, err := a.buildAlerts(cfg)
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		return
	}
	a.alertsMu.Lock()
	prev := a.alerts
	a.alerts = next
	a.alertsMu.Unlock()

	if prev != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		prev.Stop(stopCtx)
		cancel()
	}
	if next != nil {
		next.Start(ctx)
	}
	a.log.Info("notify reconfigured", logx.Bool("enabled", next != nil))
}

func (a *App) currentAlerts() *notifier.Service {
	a.alertsMu.Lock()
	defer a.alertsMu.Unlock()
	return a.alerts
}
