package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"coalesce/internal/config"
	"coalesce/internal/eventbus"
	"coalesce/internal/notifier"
	"coalesce/internal/observability/admin"
	rtsup "coalesce/internal/runtime/supervisor"
	"coalesce/internal/storage"
	"coalesce/internal/task/coalesce"
	"coalesce/internal/trigger"
	logx "coalesce/pkg/logx"
	"coalesce/pkg/systemdmanager"
)

type App struct {
	cfgPath string

	// cfgm is nil for configs built in code (the watch command).
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	pool    *coalesce.Pool
	factory *coalesce.Factory
	overlap coalesce.OverlapPolicy

	cron  *trigger.Cron
	paths *trigger.Paths

	admin *admin.Service
	sd    systemdmanager.Notifier

	alertsMu sync.Mutex
	alerts   *notifier.Service

	unitsMu sync.Mutex
	units   *systemdmanager.Manager

	jobsMu  sync.Mutex
	jobs    map[string]*managedJob
	applied *config.Config
}

// NewApp loads cfgPath and builds an app that reloads it when reload.enabled is set.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	return a, nil
}

// New builds an app from an already validated config. Jobs are created
// immediately; nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	overlap, _ := config.ParseOverlap("scheduler.overlap", cfg.Scheduler.Overlap)
	pool := coalesce.NewPool(coalesce.PoolConfig{
		Workers:     cfg.Scheduler.Workers,
		BatchSize:   cfg.Scheduler.BatchSize,
		HistorySize: cfg.Scheduler.HistorySize,
	},
		coalesce.WithLogger(log.With(logx.String("comp", "coalesce"))),
		coalesce.WithBus(bus),
		coalesce.WithErrorHandler(coalesce.LogErrors(log.With(logx.String("comp", "jobs")), cfg.Scheduler.ErrorRatePerSec)),
	)

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	paths, err := trigger.NewPaths(log.With(logx.String("comp", "paths")))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		pool:    pool,
		factory: coalesce.NewFactory(pool),
		overlap: overlap,
		cron:    trigger.NewCron(loc, log.With(logx.String("comp", "cron"))),
		paths:   paths,
		jobs:    map[string]*managedJob{},
	}
	a.admin = admin.New(adminCfg, a, log.With(logx.String("comp", "admin")))
	alerts, err := a.buildAlerts(cfg)
	if err == nil {
		a.alerts = alerts
		err = a.applyJobs(cfg)
	}
	if err != nil {
		_ = paths.Close()
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// Pool exposes the shared pool (snapshots, queue length).
func (a *App) Pool() *coalesce.Pool { return a.pool }

// Store returns the run journal, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Subscribe before the pool starts so no run is missed.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, coalesce.EventJobFinished, coalesce.EventJobFailed)
		a.sup.Go("journal", func(c context.Context) error {
			defer unsub()
			return recordRuns(c, events, a.store, a.log.With(logx.String("comp", "journal")))
		})
	}

	if al := a.currentAlerts(); al != nil {
		al.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level to avoid noise for chatty triggers.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// The pool outlives the run context; Stop() drains it explicitly.
	a.pool.Start(context.WithoutCancel(a.sup.Context()))
	a.cron.Start()
	a.sup.Go("paths.watch", a.paths.Run)
	a.admin.Start(a.sup.Context())

	if a.cfgm != nil && a.current().Reload.Enabled {
		a.startReload()
	}

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
		return nil
	})

	n := a.touchOnStart()
	if sent, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		_, _ = a.sd.Status(fmt.Sprintf("%d jobs", a.jobCount()))
	}
	a.log.Info("app started", logx.Int("jobs", a.jobCount()), logx.Int("touched", n))
	return nil
}

func (a *App) startReload() {
	cfg := a.current()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	if d, err := config.ParseDurationField("reload.debounce", cfg.Reload.Debounce); err == nil {
		a.cfgm.SetDebounce(d)
	}
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return CheckJobs(cfg) })

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(newCfg)
			}
		}
	})

	// The reload itself is a resetting job on the shared pool.
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c, a.factory)
	})
}

func (a *App) applyConfig(newCfg *config.Config) {
	if newCfg == nil {
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	sections, attrs, changedJobs := config.SummarizeConfigChange(a.current(), newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "scheduler", "reload":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "admin":
			if ac, err := mapAdminConfig(newCfg); err != nil {
				a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
			} else {
				a.admin.Reconfigure(a.sup.Context(), ac)
			}
		case "notify":
			a.swapAlerts(a.sup.Context(), newCfg)
		}
	}
	if len(changedJobs) > 0 {
		a.log.Debug("job changes detected", logx.Any("jobs", changedJobs))
	}

	if err := a.applyJobs(newCfg); err != nil {
		a.log.Warn("some jobs could not be applied", logx.Err(err))
	}
	_, _ = a.sd.Status(fmt.Sprintf("%d jobs", a.jobCount()))
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: only release what New opened.
		_ = a.paths.Close()
		if a.store != nil {
			_ = a.store.Close()
		}
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Touch sources first so nothing new is touched while the pool drains.
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("cron", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	step("paths", 1*time.Second, func(context.Context) error { return a.paths.Close() })

	// In-flight payloads finish; pending deadlines are dropped.
	step("pool", 10*time.Second, a.pool.Stop)
	step("notify", 3*time.Second, func(c context.Context) error {
		if al := a.currentAlerts(); al != nil {
			al.Stop(c)
		}
		return nil
	})

	// Now unwind background loops (journal drains what the pool published).
	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("systemd", 1*time.Second, func(context.Context) error {
		a.unitsMu.Lock()
		defer a.unitsMu.Unlock()
		if a.units != nil {
			return a.units.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// unitManager connects to systemd on first use.
func (a *App) unitManager(ctx context.Context) (*systemdmanager.Manager, error) {
	a.unitsMu.Lock()
	defer a.unitsMu.Unlock()
	if a.units != nil {
		return a.units, nil
	}
	m, err := systemdmanager.New(ctx)
	if err != nil {
		return nil, err
	}
	a.units = m
	return m, nil
}
