package app

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"coalesce/internal/config"
	"coalesce/internal/notifier"
	"coalesce/internal/task/coalesce"
	logx "coalesce/pkg/logx"
	"coalesce/pkg/systemdmanager"
)

// managedJob is a configured job together with the triggers registered for it.
type managedJob struct {
	cfg config.JobConfig
	job *coalesce.Job
}

func (a *App) current() *config.Config {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	return a.applied
}

func (a *App) jobCount() int {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	return len(a.jobs)
}

// Job returns the running job for name.
func (a *App) Job(name string) (*coalesce.Job, bool) {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	mj, ok := a.jobs[name]
	if !ok {
		return nil, false
	}
	return mj.job, true
}

// applyJobs reconciles running jobs with cfg.Jobs. Unchanged jobs keep their
// pending deadline; changed ones are cancelled and rebuilt. A job that fails
// to build is reported and skipped, the rest are still applied.
func (a *App) applyJobs(cfg *config.Config) error {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()

	want := make(map[string]int, len(cfg.Jobs))
	for i, jc := range cfg.Jobs {
		want[strings.TrimSpace(jc.Name)] = i
	}

	for name, mj := range a.jobs {
		i, ok := want[name]
		if ok && reflect.DeepEqual(mj.cfg, cfg.Jobs[i]) {
			continue
		}
		a.dropJobLocked(name, mj)
		if !ok {
			a.log.Info("job removed", logx.String("job", name))
		}
	}

	var errs []error
	for i, jc := range cfg.Jobs {
		name := strings.TrimSpace(jc.Name)
		if _, ok := a.jobs[name]; ok {
			continue
		}
		mj, err := a.buildJob(i, jc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.jobs[name] = mj
		a.log.Info("job ready",
			logx.String("job", name),
			logx.String("policy", mj.job.Policy().Kind.String()),
			logx.Duration("delay", mj.job.Delay()),
		)
	}
	a.applied = cfg
	return errors.Join(errs...)
}

func (a *App) dropJobLocked(name string, mj *managedJob) {
	a.cron.Remove(name)
	a.paths.Unwatch(name)
	mj.job.Cancel()
	delete(a.jobs, name)
}

func (a *App) buildJob(idx int, jc config.JobConfig) (*managedJob, error) {
	spec, err := jc.Spec(idx, a.overlap)
	if err != nil {
		return nil, err
	}
	job, err := a.factory.New(spec.Delay, spec.Policy, a.payloadFor(spec, jc),
		coalesce.WithName(spec.Name),
		coalesce.WithOverlap(spec.Overlap),
	)
	if err != nil {
		return nil, fmt.Errorf("jobs[%s]: %w", spec.Name, err)
	}

	if c := strings.TrimSpace(jc.Cron); c != "" {
		if err := a.cron.Add(spec.Name, c, job); err != nil {
			return nil, fmt.Errorf("jobs[%s].cron: %w", spec.Name, err)
		}
	}
	if len(jc.Watch) > 0 {
		if err := a.paths.Watch(spec.Name, jc.Watch, job); err != nil {
			a.cron.Remove(spec.Name)
			return nil, fmt.Errorf("jobs[%s].watch: %w", spec.Name, err)
		}
	}
	return &managedJob{cfg: jc, job: job}, nil
}

func (a *App) payloadFor(spec config.JobSpec, jc config.JobConfig) coalesce.Payload {
	log := a.log.With(logx.String("comp", "jobs"), logx.String("job", spec.Name))
	if u := strings.TrimSpace(jc.Unit); u != "" {
		action, _ := systemdmanager.ParseAction(jc.UnitAction)
		return unitPayload(a.unitManager, u, action, spec.Timeout, log)
	}
	return commandPayload(commandSpec{
		Argv:    jc.Command,
		Dir:     jc.Dir,
		Env:     jc.Env,
		Timeout: spec.Timeout,
	}, log)
}

func (a *App) touchOnStart() int {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()
	n := 0
	for _, mj := range a.jobs {
		if mj.cfg.TouchOnStart {
			mj.job.Touch()
			n++
		}
	}
	return n
}

// dryRunJobs builds every job of cfg against an unstarted pool so policy
// arithmetic errors reject a reload before anything running is touched.
func dryRunJobs(cfg *config.Config) error {
	overlap, err := config.ParseOverlap("scheduler.overlap", cfg.Scheduler.Overlap)
	if err != nil {
		return err
	}
	f := coalesce.NewFactory(coalesce.NewPool(coalesce.PoolConfig{}))
	var errs []error
	for i, jc := range cfg.Jobs {
		spec, err := jc.Spec(i, overlap)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := f.New(spec.Delay, spec.Policy, coalesce.Func(func() {}), coalesce.WithName(spec.Name)); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%s]: %w", spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// CheckJobs validates cfg the way a reload would, including policy arithmetic.
func CheckJobs(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	if _, tc, enabled, err := mapNotifyConfig(cfg); err != nil {
		return err
	} else if enabled {
		if _, err := notifier.NewTelegram(tc); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	return dryRunJobs(cfg)
}
