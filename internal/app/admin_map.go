package app

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"coalesce/internal/config"
	"coalesce/internal/notifier"
	"coalesce/internal/observability/admin"
	"coalesce/internal/task/coalesce"
)

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	var out admin.Config
	if cfg == nil {
		return out, nil
	}
	ac := cfg.Admin

	out.Enabled = ac.Enabled
	out.AllowInsecure = ac.AllowInsecure
	out.Pprof = ac.Pprof
	out.Token = strings.TrimSpace(ac.Token)
	out.Addr = strings.TrimSpace(ac.Addr)
	if out.Addr == "" {
		out.Addr = admin.DefaultAddr
	}

	readTO, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	writeTO, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return out, err
	}
	idleTO, err := config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO // default 0 (disabled)
	out.IdleTimeout = idleTO

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("admin.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Security: refuse public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !admin.IsLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("admin: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

// JobStatus is one job in the admin status snapshot.
type JobStatus struct {
	Name      string        `json:"name"`
	Policy    string        `json:"policy"`
	Delay     time.Duration `json:"delay"`
	Queued    bool          `json:"queued"`
	Running   bool          `json:"running"`
	Due       *time.Time    `json:"due,omitempty"`
	Remaining time.Duration `json:"remaining"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastTouch *time.Time    `json:"last_touch,omitempty"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	NextCron  *time.Time    `json:"next_cron,omitempty"`
}

// Status is served by the admin endpoint.
type Status struct {
	Pool          coalesce.Snapshot `json:"pool"`
	Jobs          []JobStatus       `json:"jobs"`
	EventsDropped uint64            `json:"events_dropped"`
	Alerts        *notifier.Stats   `json:"alerts,omitempty"`
}

// Status implements admin.Backend.
func (a *App) Status() any {
	a.jobsMu.Lock()
	jobs := make([]JobStatus, 0, len(a.jobs))
	for name, mj := range a.jobs {
		st := mj.job.Stats()
		js := JobStatus{
			Name:      name,
			Policy:    mj.job.Policy().Kind.String(),
			Delay:     mj.job.Delay(),
			Queued:    st.Enqueued,
			Running:   st.Running,
			Runs:      st.Runs,
			Failures:  st.Failures,
			LastTouch: timePtr(st.LastTouch),
			LastRun:   timePtr(st.LastRunStart),
		}
		if st.Enqueued {
			js.Due = timePtr(mj.job.Due())
			js.Remaining = mj.job.Remaining()
		}
		if next, ok := a.cron.Next(name); ok {
			js.NextCron = &next
		}
		jobs = append(jobs, js)
	}
	a.jobsMu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	st := Status{Pool: a.pool.Snapshot(), Jobs: jobs, EventsDropped: a.bus.Dropped()}
	if al := a.currentAlerts(); al != nil {
		as := al.Stats()
		st.Alerts = &as
	}
	return st
}

// Touch implements admin.Backend.
func (a *App) Touch(name string) bool {
	j, ok := a.Job(name)
	if ok {
		j.Touch()
	}
	return ok
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
