package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"coalesce/internal/task/coalesce"
	"coalesce/internal/trigger"
	"coalesce/pkg/systemdmanager"
)

// JobSpec is a JobConfig with every field parsed.
type JobSpec struct {
	Name    string
	Policy  coalesce.Policy
	Delay   time.Duration
	Overlap coalesce.OverlapPolicy
	Timeout time.Duration
}

// ParseOverlap maps "skip"/"defer" (empty means skip).
func ParseOverlap(path, raw string) (coalesce.OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "skip":
		return coalesce.OverlapSkip, nil
	case "defer":
		return coalesce.OverlapDefer, nil
	default:
		return 0, &FieldError{Path: path, Err: fmt.Errorf("unknown overlap %q (want skip or defer)", raw)}
	}
}

// Spec parses the job's policy and durations. poolOverlap is used when the
// job sets no overlap of its own.
func (j JobConfig) Spec(idx int, poolOverlap coalesce.OverlapPolicy) (JobSpec, error) {
	path := jobPath(idx, j.Name)

	kind, err := coalesce.ParsePolicyKind(j.Policy)
	if err != nil {
		return JobSpec{}, &FieldError{Path: path + ".policy", Err: err}
	}
	delay, err := ParseDurationField(path+".delay", j.Delay)
	if err != nil {
		return JobSpec{}, err
	}
	maxElapsed, err := ParseDurationField(path+".max_elapsed", j.MaxElapsed)
	if err != nil {
		return JobSpec{}, err
	}
	timeout, err := ParseDurationField(path+".timeout", j.Timeout)
	if err != nil {
		return JobSpec{}, err
	}
	overlap := poolOverlap
	if strings.TrimSpace(j.Overlap) != "" {
		if overlap, err = ParseOverlap(path+".overlap", j.Overlap); err != nil {
			return JobSpec{}, err
		}
	}
	return JobSpec{
		Name:    strings.TrimSpace(j.Name),
		Policy:  coalesce.Policy{Kind: kind, MaxElapsed: maxElapsed},
		Delay:   delay,
		Overlap: overlap,
		Timeout: timeout,
	}, nil
}

// Validate checks what the JSON decoder cannot: job names, commands, policy
// and duration syntax. Policy arithmetic (max >= delay) is left to the
// coalesce factory, which reports it as coalesce.ErrInvalidConfig.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	poolOverlap, err := ParseOverlap("scheduler.overlap", c.Scheduler.Overlap)
	if err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Workers < 0 || c.Scheduler.BatchSize < 0 || c.Scheduler.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler: sizes must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if _, err := ParseDurationField("reload.debounce", c.Reload.Debounce); err != nil {
		errs = append(errs, err)
	}
	if s := c.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if s.Retain < 0 {
			errs = append(errs, errors.New("storage.retain: must be >= 0"))
		}
	}
	if n := c.Notify; n != nil {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			errs = append(errs, errors.New("notify.telegram.token: required"))
		}
		if n.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chat_id: required"))
		}
		if _, err := ParseDurationField("notify.dedup_window", n.DedupWindow); err != nil {
			errs = append(errs, err)
		}
		if n.RatePerSec < 0 || n.RetryMax < 0 || n.QueueSize < 0 {
			errs = append(errs, errors.New("notify: rate_per_sec, retry_max and queue_size must be >= 0"))
		}
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("jobs[%d].name: required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("jobs[%s]: duplicate name", name))
		}
		seen[name] = struct{}{}
		hasCmd := len(j.Command) > 0 && strings.TrimSpace(j.Command[0]) != ""
		hasUnit := strings.TrimSpace(j.Unit) != ""
		switch {
		case hasCmd && hasUnit:
			errs = append(errs, fmt.Errorf("jobs[%s]: command and unit are mutually exclusive", name))
		case !hasCmd && !hasUnit:
			errs = append(errs, fmt.Errorf("jobs[%s].command: required (or unit)", name))
		case hasUnit:
			if _, err := systemdmanager.ParseAction(j.UnitAction); err != nil {
				errs = append(errs, fmt.Errorf("jobs[%s].unit_action: %w", name, err))
			}
		}
		if c := strings.TrimSpace(j.Cron); c != "" {
			if err := trigger.ParseSpec(c); err != nil {
				errs = append(errs, fmt.Errorf("jobs[%s].cron: %w", name, err))
			}
		}
		if _, err := j.Spec(i, poolOverlap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
