package config

import (
	"reflect"
	"sort"
	"strings"

	logx "coalesce/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the names of jobs that were added,
// removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.batch_size", newCfg.Scheduler.BatchSize),
			logx.String("scheduler.overlap", strings.TrimSpace(newCfg.Scheduler.Overlap)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) || (oldCfg.Storage == nil) != (newCfg.Storage == nil) {
		changed = append(changed, "storage")
		s := derefStorage(newCfg.Storage)
		attrs = append(attrs,
			logx.Bool("storage.enabled", newCfg.Storage != nil),
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
		)
	}

	if oldCfg.Reload != newCfg.Reload {
		changed = append(changed, "reload")
		attrs = append(attrs, logx.Bool("reload.enabled", newCfg.Reload.Enabled))
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	if derefNotify(oldCfg.Notify) != derefNotify(newCfg.Notify) || (oldCfg.Notify == nil) != (newCfg.Notify == nil) {
		changed = append(changed, "notify")
		n := derefNotify(newCfg.Notify)
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify != nil),
			logx.Int64("notify.chat_id", n.Telegram.ChatID),
			logx.Bool("notify.on_recover", n.OnRecover),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.Int("jobs.changed", len(jobsChanged)),
		)
	}

	return changed, attrs, jobsChanged
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

func diffJobs(oldJ, newJ []JobConfig) []string {
	oldM := indexJobs(oldJ)
	newM := indexJobs(newJ)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func indexJobs(jobs []JobConfig) map[string]JobConfig {
	m := make(map[string]JobConfig, len(jobs))
	for _, j := range jobs {
		m[strings.TrimSpace(j.Name)] = j
	}
	return m
}
