package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler sizes the shared puller pool.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage enables the completed-run journal. Omitted means no journal.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Reload controls hot reload of this file.
	Reload ReloadConfig `json:"reload,omitempty"`

	// Admin is the optional local HTTP endpoint (status, manual touch, pprof).
	Admin AdminConfig `json:"admin,omitempty"`

	// Notify sends job failure alerts. Omitted means no alerts.
	Notify *NotifyConfig `json:"notify,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

// SchedulerConfig controls the puller pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - batch_size: 16
//   - history_size: 200
//   - overlap: "skip"
//   - error_rate_per_sec: 10
type SchedulerConfig struct {
	Workers     int    `json:"workers,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	Overlap     string `json:"overlap,omitempty"` // "skip" or "defer"

	// ErrorRatePerSec bounds how many job errors per second reach the log.
	ErrorRatePerSec int `json:"error_rate_per_sec,omitempty"`

	// Timezone used by cron triggers (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the run journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./coalesce_journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Retain bounds how many runs a job keeps in the journal. 0 keeps everything.
	Retain int `json:"retain,omitempty"`
}

// ReloadConfig controls config hot reload.
type ReloadConfig struct {
	Enabled bool `json:"enabled"`
	// Debounce is a Go duration string. Default "250ms".
	Debounce string `json:"debounce,omitempty"`
}

// AdminConfig controls the optional admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifyConfig controls job failure alerts.
//
// Example:
//
//	"notify": {
//	  "telegram": { "token": "123:abc", "chat_id": -100123 },
//	  "on_recover": true,
//	  "dedup_window": "10m"
//	}
type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`

	OnRecover bool `json:"on_recover,omitempty"`
	// DedupWindow silences repeated failures of the same job. Default "5m".
	DedupWindow string `json:"dedup_window,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JobConfig declares one coalesced job and the sources that touch it.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type JobConfig struct {
	Name string `json:"name"`

	// Policy is one of simple, resetting, resetting_max_since_first_touch,
	// resetting_max_since_last_run (aliases: delay, debounce,
	// max_since_first_touch, max_since_last_run).
	Policy     string `json:"policy"`
	Delay      string `json:"delay"`
	MaxElapsed string `json:"max_elapsed,omitempty"`
	Overlap    string `json:"overlap,omitempty"`

	// Exactly one of Command and Unit is set.
	//
	// Command is run without a shell: argv[0] is resolved through PATH.
	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Timeout kills a command that runs longer. Empty means no limit.
	Timeout string `json:"timeout,omitempty"`

	// Unit is a systemd unit ("nginx" means nginx.service); UnitAction is
	// start, stop, restart (default), try-restart or reload.
	Unit       string `json:"unit,omitempty"`
	UnitAction string `json:"unit_action,omitempty"`

	// Triggers. A job with none can still be touched at startup (touch_on_start).
	Watch        []string `json:"watch,omitempty"`
	Cron         string   `json:"cron,omitempty"`
	TouchOnStart bool     `json:"touch_on_start,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos inside a job block are
// caught during reload instead of being silently ignored.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type plain JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*j = JobConfig(t)
	return nil
}
