package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"coalesce/internal/task/coalesce"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduler": {"workers": 3, "batch_size": 8, "overlap": "defer"},
  "storage": {"driver": "file", "path": "./journal", "retain": 50},
  "jobs": [
    {"name": "rebuild", "policy": "resetting_max_since_first_touch", "delay": "500ms", "max_elapsed": "5s",
     "command": ["make", "build"], "watch": ["./src"]},
    {"name": "report", "policy": "simple", "delay": "1s", "command": ["./report.sh"], "cron": "*/5 * * * *", "overlap": "skip"}
  ]
}`

const sampleYAML = `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  workers: 1
reload:
  enabled: true
  debounce: 100ms
jobs:
  - name: sync
    policy: debounce
    delay: 2s
    command: [rsync, -a, src/, dst/]
    env:
      RSYNC_RSH: ssh
    touch_on_start: true
`

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("coalesce.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Scheduler.Workers != 3 || len(cfg.Jobs) != 2 || cfg.Storage == nil || cfg.Storage.Retain != 50 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	spec, err := cfg.Jobs[0].Spec(0, coalesce.OverlapDefer)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if spec.Policy.Kind != coalesce.ResettingMaxSinceFirstTouch || spec.Delay != 500*time.Millisecond || spec.Policy.MaxElapsed != 5*time.Second {
		t.Fatalf("spec = %+v", spec)
	}
	if spec.Overlap != coalesce.OverlapDefer {
		t.Fatalf("overlap = %s, want pool default defer", spec.Overlap)
	}

	spec, err = cfg.Jobs[1].Spec(1, coalesce.OverlapDefer)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if spec.Overlap != coalesce.OverlapSkip {
		t.Fatalf("overlap = %s, want job override skip", spec.Overlap)
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("coalesce.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(cfg.Jobs))
	}
	j := cfg.Jobs[0]
	if j.Name != "sync" || len(j.Command) != 4 || j.Env["RSYNC_RSH"] != "ssh" || !j.TouchOnStart {
		t.Fatalf("job = %+v", j)
	}
	if !cfg.Reload.Enabled || cfg.Reload.Debounce != "100ms" {
		t.Fatalf("reload = %+v", cfg.Reload)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
		want string
	}{
		{name: "unknown top-level field", path: "c.json", data: `{"jobs": [], "telegram": {}}`, want: "unknown field"},
		{name: "unknown job field", path: "c.json", data: `{"jobs": [{"name": "a", "policy": "simple", "delay": "1s", "command": ["true"], "retries": 3}]}`, want: "unknown field"},
		{name: "trailing data", path: "c.json", data: `{"jobs": []} {"jobs": []}`, want: "trailing data"},
		{name: "bad yaml", path: "c.yml", data: "jobs: [", want: "yaml"},
		{name: "yaml key collision", path: "c.yaml", data: "jobs:\n  - name: a\n    env:\n      1: x\n      \"1\": y\n", want: `duplicate key "1"`},
		{name: "missing name", path: "c.json", data: `{"jobs": [{"policy": "simple", "delay": "1s", "command": ["true"]}]}`, want: "jobs[0].name"},
		{name: "duplicate name", path: "c.json", data: `{"jobs": [
			{"name": "a", "policy": "simple", "delay": "1s", "command": ["true"]},
			{"name": "a", "policy": "simple", "delay": "1s", "command": ["true"]}]}`, want: "duplicate"},
		{name: "missing command", path: "c.json", data: `{"jobs": [{"name": "a", "policy": "simple", "delay": "1s"}]}`, want: "command"},
		{name: "unknown policy", path: "c.json", data: `{"jobs": [{"name": "a", "policy": "eager", "delay": "1s", "command": ["true"]}]}`, want: "policy"},
		{name: "bad delay", path: "c.json", data: `{"jobs": [{"name": "a", "policy": "simple", "delay": "soon", "command": ["true"]}]}`, want: "jobs[a].delay"},
		{name: "negative max", path: "c.json", data: `{"jobs": [{"name": "a", "policy": "simple", "delay": "1s", "max_elapsed": "-1s", "command": ["true"]}]}`, want: ">= 0"},
		{name: "bad overlap", path: "c.json", data: `{"scheduler": {"overlap": "queue"}, "jobs": []}`, want: "scheduler.overlap"},
		{name: "command and unit", path: "c.json", data: `{"jobs": [{"name": "a", "policy": "simple", "delay": "1s", "command": ["true"], "unit": "nginx"}]}`, want: "mutually exclusive"},
		{name: "bad unit action", path: "c.json", data: `{"jobs": [{"name": "a", "policy": "simple", "delay": "1s", "unit": "nginx", "unit_action": "kill"}]}`, want: "unit_action"},
		{name: "bad cron", path: "c.json", data: `{"jobs": [{"name": "a", "policy": "simple", "delay": "1s", "command": ["true"], "cron": "61 * * * *"}]}`, want: "jobs[a].cron"},
		{name: "bad timezone", path: "c.json", data: `{"scheduler": {"timezone": "Mars/Olympus"}, "jobs": []}`, want: "timezone"},
		{name: "notify without chat", path: "c.json", data: `{"notify": {"telegram": {"token": "1:a"}}, "jobs": []}`, want: "notify.telegram.chat_id"},
		{name: "notify bad dedup", path: "c.json", data: `{"notify": {"telegram": {"token": "1:a", "chat_id": 5}, "dedup_window": "later"}, "jobs": []}`, want: "notify.dedup_window"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "  250ms ", want: 250 * time.Millisecond},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "-1s", wantErr: true},
		{raw: "ten", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Second); d != time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, want 1s", d)
	}
}

func TestFieldErrors(t *testing.T) {
	t.Parallel()
	j := JobConfig{Name: "build", Policy: "simple", Delay: "-2s", Command: []string{"make"}}
	_, err := j.Spec(3, coalesce.OverlapSkip)
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Path != "jobs[build].delay" || !errors.Is(err, ErrNegativeDuration) {
		t.Fatalf("err = %v, want FieldError at jobs[build].delay", err)
	}

	j = JobConfig{Policy: "simple", Delay: "1s", MaxElapsed: "soon"}
	_, err = j.Spec(3, coalesce.OverlapSkip)
	if !errors.As(err, &fe) || fe.Path != "jobs[3].max_elapsed" || !errors.Is(err, ErrBadDuration) {
		t.Fatalf("err = %v, want FieldError at jobs[3].max_elapsed", err)
	}

	j = JobConfig{Name: "build", Policy: "eager", Delay: "1s"}
	if _, err := j.Spec(0, coalesce.OverlapSkip); !errors.As(err, &fe) || fe.Path != "jobs[build].policy" {
		t.Fatalf("err = %v, want FieldError at jobs[build].policy", err)
	}
}

func TestFormatOf(t *testing.T) {
	t.Parallel()
	for path, want := range map[string]Format{
		"c.yaml":         FormatYAML,
		"/etc/c.YML":     FormatYAML,
		"c.json":         FormatJSON,
		"coalesced.conf": FormatJSON,
	} {
		if got := FormatOf(path); got != want {
			t.Fatalf("FormatOf(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	if changed, _, jobs := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 || len(jobs) != 0 {
		t.Fatalf("identical configs reported changes: %v %v", changed, jobs)
	}

	newCfg.Jobs[0].Delay = "750ms"
	newCfg.Jobs = append(newCfg.Jobs[:1], JobConfig{Name: "fresh", Policy: "simple", Delay: "1s", Command: []string{"true"}})
	newCfg.Scheduler.Workers = 4
	newCfg.Notify = &NotifyConfig{Telegram: TelegramConfig{Token: "1:a", ChatID: 5}}

	changed, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "scheduler,notify,jobs" {
		t.Fatalf("changed sections = %v", changed)
	}
	if strings.Join(jobs, ",") != "fresh,rebuild,report" {
		t.Fatalf("changed jobs = %v", jobs)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coalesce.json")
	write := func(workers int) {
		t.Helper()
		body := strings.Replace(sampleJSON, `"workers": 3`, `"workers": `+strconv.Itoa(workers), 1)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(3)

	m := NewManager(path)
	m.SetDebounce(30 * time.Millisecond)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get().Scheduler.Workers != 3 {
		t.Fatalf("workers = %d", m.Get().Scheduler.Workers)
	}

	rejected := errors.New("no odd worker counts")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.Workers%2 == 1 {
			return rejected
		}
		return nil
	})

	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, nil) }()
	time.Sleep(100 * time.Millisecond) // watcher registration

	// A burst of writes collapses into one reload of the final content.
	write(5)
	write(7)
	write(6)

	select {
	case cfg := <-updates:
		if cfg.Scheduler.Workers != 6 {
			t.Fatalf("published workers = %d, want 6", cfg.Scheduler.Workers)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Scheduler.Workers != 6 {
		t.Fatalf("committed workers = %d", m.Get().Scheduler.Workers)
	}

	// Rejected content is neither committed nor published.
	write(9)
	select {
	case cfg := <-updates:
		t.Fatalf("rejected config published: workers = %d", cfg.Scheduler.Workers)
	case <-time.After(300 * time.Millisecond):
	}
	if m.Get().Scheduler.Workers != 6 {
		t.Fatalf("committed workers = %d after rejected reload", m.Get().Scheduler.Workers)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
