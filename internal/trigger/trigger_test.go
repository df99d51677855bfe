package trigger

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	logx "coalesce/pkg/logx"
)

type counter struct{ n atomic.Int32 }

func (c *counter) Touch() { c.n.Add(1) }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		spec string
		ok   bool
	}{
		{spec: "*/5 * * * *", ok: true},
		{spec: "30 */5 * * * *", ok: true},
		{spec: "@hourly", ok: true},
		{spec: "@every 30s", ok: true},
		{spec: "every tuesday", ok: false},
		{spec: "", ok: false},
	}
	for _, tt := range tests {
		if err := ParseSpec(tt.spec); (err == nil) != tt.ok {
			t.Fatalf("ParseSpec(%q) = %v, want ok=%v", tt.spec, err, tt.ok)
		}
	}
}

func TestCronTouchesOnSchedule(t *testing.T) {
	t.Parallel()
	c := NewCron(time.UTC, logx.Nop())
	var hits, removed counter
	if err := c.Add("tick", "@every 1s", &hits); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("gone", "@every 1s", &removed); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("bad", "61 * * * *", &hits); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	c.Remove("gone")
	if got := c.Names(); len(got) != 1 || got[0] != "tick" {
		t.Fatalf("Names = %v", got)
	}

	c.Start()
	defer c.Stop(context.Background())
	if _, ok := c.Next("tick"); !ok {
		t.Fatal("no next activation for a running schedule")
	}

	waitFor(t, 3*time.Second, func() bool { return hits.n.Load() >= 1 })
	if removed.n.Load() != 0 {
		t.Fatal("removed schedule still fired")
	}
}

func TestPathsTouchOnChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(filepath.Join(src, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(dir, "app.conf")
	other := filepath.Join(dir, "notes.txt")
	for _, f := range []string{cfgFile, other} {
		if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	p, err := NewPaths(logx.Nop())
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}
	defer p.Close()

	var tree, conf counter
	if err := p.Watch("build", []string{src}, &tree); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := p.Watch("reload", []string{cfgFile}, &conf); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := p.Watch("missing", []string{filepath.Join(dir, "nope")}, &conf); err == nil {
		t.Fatal("expected error for a missing path")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	// Nested directory, watched recursively.
	if err := os.WriteFile(filepath.Join(src, "pkg", "a.go"), []byte("package pkg"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return tree.n.Load() >= 1 })

	// A sibling of the watched file does not match its rule.
	if err := os.WriteFile(other, []byte("y"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if conf.n.Load() != 0 {
		t.Fatalf("file rule touched by a sibling change: %d", conf.n.Load())
	}
	if err := os.WriteFile(cfgFile, []byte("z"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return conf.n.Load() >= 1 })

	// Directories created later are followed.
	fresh := filepath.Join(src, "fresh")
	if err := os.Mkdir(fresh, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	before := tree.n.Load()
	if err := os.WriteFile(filepath.Join(fresh, "b.go"), []byte("package fresh"), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return tree.n.Load() > before })

	// After Unwatch the target is no longer touched.
	p.Unwatch("build")
	time.Sleep(50 * time.Millisecond)
	settled := tree.n.Load()
	if err := os.WriteFile(filepath.Join(src, "pkg", "a.go"), []byte("package pkg // edit"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := tree.n.Load(); got != settled {
		t.Fatalf("unwatched target touched: %d -> %d", settled, got)
	}
}
