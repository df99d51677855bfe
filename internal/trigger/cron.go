package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "coalesce/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a cron expression ("*/5 * * * *", "@hourly", "@every 30s").
func ParseSpec(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}
	return nil
}

// Cron touches registered targets on their schedules.
type Cron struct {
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
}

// NewCron builds a stopped Cron evaluating schedules in loc (nil = local).
func NewCron(loc *time.Location, log logx.Logger) *Cron {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Cron{
		log:     log,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		entries: map[string]cron.EntryID{},
	}
}

// Add registers (or replaces) the schedule for name.
func (c *Cron) Add(name, spec string, t Toucher) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" || t == nil {
		return fmt.Errorf("cron: name and target are required")
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.entries[name]; ok {
		c.c.Remove(id)
	}
	log := c.log
	c.entries[name] = c.c.Schedule(sched, cron.FuncJob(func() {
		log.Trace("cron.touch", logx.String("job", name))
		t.Touch()
	}))
	c.log.Debug("cron registered", logx.String("job", name), logx.String("spec", spec))
	return nil
}

// Remove drops the schedule for name. Unknown names are ignored.
func (c *Cron) Remove(name string) {
	name = strings.TrimSpace(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.entries[name]; ok {
		c.c.Remove(id)
		delete(c.entries, name)
	}
}

// Names lists registered schedules.
func (c *Cron) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for n := range c.entries {
		out = append(out, n)
	}
	return out
}

// Next returns the next activation of name, if registered and the cron is running.
func (c *Cron) Next(name string) (time.Time, bool) {
	c.mu.Lock()
	id, ok := c.entries[name]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := c.c.Entry(id)
	return e.Next, !e.Next.IsZero()
}

func (c *Cron) Start() {
	c.c.Start()
	c.log.Info("cron started", logx.Int("schedules", len(c.Names())))
}

// Stop stops triggering and waits for in-flight touches, bounded by ctx.
func (c *Cron) Stop(ctx context.Context) {
	select {
	case <-c.c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	c.log.Info("cron stopped")
}
