package coalesce

import (
	"fmt"
	"strings"
	"time"
)

// PolicyKind selects how a touch moves a job's deadline.
type PolicyKind int

const (
	// Simple schedules on the first touch; later touches while queued are ignored.
	Simple PolicyKind = iota
	// Resetting pushes the deadline to last touch + delay on every touch.
	Resetting
	// ResettingMaxSinceFirstTouch is Resetting capped at first touch since last run + MaxElapsed.
	ResettingMaxSinceFirstTouch
	// ResettingMaxSinceLastRun is Resetting capped at last run start + MaxElapsed.
	ResettingMaxSinceLastRun
)

func (k PolicyKind) String() string {
	switch k {
	case Simple:
		return "simple"
	case Resetting:
		return "resetting"
	case ResettingMaxSinceFirstTouch:
		return "resetting_max_since_first_touch"
	case ResettingMaxSinceLastRun:
		return "resetting_max_since_last_run"
	default:
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
}

// ParsePolicyKind accepts the String() names plus a few short aliases.
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple", "delay":
		return Simple, nil
	case "resetting", "debounce":
		return Resetting, nil
	case "resetting_max_since_first_touch", "max_since_first_touch":
		return ResettingMaxSinceFirstTouch, nil
	case "resetting_max_since_last_run", "max_since_last_run":
		return ResettingMaxSinceLastRun, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", s)
	}
}

// Policy is fixed for the lifetime of a job. MaxElapsed <= 0 means no bound;
// the two max kinds require one, Simple may carry one (anchored on the first touch).
type Policy struct {
	Kind       PolicyKind
	MaxElapsed time.Duration
}

func (p Policy) validate(delay time.Duration) error {
	switch p.Kind {
	case Simple, Resetting:
	case ResettingMaxSinceFirstTouch, ResettingMaxSinceLastRun:
		if p.MaxElapsed <= 0 {
			return invalidf("policy %s requires a maximum elapsed bound", p.Kind)
		}
	default:
		return invalidf("unknown policy kind %d", int(p.Kind))
	}
	if p.Kind == Resetting && p.MaxElapsed > 0 {
		return invalidf("policy %s takes no maximum elapsed bound", p.Kind)
	}
	if p.MaxElapsed > 0 && p.MaxElapsed < delay {
		return invalidf("maximum elapsed %s is smaller than delay %s", p.MaxElapsed, delay)
	}
	return nil
}

// resets reports whether every touch moves the deadline.
func (p Policy) resets() bool { return p.Kind != Simple }

// anchor returns the unix-nano start of the max-elapsed window, or 0 if unset.
func (p Policy) anchor(st *state) int64 {
	if p.Kind == ResettingMaxSinceLastRun {
		return st.lastRunStart.Load()
	}
	return st.firstTouch.Load()
}

// due computes the absolute deadline from the current state. It is evaluated
// on every query; nothing is cached.
func (p Policy) due(st *state, def time.Duration) time.Time {
	delay := def
	if o := st.override.Load(); o >= 0 {
		delay = time.Duration(o)
	}
	due := st.lastTouch.Load() + int64(delay)
	if p.MaxElapsed > 0 {
		if a := p.anchor(st); a != 0 {
			if bound := a + int64(p.MaxElapsed); bound < due {
				due = bound
			}
		}
	}
	return time.Unix(0, due)
}
