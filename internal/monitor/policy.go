package monitor

import (
	"fmt"
	"sync"
	"time"
)

// Direction labels a scaling advisory.
type Direction string

const (
	ScaleUp   Direction = "scale_up"
	ScaleDown Direction = "scale_down"
)

// Advisory is a non-binding scaling signal. The lifecycle manager performs
// the actual create or stop; the monitor never mutates instance state.
type Advisory struct {
	AppID      string
	Version    string
	Direction  Direction
	InstanceID string // target for scale-down, empty for scale-up
	Reason     string
}

// Policy is the typed scaling rule set. Thresholds are fractions of the
// instance's resource limits. Zero values fall back to the defaults.
type Policy struct {
	ScaleUpCPU      float64 // scale up when avg CPU exceeds this
	ScaleUpMemory   float64 // or avg memory exceeds this
	ScaleDownCPU    float64 // scale down when avg CPU is below this
	ScaleDownMemory float64 // and avg memory is below this
	LowRequestRate  float64 // and request rate (req/s) is below this
	Window          int     // rolling-average window, in samples per instance
	UpTicks         int     // consecutive over-threshold ticks before scale-up
	DownTicks       int     // consecutive under-threshold ticks before scale-down
	Cooldown        time.Duration
}

// DefaultPolicy returns the stock scaling policy.
func DefaultPolicy() Policy {
	return Policy{
		ScaleUpCPU:      0.80,
		ScaleUpMemory:   0.80,
		ScaleDownCPU:    0.20,
		ScaleDownMemory: 0.20,
		LowRequestRate:  0.1,
		Window:          10,
		UpTicks:         2,
		DownTicks:       3,
		Cooldown:        5 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.ScaleUpCPU == 0 {
		p.ScaleUpCPU = d.ScaleUpCPU
	}
	if p.ScaleUpMemory == 0 {
		p.ScaleUpMemory = d.ScaleUpMemory
	}
	if p.ScaleDownCPU == 0 {
		p.ScaleDownCPU = d.ScaleDownCPU
	}
	if p.ScaleDownMemory == 0 {
		p.ScaleDownMemory = d.ScaleDownMemory
	}
	if p.LowRequestRate == 0 {
		p.LowRequestRate = d.LowRequestRate
	}
	if p.Window == 0 {
		p.Window = d.Window
	}
	if p.UpTicks == 0 {
		p.UpTicks = d.UpTicks
	}
	if p.DownTicks == 0 {
		p.DownTicks = d.DownTicks
	}
	if p.Cooldown == 0 {
		p.Cooldown = d.Cooldown
	}
	return p
}

// GroupStats is one tick's aggregated view of an application+version group.
// CPU and memory are fractions of the group's limits averaged over the
// policy window across all running instances.
type GroupStats struct {
	AppID       string
	Version     string
	Instances   int
	AvgCPU      float64
	AvgMemory   float64
	RequestRate float64 // req/s across the group since the previous tick
	LRUInstance string  // least recently used instance, scale-down target
}

// Evaluator applies a Policy per group with hysteresis and cooldown. One
// Evaluate call per group per tick.
type Evaluator struct {
	policy Policy

	mu     sync.Mutex
	groups map[string]*groupStreak
}

type groupStreak struct {
	up         int
	down       int
	lastAction time.Time
}

// NewEvaluator creates an evaluator for the given policy. Zero policy
// fields take the defaults.
func NewEvaluator(p Policy) *Evaluator {
	return &Evaluator{
		policy: p.withDefaults(),
		groups: make(map[string]*groupStreak),
	}
}

// Policy returns the effective policy after defaulting.
func (e *Evaluator) Policy() Policy { return e.policy }

// Evaluate folds one tick's group stats into the streak state and returns a
// scaling advisory when the policy fires, or nil.
func (e *Evaluator) Evaluate(s GroupStats) *Advisory {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := s.AppID + "/" + s.Version
	st, ok := e.groups[key]
	if !ok {
		st = &groupStreak{}
		e.groups[key] = st
	}

	overUp := s.AvgCPU > e.policy.ScaleUpCPU || s.AvgMemory > e.policy.ScaleUpMemory
	underDown := s.AvgCPU < e.policy.ScaleDownCPU &&
		s.AvgMemory < e.policy.ScaleDownMemory &&
		s.RequestRate < e.policy.LowRequestRate

	switch {
	case overUp:
		st.up++
		st.down = 0
	case underDown:
		st.down++
		st.up = 0
	default:
		st.up = 0
		st.down = 0
	}

	now := time.Now()
	cooled := st.lastAction.IsZero() || now.Sub(st.lastAction) >= e.policy.Cooldown

	if st.up >= e.policy.UpTicks && cooled {
		st.up = 0
		st.lastAction = now
		return &Advisory{
			AppID:     s.AppID,
			Version:   s.Version,
			Direction: ScaleUp,
			Reason: fmt.Sprintf("avg cpu %.2f / mem %.2f above %.2f for %d ticks",
				s.AvgCPU, s.AvgMemory, e.policy.ScaleUpCPU, e.policy.UpTicks),
		}
	}

	// Scale-down never reduces a group below one running instance.
	if st.down >= e.policy.DownTicks && s.Instances > 1 && cooled {
		st.down = 0
		st.lastAction = now
		return &Advisory{
			AppID:      s.AppID,
			Version:    s.Version,
			Direction:  ScaleDown,
			InstanceID: s.LRUInstance,
			Reason: fmt.Sprintf("avg cpu %.2f / mem %.2f idle for %d ticks",
				s.AvgCPU, s.AvgMemory, e.policy.DownTicks),
		}
	}

	return nil
}

// Prune drops streak and cooldown state for every group without an entry in
// live, keyed "appID/version". A group that later reappears starts its
// streaks from zero.
func (e *Evaluator) Prune(live map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.groups {
		if !live[key] {
			delete(e.groups, key)
		}
	}
}
