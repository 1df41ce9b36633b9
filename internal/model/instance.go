package model

import "time"

// Instance lifecycle status constants.
const (
	InstancePending   = "pending"
	InstanceStarting  = "starting"
	InstanceRunning   = "running"
	InstanceStopped   = "stopped"
	InstanceError     = "error"
	InstanceSuspended = "suspended"
)

// instanceTransitions maps each status to the set of statuses it may
// transition to. Transitions are one-directional except suspend/resume, and
// nothing may skip "starting". An errored instance may be restarted or
// stopped; every other path out of error is rejected.
var instanceTransitions = map[string]map[string]bool{
	InstancePending: {
		InstanceStarting: true,
		InstanceError:    true,
	},
	InstanceStarting: {
		InstanceRunning: true,
		InstanceError:   true,
	},
	InstanceRunning: {
		InstanceStopped:   true,
		InstanceError:     true,
		InstanceSuspended: true,
	},
	InstanceSuspended: {
		InstanceRunning: true,
		InstanceStopped: true,
	},
	InstanceError: {
		InstanceStarting: true,
		InstanceStopped:  true,
	},
	InstanceStopped: {
		InstanceStarting: true,
	},
}

// ValidInstanceTransition reports whether moving from one instance status to
// another is allowed.
func ValidInstanceTransition(from, to string) bool {
	targets, ok := instanceTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ResourceUsage is the last-known resource consumption snapshot for one
// instance. Gauges are overwritten on each monitor tick; the request and
// error counters are cumulative and owned by the lifecycle manager's execute
// path.
type ResourceUsage struct {
	CPUFraction  float64   `json:"cpu_fraction"`
	MemoryBytes  int64     `json:"memory_bytes"`
	StorageBytes int64     `json:"storage_bytes"`
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LifecycleEvent is a single persisted lifecycle transition record for an
// instance, ordered by Seq.
type LifecycleEvent struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	Seq        int       `json:"seq"`
	Event      string    `json:"event"`
	CreatedAt  time.Time `json:"created_at"`
}

// Instance is one running (or transitioning) execution unit bound to an
// application+version. The sandbox handle is set only while a sandbox is
// allocated.
type Instance struct {
	ID            string        `json:"id"`
	AppID         string        `json:"app_id"`
	Version       string        `json:"version"`
	Status        string        `json:"status"`
	SandboxHandle string        `json:"sandbox_handle,omitempty"`
	Endpoint      string        `json:"endpoint,omitempty"`
	Error         string        `json:"error,omitempty"`
	Usage         ResourceUsage `json:"usage"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
