// Package lifecycle owns Instance records and their state machine. All
// transitions for one instance are serialized on a per-instance mutex, so the
// manager is the single writer for lifecycle state; the monitor reads the
// instance set and reports usage and health back through the manager's
// methods.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/crucible/internal/executor"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

const (
	// startTimeout bounds the asynchronous start triggered by CreateInstance.
	startTimeout = 60 * time.Second

	// defaultExecuteTimeout applies when the caller's context has no deadline.
	defaultExecuteTimeout = 30 * time.Second

	// allocation retry tuning for transient executor failures.
	allocInitialBackoff = 200 * time.Millisecond
	allocMaxBackoff     = 5 * time.Second
	allocMaxRetries     = 4
)

// VersionSource resolves application+version pairs. Implemented by the
// registry; execution is only authorized against published versions.
type VersionSource interface {
	Lookup(appID, version string) (*model.ApplicationVersion, error)
}

// InstanceInfo is the monitor-facing view of one instance.
type InstanceInfo struct {
	ID         string
	AppID      string
	Version    string
	Handle     string
	MemLimitMB int
	LastUsed   time.Time
}

// Manager creates, starts, stops, and executes against sandbox instances.
type Manager struct {
	store    store.Store
	exec     executor.Executor
	versions VersionSource
	logger   *slog.Logger
	broker   *EventBroker
	wg       sync.WaitGroup

	mu        sync.RWMutex
	instances map[string]*managedInstance
}

// managedInstance wraps an Instance record with its runtime accounting.
// inst and startDone are guarded by mu; the counters are atomics so the
// execute path never contends with lifecycle transitions.
type managedInstance struct {
	mu        sync.Mutex
	inst      model.Instance
	startDone chan struct{} // non-nil while a start is in flight

	memLimitMB int
	eventSeq   atomic.Int32

	inflight atomic.Int64
	requests atomic.Int64
	errors   atomic.Int64
	lastUsed atomic.Int64 // unix nanos

	usageMu sync.Mutex
	gauges  model.ResourceUsage // cpu/mem/storage written by the monitor
}

// NewManager creates an instance lifecycle manager.
func NewManager(s store.Store, exec executor.Executor, versions VersionSource, logger *slog.Logger) *Manager {
	return &Manager{
		store:     s,
		exec:      exec,
		versions:  versions,
		logger:    logger,
		broker:    NewEventBroker(),
		instances: make(map[string]*managedInstance),
	}
}

// Broker returns the manager's event broker for SSE subscription.
func (m *Manager) Broker() *EventBroker { return m.broker }

// Wait blocks until all in-flight start goroutines complete.
func (m *Manager) Wait() { m.wg.Wait() }

// CreateInstance allocates a new instance for a published version and
// immediately triggers its start. The returned snapshot may still show
// "pending" while the start is in flight, but a start has always been
// attempted by the time the instance is observable.
func (m *Manager) CreateInstance(ctx context.Context, appID, version string) (*model.Instance, error) {
	v, err := m.versions.Lookup(appID, version)
	if err != nil {
		return nil, err
	}
	if v.Status != model.VersionPublished {
		return nil, fmt.Errorf("%w: version %q is %s, not published", model.ErrInvalidState, v.Version, v.Status)
	}

	now := time.Now().UTC()
	mi := &managedInstance{
		inst: model.Instance{
			ID:        model.NewID(),
			AppID:     appID,
			Version:   v.Version,
			Status:    model.InstancePending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		memLimitMB: v.Runtime.MemoryMB,
	}
	mi.lastUsed.Store(now.UnixNano())

	m.mu.Lock()
	m.instances[mi.inst.ID] = mi
	m.mu.Unlock()

	snapshot := mi.inst
	m.persist(ctx, &snapshot)
	m.event(mi, "status: pending")
	instancesCreated.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		if _, err := m.StartInstance(startCtx, snapshot.ID); err != nil {
			m.logger.Error("start after create", "instance_id", snapshot.ID, "error", err)
		}
	}()

	return &snapshot, nil
}

// StartInstance transitions an instance from pending/stopped/error to
// starting, requests a sandbox from the executor, and settles on running or
// error. Concurrent duplicate starts are no-ops: only the caller that wins
// the starting transition allocates a sandbox. Returns true if this call
// brought the instance to running.
func (m *Manager) StartInstance(ctx context.Context, instanceID string) (bool, error) {
	mi, err := m.get(instanceID)
	if err != nil {
		return false, err
	}

	mi.mu.Lock()
	switch mi.inst.Status {
	case model.InstanceStarting, model.InstanceRunning:
		// Duplicate start: report current state without touching the sandbox.
		mi.mu.Unlock()
		return false, nil
	case model.InstancePending, model.InstanceStopped, model.InstanceError:
		// Allowed.
	default:
		status := mi.inst.Status
		mi.mu.Unlock()
		return false, fmt.Errorf("%w: cannot start instance in %s", model.ErrInvalidState, status)
	}

	m.transitionLocked(mi, model.InstanceStarting)
	mi.inst.Error = ""
	done := make(chan struct{})
	mi.startDone = done
	snapshot := mi.inst
	mi.mu.Unlock()

	m.broker.Reopen(instanceID)
	m.persist(ctx, &snapshot)
	m.event(mi, "status: starting")

	alloc, allocErr := m.allocate(ctx, mi)

	mi.mu.Lock()
	if allocErr != nil {
		m.transitionLocked(mi, model.InstanceError)
		mi.inst.Error = allocErr.Error()
	} else {
		m.transitionLocked(mi, model.InstanceRunning)
		mi.inst.SandboxHandle = alloc.Handle
		mi.inst.Endpoint = alloc.Endpoint
	}
	snapshot = mi.inst
	close(done)
	mi.startDone = nil
	mi.mu.Unlock()

	m.persist(ctx, &snapshot)

	if allocErr != nil {
		m.event(mi, "status: error: "+allocErr.Error())
		instanceStarts.WithLabelValues("error").Inc()
		return false, nil
	}

	m.event(mi, "status: running")
	instanceStarts.WithLabelValues("running").Inc()
	activeInstances.Inc()
	return true, nil
}

// allocate requests a sandbox, retrying transient executor failures with
// exponential backoff under the caller's deadline.
func (m *Manager) allocate(ctx context.Context, mi *managedInstance) (executor.Allocation, error) {
	cfg := m.runtimeConfig(mi)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = allocInitialBackoff
	bo.MaxInterval = allocMaxBackoff
	bo.MaxElapsedTime = 0

	var alloc executor.Allocation
	err := backoff.Retry(func() error {
		a, err := m.exec.Allocate(ctx, cfg)
		if err != nil {
			if executor.IsTransient(err) {
				allocRetries.Inc()
				return err
			}
			return backoff.Permanent(err)
		}
		alloc = a
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, allocMaxRetries), ctx))
	if err != nil {
		return executor.Allocation{}, fmt.Errorf("allocate sandbox: %w", err)
	}
	return alloc, nil
}

// runtimeConfig resolves the executor sizing for an instance from its
// version record, falling back to the memory limit captured at creation.
func (m *Manager) runtimeConfig(mi *managedInstance) executor.RuntimeConfig {
	mi.mu.Lock()
	appID, version := mi.inst.AppID, mi.inst.Version
	mi.mu.Unlock()

	v, err := m.versions.Lookup(appID, version)
	if err != nil {
		return executor.RuntimeConfig{MemoryMB: mi.memLimitMB}
	}
	rc := v.Runtime
	return executor.RuntimeConfig{
		Language:        rc.Language,
		LanguageVersion: rc.LanguageVersion,
		MemoryMB:        rc.MemoryMB,
		CPUs:            rc.CPUs,
		StorageMB:       rc.StorageMB,
		TimeoutS:        rc.TimeoutS,
		Ports:           rc.Ports,
		Env:             rc.Env,
	}
}

// StopInstance gracefully stops an instance. A start still in flight is
// waited out first so a released sandbox handle cannot be resurrected by the
// finishing start. Valid from running or error; stopping an already-stopped
// instance is a no-op.
func (m *Manager) StopInstance(ctx context.Context, instanceID string) (bool, error) {
	mi, err := m.get(instanceID)
	if err != nil {
		return false, err
	}

	for {
		mi.mu.Lock()
		if mi.startDone != nil {
			done := mi.startDone
			mi.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			continue
		}
		break
	}
	// mi.mu is held, no start in flight.

	switch mi.inst.Status {
	case model.InstanceStopped:
		mi.mu.Unlock()
		return false, nil
	case model.InstanceRunning, model.InstanceError:
		// Allowed.
	default:
		status := mi.inst.Status
		mi.mu.Unlock()
		return false, fmt.Errorf("%w: cannot stop instance in %s", model.ErrInvalidState, status)
	}

	wasRunning := mi.inst.Status == model.InstanceRunning
	handle := mi.inst.SandboxHandle
	m.transitionLocked(mi, model.InstanceStopped)
	mi.inst.SandboxHandle = ""
	mi.inst.Endpoint = ""
	snapshot := mi.inst
	mi.mu.Unlock()

	if handle != "" {
		if err := m.exec.Release(ctx, handle); err != nil {
			m.logger.Error("release sandbox", "instance_id", instanceID, "handle", handle, "error", err)
		}
	}
	if wasRunning {
		activeInstances.Dec()
	}

	m.persist(ctx, &snapshot)
	m.event(mi, "status: stopped")
	m.broker.Close(instanceID)
	return true, nil
}

// SuspendInstance administratively pauses a running instance. The sandbox
// stays allocated so Resume is cheap.
func (m *Manager) SuspendInstance(ctx context.Context, instanceID string) error {
	return m.flip(ctx, instanceID, model.InstanceRunning, model.InstanceSuspended, "status: suspended")
}

// ResumeInstance returns a suspended instance to running.
func (m *Manager) ResumeInstance(ctx context.Context, instanceID string) error {
	return m.flip(ctx, instanceID, model.InstanceSuspended, model.InstanceRunning, "status: running")
}

func (m *Manager) flip(ctx context.Context, instanceID, from, to, event string) error {
	mi, err := m.get(instanceID)
	if err != nil {
		return err
	}

	mi.mu.Lock()
	if mi.inst.Status != from {
		status := mi.inst.Status
		mi.mu.Unlock()
		return fmt.Errorf("%w: instance is %s, want %s", model.ErrInvalidState, status, from)
	}
	m.transitionLocked(mi, to)
	snapshot := mi.inst
	mi.mu.Unlock()

	m.persist(ctx, &snapshot)
	m.event(mi, event)
	return nil
}

// Execute delivers one request to a running instance. Counters move only for
// attempts that reach the sandbox: a not-ready instance rejects the call
// untouched. Retryable sandbox failures leave instance state alone; fatal
// ones transition the instance to error.
func (m *Manager) Execute(ctx context.Context, instanceID string, req executor.Request) (executor.Response, error) {
	mi, err := m.get(instanceID)
	if err != nil {
		return executor.Response{}, err
	}

	mi.mu.Lock()
	if mi.inst.Status != model.InstanceRunning {
		status := mi.inst.Status
		mi.mu.Unlock()
		return executor.Response{}, fmt.Errorf("%w: instance is %s", model.ErrInstanceNotReady, status)
	}
	handle := mi.inst.SandboxHandle
	mi.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExecuteTimeout)
		defer cancel()
	}

	mi.inflight.Add(1)
	defer mi.inflight.Add(-1)
	mi.lastUsed.Store(time.Now().UnixNano())

	resp, err := m.exec.Invoke(ctx, handle, req)
	if err != nil {
		mi.errors.Add(1)
		executions.WithLabelValues("error").Inc()

		if executor.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			return executor.Response{}, &model.ExecutionError{Reason: "sandbox transient failure", Retryable: true, Err: err}
		}

		// Fatal sandbox failure: the instance goes to error and its handle
		// is released.
		mi.mu.Lock()
		if mi.inst.Status == model.InstanceRunning && mi.inst.SandboxHandle == handle {
			m.transitionLocked(mi, model.InstanceError)
			mi.inst.Error = err.Error()
			mi.inst.SandboxHandle = ""
			mi.inst.Endpoint = ""
			snapshot := mi.inst
			mi.mu.Unlock()

			if relErr := m.exec.Release(context.Background(), handle); relErr != nil {
				m.logger.Error("release sandbox after fatal failure", "instance_id", instanceID, "error", relErr)
			}
			activeInstances.Dec()
			m.persist(context.Background(), &snapshot)
			m.event(mi, "status: error: "+err.Error())
		} else {
			mi.mu.Unlock()
		}

		return executor.Response{}, &model.ExecutionError{Reason: "sandbox fatal failure", Retryable: false, Err: err}
	}

	mi.requests.Add(1)
	executions.WithLabelValues("ok").Inc()
	return resp, nil
}

// ExecuteOnGroup routes a request to the running instance of the
// (application, version) group with the fewest outstanding requests.
func (m *Manager) ExecuteOnGroup(ctx context.Context, appID, version string, req executor.Request) (executor.Response, error) {
	target := m.pickLeastOutstanding(appID, version)
	if target == "" {
		return executor.Response{}, fmt.Errorf("%w: no running instance for %s/%s", model.ErrInstanceNotReady, appID, version)
	}
	return m.Execute(ctx, target, req)
}

// pickLeastOutstanding returns the running instance of the group with the
// lowest in-flight request count, or "" when none is running.
func (m *Manager) pickLeastOutstanding(appID, version string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best     string
		bestLoad int64
	)
	for id, mi := range m.instances {
		mi.mu.Lock()
		match := mi.inst.AppID == appID && mi.inst.Version == version && mi.inst.Status == model.InstanceRunning
		mi.mu.Unlock()
		if !match {
			continue
		}
		load := mi.inflight.Load()
		if best == "" || load < bestLoad {
			best = id
			bestLoad = load
		}
	}
	return best
}

// Snapshot returns a copy of the instance record with its live usage
// snapshot materialized.
func (m *Manager) Snapshot(instanceID string) (*model.Instance, error) {
	mi, err := m.get(instanceID)
	if err != nil {
		return nil, err
	}
	snapshot := m.snapshotOf(mi)
	return &snapshot, nil
}

// List returns snapshots of all instances, optionally filtered by
// application.
func (m *Manager) List(appID string) []*model.Instance {
	m.mu.RLock()
	mis := make([]*managedInstance, 0, len(m.instances))
	for _, mi := range m.instances {
		mis = append(mis, mi)
	}
	m.mu.RUnlock()

	var out []*model.Instance
	for _, mi := range mis {
		snapshot := m.snapshotOf(mi)
		if appID != "" && snapshot.AppID != appID {
			continue
		}
		out = append(out, &snapshot)
	}
	return out
}

// Running returns the monitor-facing view of all running instances.
func (m *Manager) Running() []InstanceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []InstanceInfo
	for _, mi := range m.instances {
		mi.mu.Lock()
		if mi.inst.Status == model.InstanceRunning {
			out = append(out, InstanceInfo{
				ID:         mi.inst.ID,
				AppID:      mi.inst.AppID,
				Version:    mi.inst.Version,
				Handle:     mi.inst.SandboxHandle,
				MemLimitMB: mi.memLimitMB,
				LastUsed:   time.Unix(0, mi.lastUsed.Load()).UTC(),
			})
		}
		mi.mu.Unlock()
	}
	return out
}

// UpdateUsage merges a monitor sample into the instance's usage snapshot.
// Gauges overwrite; request and error counters stay owned by the execute
// path, so executor-reported totals are never added to them.
func (m *Manager) UpdateUsage(ctx context.Context, instanceID string, u executor.Usage) {
	mi, err := m.get(instanceID)
	if err != nil {
		return
	}

	mi.usageMu.Lock()
	mi.gauges.CPUFraction = u.CPUFraction
	mi.gauges.MemoryBytes = u.MemoryBytes
	mi.gauges.StorageBytes = u.StorageBytes
	mi.gauges.UpdatedAt = time.Now().UTC()
	mi.usageMu.Unlock()

	snapshot := m.snapshotOf(mi)
	m.persist(ctx, &snapshot)
}

// MarkUnhealthy is the monitor's escalation path: after repeated missed
// samples the instance is reclassified as error. The manager stays the
// single writer for the transition.
func (m *Manager) MarkUnhealthy(instanceID, reason string) {
	mi, err := m.get(instanceID)
	if err != nil {
		return
	}

	mi.mu.Lock()
	if mi.inst.Status != model.InstanceRunning {
		mi.mu.Unlock()
		return
	}
	handle := mi.inst.SandboxHandle
	m.transitionLocked(mi, model.InstanceError)
	mi.inst.Error = reason
	mi.inst.SandboxHandle = ""
	mi.inst.Endpoint = ""
	snapshot := mi.inst
	mi.mu.Unlock()

	if handle != "" {
		if err := m.exec.Release(context.Background(), handle); err != nil {
			m.logger.Error("release unhealthy sandbox", "instance_id", instanceID, "error", err)
		}
	}
	activeInstances.Dec()
	m.persist(context.Background(), &snapshot)
	m.event(mi, "status: error: "+reason)
	m.logger.Warn("instance marked unhealthy", "instance_id", instanceID, "reason", reason)
}

// ScaleUp creates one more instance for a group, on advisory from the
// autoscaler.
func (m *Manager) ScaleUp(ctx context.Context, appID, version string) error {
	_, err := m.CreateInstance(ctx, appID, version)
	return err
}

// ScaleDown stops one instance, on advisory from the autoscaler.
func (m *Manager) ScaleDown(ctx context.Context, instanceID string) error {
	_, err := m.StopInstance(ctx, instanceID)
	return err
}

// get looks up a managed instance by ID.
func (m *Manager) get(instanceID string) (*managedInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mi, ok := m.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: instance %q", model.ErrNotFound, instanceID)
	}
	return mi, nil
}

// snapshotOf materializes an Instance copy with counters and gauges merged.
func (m *Manager) snapshotOf(mi *managedInstance) model.Instance {
	mi.mu.Lock()
	snapshot := mi.inst
	mi.mu.Unlock()

	mi.usageMu.Lock()
	snapshot.Usage = mi.gauges
	mi.usageMu.Unlock()

	snapshot.Usage.Requests = mi.requests.Load()
	snapshot.Usage.Errors = mi.errors.Load()
	return snapshot
}

// transitionLocked applies a status change; mi.mu must be held. Illegal
// transitions indicate a manager bug and are logged loudly rather than
// applied.
func (m *Manager) transitionLocked(mi *managedInstance, to string) {
	from := mi.inst.Status
	if !model.ValidInstanceTransition(from, to) {
		m.logger.Error("illegal instance transition", "instance_id", mi.inst.ID, "from", from, "to", to)
		return
	}
	mi.inst.Status = to
	mi.inst.UpdatedAt = time.Now().UTC()
}

// persist mirrors an instance snapshot to the store, log-and-continue.
func (m *Manager) persist(ctx context.Context, in *model.Instance) {
	if err := m.store.SaveInstance(ctx, in); err != nil {
		m.logger.Error("persist instance", "instance_id", in.ID, "error", err)
	}
}

// event records one lifecycle event: persisted for history, published for
// live SSE subscribers.
func (m *Manager) event(mi *managedInstance, text string) {
	seq := int(mi.eventSeq.Add(1) - 1)
	id := mi.inst.ID
	if err := m.store.InsertEvent(context.Background(), id, seq, text); err != nil {
		m.logger.Error("persist lifecycle event", "instance_id", id, "seq", seq, "error", err)
	}
	m.broker.Publish(id, text)
}
