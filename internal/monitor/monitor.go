// Package monitor samples resource usage for running instances on a fixed
// tick, keeps a bounded per-instance sample history, and emits scaling
// advisories evaluated per application+version group.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/crucible/internal/executor"
	"github.com/seantiz/crucible/internal/lifecycle"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

const (
	// sampleConcurrency caps the per-tick sampling fan-out.
	sampleConcurrency = 8

	// sampleTimeout bounds one executor metrics call.
	sampleTimeout = 5 * time.Second

	// missedSampleLimit is how many consecutive failed samples an instance
	// survives before it is reclassified as unhealthy.
	missedSampleLimit = 3
)

// InstanceSource is the lifecycle-facing view the monitor samples from.
// Implemented by the lifecycle manager.
type InstanceSource interface {
	Running() []lifecycle.InstanceInfo
	UpdateUsage(ctx context.Context, instanceID string, u executor.Usage)
	MarkUnhealthy(instanceID, reason string)
}

// AdvisoryApplier acts on scaling advisories. Implemented by the lifecycle
// manager, which stays the single writer for instance state.
type AdvisoryApplier interface {
	ScaleUp(ctx context.Context, appID, version string) error
	ScaleDown(ctx context.Context, instanceID string) error
}

// Monitor drives the sampling tick and the autoscaler.
type Monitor struct {
	source  InstanceSource
	applier AdvisoryApplier
	exec    executor.Executor
	store   store.Store
	logger  *slog.Logger
	eval    *Evaluator

	tick       time.Duration
	historyCap int

	// mu guards the per-instance maps: the tick loop writes them while
	// HistorySnapshot reads from HTTP handlers.
	mu         sync.Mutex
	histories  map[string]*History
	missed     map[string]int
	lastTotals map[string]tickTotals
}

// tickTotals remembers the cumulative request total seen at the previous
// successful sample, for request-rate deltas.
type tickTotals struct {
	requests int64
	at       time.Time
}

// New creates a monitor. historyCap bounds each instance's sample buffer.
func New(source InstanceSource, applier AdvisoryApplier, exec executor.Executor, s store.Store, logger *slog.Logger, policy Policy, tick time.Duration, historyCap int) *Monitor {
	return &Monitor{
		source:     source,
		applier:    applier,
		exec:       exec,
		store:      s,
		logger:     logger,
		eval:       NewEvaluator(policy),
		tick:       tick,
		historyCap: historyCap,
		histories:  make(map[string]*History),
		missed:     make(map[string]int),
		lastTotals: make(map[string]tickTotals),
	}
}

// Run drives the tick loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	m.logger.Info("monitor started", "tick", m.tick, "history_capacity", m.historyCap)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one sampling and policy-evaluation pass. Exported so tests
// can drive the monitor without a ticker.
func (m *Monitor) Tick(ctx context.Context) {
	infos := m.source.Running()
	samples := m.sample(ctx, infos)
	m.prune(infos)

	for _, gs := range m.aggregate(infos, samples) {
		adv := m.eval.Evaluate(gs)
		if adv == nil {
			continue
		}
		m.apply(ctx, adv)
	}
}

// sample fans out metrics collection across running instances and folds the
// results into histories, the store, and the lifecycle usage snapshots.
// Returns this tick's successful samples by instance ID.
func (m *Monitor) sample(ctx context.Context, infos []lifecycle.InstanceInfo) map[string]executor.Usage {
	results := make([]*executor.Usage, len(infos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sampleConcurrency)
	for i, info := range infos {
		i, info := i, info
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, sampleTimeout)
			defer cancel()

			u, err := m.exec.SampleMetrics(sctx, info.Handle)
			if err != nil {
				samplesTotal.WithLabelValues("missed").Inc()
				m.logger.Warn("sample failed", "instance_id", info.ID, "error", err)
				return nil
			}
			results[i] = &u
			return nil
		})
	}
	g.Wait()

	now := time.Now().UTC()
	usages := make(map[string]executor.Usage, len(infos))
	for i, info := range infos {
		if results[i] == nil {
			m.missed[info.ID]++
			if m.missed[info.ID] >= missedSampleLimit {
				m.source.MarkUnhealthy(info.ID, "no metrics for 3 consecutive samples")
				m.forgetInstance(info.ID)
			}
			// A missed sample never fabricates a zero that could trigger
			// scale-down.
			continue
		}

		u := *results[i]
		m.missed[info.ID] = 0
		usages[info.ID] = u
		samplesTotal.WithLabelValues("ok").Inc()

		s := model.MetricSample{
			InstanceID:   info.ID,
			CPUFraction:  u.CPUFraction,
			MemoryBytes:  u.MemoryBytes,
			StorageBytes: u.StorageBytes,
			Requests:     u.Requests,
			Errors:       u.Errors,
			LatencyMS:    u.LatencyMS,
			UptimeS:      u.UptimeS,
			Timestamp:    now,
		}
		m.historyFor(info.ID).Append(s)
		if err := m.store.AppendSample(ctx, &s); err != nil {
			m.logger.Error("persist sample", "instance_id", info.ID, "error", err)
		}
		m.source.UpdateUsage(ctx, info.ID, u)
	}
	return usages
}

// aggregate computes per-group rolling stats from histories and this tick's
// request-rate deltas.
func (m *Monitor) aggregate(infos []lifecycle.InstanceInfo, usages map[string]executor.Usage) []GroupStats {
	window := m.eval.Policy().Window
	now := time.Now().UTC()

	type acc struct {
		stats   GroupStats
		cpuSum  float64
		memSum  float64
		n       int
		rate    float64
		lruTime time.Time
	}
	groups := make(map[string]*acc)

	for _, info := range infos {
		key := info.AppID + "/" + info.Version
		a, ok := groups[key]
		if !ok {
			a = &acc{stats: GroupStats{AppID: info.AppID, Version: info.Version}}
			groups[key] = a
		}
		a.stats.Instances++

		if a.stats.LRUInstance == "" || info.LastUsed.Before(a.lruTime) {
			a.stats.LRUInstance = info.ID
			a.lruTime = info.LastUsed
		}

		memLimit := float64(int64(info.MemLimitMB) << 20)
		for _, s := range m.historyFor(info.ID).Last(window) {
			a.cpuSum += s.CPUFraction
			if memLimit > 0 {
				a.memSum += float64(s.MemoryBytes) / memLimit
			}
			a.n++
		}

		// Request rate from cumulative totals between successful samples.
		if u, ok := usages[info.ID]; ok {
			prev, seen := m.lastTotals[info.ID]
			if seen && now.After(prev.at) {
				delta := float64(u.Requests - prev.requests)
				if delta > 0 {
					a.rate += delta / now.Sub(prev.at).Seconds()
				}
			}
			m.lastTotals[info.ID] = tickTotals{requests: u.Requests, at: now}
		}
	}

	out := make([]GroupStats, 0, len(groups))
	for _, a := range groups {
		if a.n > 0 {
			a.stats.AvgCPU = a.cpuSum / float64(a.n)
			a.stats.AvgMemory = a.memSum / float64(a.n)
		}
		a.stats.RequestRate = a.rate
		out = append(out, a.stats)
	}
	return out
}

// apply delivers one advisory to the lifecycle manager.
func (m *Monitor) apply(ctx context.Context, adv *Advisory) {
	advisoriesTotal.WithLabelValues(string(adv.Direction)).Inc()
	m.logger.Info("scaling advisory",
		"app_id", adv.AppID, "version", adv.Version,
		"direction", adv.Direction, "instance_id", adv.InstanceID,
		"reason", adv.Reason)

	var err error
	switch adv.Direction {
	case ScaleUp:
		err = m.applier.ScaleUp(ctx, adv.AppID, adv.Version)
	case ScaleDown:
		err = m.applier.ScaleDown(ctx, adv.InstanceID)
	}
	if err != nil {
		m.logger.Error("apply scaling advisory", "direction", adv.Direction, "error", err)
	}
}

// prune drops per-instance state for instances no longer running and streak
// state for groups that disappeared.
func (m *Monitor) prune(infos []lifecycle.InstanceInfo) {
	live := make(map[string]bool, len(infos))
	liveGroups := make(map[string]bool, len(infos))
	for _, info := range infos {
		live[info.ID] = true
		liveGroups[info.AppID+"/"+info.Version] = true
	}

	m.eval.Prune(liveGroups)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.histories {
		if !live[id] {
			m.forgetLocked(id)
		}
	}
	for id := range m.missed {
		if !live[id] {
			delete(m.missed, id)
		}
	}
}

func (m *Monitor) forgetInstance(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetLocked(id)
}

func (m *Monitor) forgetLocked(id string) {
	delete(m.histories, id)
	delete(m.missed, id)
	delete(m.lastTotals, id)
}

func (m *Monitor) historyFor(id string) *History {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[id]
	if !ok {
		h = NewHistory(m.historyCap)
		m.histories[id] = h
	}
	return h
}

// HistorySnapshot returns a copy of one instance's sample history, oldest
// first. Used by the instance inspection endpoint.
func (m *Monitor) HistorySnapshot(instanceID string) []model.MetricSample {
	m.mu.Lock()
	h, ok := m.histories[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Snapshot()
}
