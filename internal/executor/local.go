package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// Local is an in-process executor that simulates sandbox behaviour. It backs
// development and the default server wiring; production deployments register
// a real sandbox implementation behind the Executor interface instead.
type Local struct {
	mu        sync.Mutex
	sandboxes map[string]*localSandbox
	nextPort  int
}

type localSandbox struct {
	cfg       RuntimeConfig
	endpoint  string
	startedAt time.Time
	requests  int64
	errors    int64
	lastMS    float64
}

// NewLocal creates a local executor with no sandboxes allocated.
func NewLocal() *Local {
	return &Local{
		sandboxes: make(map[string]*localSandbox),
		nextPort:  30000,
	}
}

// Allocate provisions a simulated sandbox and returns its handle.
func (l *Local) Allocate(ctx context.Context, cfg RuntimeConfig) (Allocation, error) {
	if err := ctx.Err(); err != nil {
		return Allocation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	handle := "sbx-" + model.NewID()
	endpoint := fmt.Sprintf("127.0.0.1:%d", l.nextPort)
	l.nextPort++

	l.sandboxes[handle] = &localSandbox{
		cfg:       cfg,
		endpoint:  endpoint,
		startedAt: time.Now().UTC(),
	}

	return Allocation{Handle: handle, Endpoint: endpoint}, nil
}

// Release tears down a simulated sandbox. Unknown handles are ignored.
func (l *Local) Release(_ context.Context, handle string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sandboxes, handle)
	return nil
}

// Invoke serves a request from the simulated sandbox by echoing the body.
func (l *Local) Invoke(ctx context.Context, handle string, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	l.mu.Lock()
	sb, ok := l.sandboxes[handle]
	if !ok {
		l.mu.Unlock()
		return Response{}, fmt.Errorf("unknown sandbox handle %q", handle)
	}

	start := time.Now()
	sb.requests++
	latency := float64(time.Since(start).Microseconds())/1000.0 + 0.1
	sb.lastMS = latency
	l.mu.Unlock()

	return Response{
		StatusCode: 200,
		Body:       req.Body,
		Headers:    map[string]string{"X-Sandbox-Handle": handle},
		LatencyMS:  latency,
	}, nil
}

// SampleMetrics reports synthetic usage derived from the sandbox's request
// activity. Requests and errors are cumulative totals.
func (l *Local) SampleMetrics(ctx context.Context, handle string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sb, ok := l.sandboxes[handle]
	if !ok {
		return Usage{}, fmt.Errorf("%w: unknown sandbox handle %q", ErrTransient, handle)
	}

	uptime := time.Since(sb.startedAt).Seconds()

	// Idle sandboxes sit near zero; each recent request nudges the gauges.
	cpu := 0.02 + float64(sb.requests%50)*0.002
	mem := int64(32<<20) + sb.requests*1024
	if limit := int64(sb.cfg.MemoryMB) << 20; limit > 0 && mem > limit {
		mem = limit
	}

	return Usage{
		CPUFraction:  cpu,
		MemoryBytes:  mem,
		StorageBytes: int64(sb.cfg.StorageMB) << 19, // half the quota
		Requests:     sb.requests,
		Errors:       sb.errors,
		LatencyMS:    sb.lastMS,
		UptimeS:      uptime,
	}, nil
}
