// Package executor defines the sandbox executor collaborator: the opaque
// dependency that allocates, invokes, and meters sandboxes. The control plane
// treats it as pluggable so the real sandbox technology can be substituted
// without touching lifecycle logic.
package executor

import (
	"context"
	"errors"
)

// ErrTransient marks an executor failure that is safe to retry (sandbox
// momentarily unreachable, allocation pressure). Callers classify errors with
// errors.Is; anything not wrapping ErrTransient is fatal.
var ErrTransient = errors.New("transient executor failure")

// IsTransient reports whether err is a retryable executor failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Request is one inbound call to be served by a sandbox.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Response is a sandbox's reply to a Request.
type Response struct {
	StatusCode int               `json:"status_code"`
	Body       []byte            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	LatencyMS  float64           `json:"latency_ms"`
}

// Usage is one point-in-time metrics reading for a sandbox. Requests and
// Errors are cumulative totals as counted by the sandbox itself; the control
// plane keeps its own request accounting and never merges these into it.
type Usage struct {
	CPUFraction  float64
	MemoryBytes  int64
	StorageBytes int64
	Requests     int64
	Errors       int64
	LatencyMS    float64
	UptimeS      float64
}

// Allocation is the result of a successful sandbox allocation.
type Allocation struct {
	Handle   string
	Endpoint string
}

// RuntimeConfig mirrors the subset of a version's runtime configuration the
// executor needs to size a sandbox.
type RuntimeConfig struct {
	Language        string
	LanguageVersion string
	MemoryMB        int
	CPUs            int
	StorageMB       int
	TimeoutS        int
	Ports           []int
	Env             map[string]string
}

// Executor is the sandbox executor interface. Retries and backoff on
// transient allocation failures are the caller's responsibility.
type Executor interface {
	// Allocate provisions a sandbox for the given runtime configuration and
	// returns its opaque handle and endpoint address.
	Allocate(ctx context.Context, cfg RuntimeConfig) (Allocation, error)

	// Release tears down the sandbox identified by handle. Releasing an
	// unknown handle is not an error.
	Release(ctx context.Context, handle string) error

	// Invoke delivers one request to a running sandbox.
	Invoke(ctx context.Context, handle string, req Request) (Response, error)

	// SampleMetrics reads the sandbox's current resource usage.
	SampleMetrics(ctx context.Context, handle string) (Usage, error)
}
