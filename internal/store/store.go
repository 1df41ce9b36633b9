package store

import (
	"context"
	"errors"

	"github.com/seantiz/crucible/internal/model"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// InstanceStats holds aggregate instance statistics.
type InstanceStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByApp    map[string]int `json:"count_by_app"`
}

// Store defines durable persistence for the control plane's records. The core
// tolerates persistence being unavailable: in-memory state stays correct for
// the process lifetime and writes are retried asynchronously.
type Store interface {
	SaveVersion(ctx context.Context, v *model.ApplicationVersion) error
	GetVersion(ctx context.Context, id string) (*model.ApplicationVersion, error)
	ListVersions(ctx context.Context, appID string) ([]*model.ApplicationVersion, error)

	SaveToken(ctx context.Context, t *model.CapabilityToken) error
	GetToken(ctx context.Context, value string) (*model.CapabilityToken, error)

	SaveInstance(ctx context.Context, in *model.Instance) error
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context, appID string) ([]*model.Instance, error)
	GetInstanceStats(ctx context.Context) (*InstanceStats, error)

	AppendSample(ctx context.Context, s *model.MetricSample) error
	ListSamples(ctx context.Context, instanceID string, limit int) ([]model.MetricSample, error)

	InsertEvent(ctx context.Context, instanceID string, seq int, event string) error
	GetEvents(ctx context.Context, instanceID string) ([]model.LifecycleEvent, error)

	Close() error
}
