package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestVersion(appID, version string) *model.ApplicationVersion {
	return &model.ApplicationVersion{
		ID:            model.NewID(),
		AppID:         appID,
		Version:       version,
		Status:        model.VersionDraft,
		Compatibility: model.CompatMinor,
		SourceRef:     "s3://bundles/" + appID + "/" + version,
		Runtime: model.RuntimeConfig{
			Language: "node",
			MemoryMB: 256,
			CPUs:     1,
			TimeoutS: 30,
			Env:      map[string]string{"NODE_ENV": "production"},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveAndGetVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := makeTestVersion("app-1", "1.0.0")

	if err := s.SaveVersion(ctx, v); err != nil {
		t.Fatalf("SaveVersion: %v", err)
	}

	got, err := s.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.AppID != v.AppID {
		t.Errorf("AppID = %q, want %q", got.AppID, v.AppID)
	}
	if got.Version != v.Version {
		t.Errorf("Version = %q, want %q", got.Version, v.Version)
	}
	if got.Runtime.Language != "node" {
		t.Errorf("Runtime.Language = %q, want node", got.Runtime.Language)
	}
	if got.Runtime.Env["NODE_ENV"] != "production" {
		t.Errorf("Runtime.Env = %v, missing NODE_ENV", got.Runtime.Env)
	}
}

func TestSaveVersionUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := makeTestVersion("app-1", "1.0.0")

	if err := s.SaveVersion(ctx, v); err != nil {
		t.Fatalf("SaveVersion: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	v.Status = model.VersionPublished
	v.IsDefault = true
	v.PublishedAt = &now
	if err := s.SaveVersion(ctx, v); err != nil {
		t.Fatalf("SaveVersion (update): %v", err)
	}

	got, err := s.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if got.Status != model.VersionPublished {
		t.Errorf("Status = %q, want published", got.Status)
	}
	if !got.IsDefault {
		t.Error("IsDefault = false, want true")
	}
	if got.PublishedAt == nil {
		t.Error("PublishedAt is nil")
	}
}

func TestGetVersionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetVersion(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListVersionsByApp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		if err := s.SaveVersion(ctx, makeTestVersion("app-1", v)); err != nil {
			t.Fatalf("SaveVersion(%s): %v", v, err)
		}
	}
	if err := s.SaveVersion(ctx, makeTestVersion("app-2", "0.1.0")); err != nil {
		t.Fatalf("SaveVersion(app-2): %v", err)
	}

	versions, err := s.ListVersions(ctx, "app-1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Errorf("len = %d, want 3", len(versions))
	}
	for _, v := range versions {
		if v.AppID != "app-1" {
			t.Errorf("got version for %q, want app-1 only", v.AppID)
		}
	}
}

func TestSaveAndGetToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	tok := &model.CapabilityToken{
		Value:       model.NewTokenValue(),
		Label:       "default",
		VersionID:   "ver-1",
		AppID:       "app-1",
		Version:     "1.0.0",
		Permissions: model.FullPermissions,
		Limit:       model.RateLimit{PerMinute: 60, PerDay: 100},
		Status:      model.TokenActive,
		Active:      true,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		ExpiresAt:   &expires,
	}

	if err := s.SaveToken(ctx, tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	got, err := s.GetToken(ctx, tok.Value)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Label != "default" {
		t.Errorf("Label = %q, want default", got.Label)
	}
	if len(got.Permissions) != 3 {
		t.Errorf("Permissions = %v, want 3 entries", got.Permissions)
	}
	if got.Limit.PerDay != 100 {
		t.Errorf("PerDay = %d, want 100", got.Limit.PerDay)
	}
	if got.ExpiresAt == nil {
		t.Error("ExpiresAt is nil")
	}
}

func TestSaveAndGetInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &model.Instance{
		ID:            model.NewID(),
		AppID:         "app-1",
		Version:       "1.0.0",
		Status:        model.InstanceRunning,
		SandboxHandle: "sbx-abc",
		Endpoint:      "127.0.0.1:30001",
		Usage: model.ResourceUsage{
			CPUFraction: 0.25,
			MemoryBytes: 64 << 20,
			Requests:    42,
			UpdatedAt:   time.Now().UTC().Truncate(time.Second),
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}

	if err := s.SaveInstance(ctx, in); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	got, err := s.GetInstance(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != model.InstanceRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.SandboxHandle != "sbx-abc" {
		t.Errorf("SandboxHandle = %q, want sbx-abc", got.SandboxHandle)
	}
	if got.Usage.Requests != 42 {
		t.Errorf("Usage.Requests = %d, want 42", got.Usage.Requests)
	}
}

func TestGetInstanceStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []string{model.InstanceRunning, model.InstanceRunning, model.InstanceStopped}
	for _, st := range statuses {
		in := &model.Instance{
			ID:        model.NewID(),
			AppID:     "app-1",
			Version:   "1.0.0",
			Status:    st,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		if err := s.SaveInstance(ctx, in); err != nil {
			t.Fatalf("SaveInstance: %v", err)
		}
	}

	stats, err := s.GetInstanceStats(ctx)
	if err != nil {
		t.Fatalf("GetInstanceStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.InstanceRunning] != 2 {
		t.Errorf("running count = %d, want 2", stats.CountByStatus[model.InstanceRunning])
	}
	if stats.CountByApp["app-1"] != 3 {
		t.Errorf("app-1 count = %d, want 3", stats.CountByApp["app-1"])
	}
}

func TestAppendAndListSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sample := &model.MetricSample{
			InstanceID:  "inst-1",
			CPUFraction: float64(i) / 10,
			MemoryBytes: int64(i) << 20,
			Requests:    int64(i),
			Timestamp:   time.Now().UTC(),
		}
		if err := s.AppendSample(ctx, sample); err != nil {
			t.Fatalf("AppendSample[%d]: %v", i, err)
		}
	}

	samples, err := s.ListSamples(ctx, "inst-1", 3)
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("len = %d, want 3", len(samples))
	}
	// Most recent 3, oldest first.
	if samples[0].Requests != 2 || samples[2].Requests != 4 {
		t.Errorf("sample order = [%d %d %d], want [2 3 4]",
			samples[0].Requests, samples[1].Requests, samples[2].Requests)
	}
}

func TestInsertAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []string{"status: pending", "status: starting", "status: running"}
	for i, e := range events {
		if err := s.InsertEvent(ctx, "inst-1", i, e); err != nil {
			t.Fatalf("InsertEvent[%d]: %v", i, err)
		}
	}

	got, err := s.GetEvents(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, e := range got {
		if e.Seq != i {
			t.Errorf("event[%d].Seq = %d, want %d", i, e.Seq, i)
		}
		if e.Event != events[i] {
			t.Errorf("event[%d] = %q, want %q", i, e.Event, events[i])
		}
	}
}
