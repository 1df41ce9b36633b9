package registry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/registry"
	"github.com/seantiz/crucible/internal/store"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return registry.New(s, logger)
}

func testRuntime() model.RuntimeConfig {
	return model.RuntimeConfig{Language: "node", MemoryMB: 256, CPUs: 1, TimeoutS: 30}
}

func TestCreateVersionMintsDefaultToken(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v, tok, err := r.CreateVersion(ctx, "app-1", "1.0.0", model.CompatMinor, "s3://b/1", testRuntime())
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	if v.Status != model.VersionDraft {
		t.Errorf("Status = %q, want draft", v.Status)
	}
	if v.IsDefault {
		t.Error("new draft version should not be default")
	}
	if tok.Label != "default" {
		t.Errorf("token label = %q, want default", tok.Label)
	}
	if !tok.HasPermission(model.PermExecute) || !tok.HasPermission(model.PermRead) || !tok.HasPermission(model.PermWrite) {
		t.Errorf("default token permissions = %v, want full set", tok.Permissions)
	}
	if tok.VersionID != v.ID {
		t.Errorf("token scoped to %q, want %q", tok.VersionID, v.ID)
	}
}

func TestCreateVersionRejectsNonIncreasing(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, _, err := r.CreateVersion(ctx, "app-1", "1.2.0", model.CompatMinor, "", testRuntime()); err != nil {
		t.Fatalf("CreateVersion(1.2.0): %v", err)
	}

	// Equal and lower versions are ordering conflicts.
	for _, ver := range []string{"1.2.0", "1.1.9", "0.9.0"} {
		_, _, err := r.CreateVersion(ctx, "app-1", ver, model.CompatPatch, "", testRuntime())
		if !errors.Is(err, model.ErrConflict) {
			t.Errorf("CreateVersion(%s) err = %v, want ErrConflict", ver, err)
		}
	}

	// A strictly greater version is fine.
	if _, _, err := r.CreateVersion(ctx, "app-1", "1.2.1", model.CompatPatch, "", testRuntime()); err != nil {
		t.Errorf("CreateVersion(1.2.1): %v", err)
	}
}

func TestCreateVersionRejectsMalformed(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.CreateVersion(context.Background(), "app-1", "not-a-version", model.CompatMinor, "", testRuntime())
	if !errors.Is(err, model.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestCreateVersionIgnoresArchivedOrdering(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v, _, err := r.CreateVersion(ctx, "app-1", "2.0.0", model.CompatMajor, "", testRuntime())
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := r.ArchiveVersion(ctx, v.ID); err != nil {
		t.Fatalf("ArchiveVersion: %v", err)
	}

	// Archived versions no longer constrain ordering.
	if _, _, err := r.CreateVersion(ctx, "app-1", "1.0.0", model.CompatMinor, "", testRuntime()); err != nil {
		t.Errorf("CreateVersion(1.0.0) after archive: %v", err)
	}
}

func TestPublishSwapsDefault(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v1, _, _ := r.CreateVersion(ctx, "app-1", "1.0.0", model.CompatMinor, "", testRuntime())
	v2, _, _ := r.CreateVersion(ctx, "app-1", "2.0.0", model.CompatMajor, "", testRuntime())

	pub1, err := r.PublishVersion(ctx, v1.ID)
	if err != nil {
		t.Fatalf("PublishVersion(v1): %v", err)
	}
	if !pub1.IsDefault || !pub1.IsStable || pub1.Status != model.VersionPublished {
		t.Errorf("v1 after publish = %+v, want published default stable", pub1)
	}
	if pub1.PublishedAt == nil {
		t.Error("PublishedAt not stamped")
	}

	if _, err := r.PublishVersion(ctx, v2.ID); err != nil {
		t.Fatalf("PublishVersion(v2): %v", err)
	}

	got1, _ := r.GetVersion(v1.ID)
	got2, _ := r.GetVersion(v2.ID)
	if got1.IsDefault {
		t.Error("v1 should have lost default after v2 publish")
	}
	if !got2.IsDefault {
		t.Error("v2 should be default")
	}
	if n := r.DefaultCount("app-1"); n != 1 {
		t.Errorf("DefaultCount = %d, want 1", n)
	}
}

func TestPublishRaceKeepsSingleDefault(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ids := make([]string, 8)
	for i := range ids {
		v, _, err := r.CreateVersion(ctx, "app-1", fmt.Sprintf("1.%d.0", i), model.CompatMinor, "", testRuntime())
		if err != nil {
			t.Fatalf("CreateVersion[%d]: %v", i, err)
		}
		ids[i] = v.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.PublishVersion(ctx, id); err != nil {
				t.Errorf("PublishVersion: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := r.DefaultCount("app-1"); n != 1 {
		t.Errorf("DefaultCount after racing publishes = %d, want exactly 1", n)
	}
}

func TestPublishArchivedRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v, _, _ := r.CreateVersion(ctx, "app-1", "1.0.0", model.CompatMinor, "", testRuntime())
	if _, err := r.ArchiveVersion(ctx, v.ID); err != nil {
		t.Fatalf("ArchiveVersion: %v", err)
	}

	_, err := r.PublishVersion(ctx, v.ID)
	if !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestPublishUnknownVersion(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.PublishVersion(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeprecateClearsDefaultAndKeepsTokens(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v, tok, _ := r.CreateVersion(ctx, "app-1", "1.0.0", model.CompatMinor, "", testRuntime())
	if _, err := r.PublishVersion(ctx, v.ID); err != nil {
		t.Fatalf("PublishVersion: %v", err)
	}

	dep, err := r.DeprecateVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("DeprecateVersion: %v", err)
	}
	if dep.IsDefault {
		t.Error("deprecated version should not stay default")
	}
	if n := r.DefaultCount("app-1"); n != 0 {
		t.Errorf("DefaultCount = %d, want 0 (no automatic fallback)", n)
	}

	// Deprecation does not revoke the version's tokens.
	if _, err := r.VerifyToken(ctx, tok.Value); err != nil {
		t.Errorf("VerifyToken after deprecation = %v, want valid", err)
	}
}

func TestLookupDefaultVersion(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v1, _, _ := r.CreateVersion(ctx, "app-1", "1.0.0", model.CompatMinor, "", testRuntime())
	if _, err := r.PublishVersion(ctx, v1.ID); err != nil {
		t.Fatalf("PublishVersion: %v", err)
	}

	got, err := r.Lookup("app-1", "")
	if err != nil {
		t.Fatalf("Lookup default: %v", err)
	}
	if got.ID != v1.ID {
		t.Errorf("default = %q, want %q", got.ID, v1.ID)
	}

	got, err = r.Lookup("app-1", "1.0.0")
	if err != nil {
		t.Fatalf("Lookup explicit: %v", err)
	}
	if got.ID != v1.ID {
		t.Errorf("explicit lookup = %q, want %q", got.ID, v1.ID)
	}

	if _, err := r.Lookup("app-1", "9.9.9"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Lookup missing version err = %v, want ErrNotFound", err)
	}
}

func TestListVersionsSemverOrdered(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	// Created in increasing order (the registry enforces it); list must come
	// back semver-ordered regardless.
	for _, ver := range []string{"1.2.0", "1.10.0", "2.0.0"} {
		if _, _, err := r.CreateVersion(ctx, "app-1", ver, model.CompatMinor, "", testRuntime()); err != nil {
			t.Fatalf("CreateVersion(%s): %v", ver, err)
		}
	}

	got := r.ListVersions("app-1")
	want := []string{"1.2.0", "1.10.0", "2.0.0"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, v := range got {
		if v.Version != want[i] {
			t.Errorf("versions[%d] = %q, want %q", i, v.Version, want[i])
		}
	}
}
