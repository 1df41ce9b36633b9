// Package registry owns per-application version records and the capability
// tokens scoped to them. All state lives in explicit maps on the Registry so
// separate deployments stay isolated; persistence is mirrored through the
// store best-effort.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/store"
)

// Registry is the version and token registry for one service instance.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	versions map[string]*model.ApplicationVersion // by version ID
	byApp    map[string][]*model.ApplicationVersion
	tokens   map[string]*tokenState // by token value

	lockMu   sync.Mutex
	appLocks map[string]*sync.Mutex
}

// New creates an empty registry backed by the given store.
func New(s store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:    s,
		logger:   logger,
		versions: make(map[string]*model.ApplicationVersion),
		byApp:    make(map[string][]*model.ApplicationVersion),
		tokens:   make(map[string]*tokenState),
		appLocks: make(map[string]*sync.Mutex),
	}
}

// appLock returns the mutex serializing publish-class transitions for one
// application. The per-application lock makes "at most one default" hold
// across concurrent publishes.
func (r *Registry) appLock(appID string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.appLocks[appID]
	if !ok {
		l = &sync.Mutex{}
		r.appLocks[appID] = l
	}
	return l
}

// CreateVersion registers a new draft version for an application. The version
// string must be strictly greater, by semantic-version ordering, than every
// existing non-archived version of the application; ties are rejected. One
// default full-permission token is minted alongside the version.
func (r *Registry) CreateVersion(ctx context.Context, appID, version, compatibility, sourceRef string, rc model.RuntimeConfig) (*model.ApplicationVersion, *model.CapabilityToken, error) {
	if !model.IsSemver(version) {
		return nil, nil, fmt.Errorf("%w: %q is not a semantic version", model.ErrConflict, version)
	}

	lock := r.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	for _, existing := range r.byApp[appID] {
		if existing.Status == model.VersionArchived {
			continue
		}
		if model.CompareVersions(version, existing.Version) <= 0 {
			r.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: version %q is not greater than existing %q",
				model.ErrConflict, version, existing.Version)
		}
	}

	now := time.Now().UTC()
	v := &model.ApplicationVersion{
		ID:            model.NewID(),
		AppID:         appID,
		Version:       version,
		Status:        model.VersionDraft,
		Compatibility: compatibility,
		SourceRef:     sourceRef,
		Runtime:       rc,
		CreatedAt:     now,
	}
	r.versions[v.ID] = v
	r.byApp[appID] = append(r.byApp[appID], v)

	tok := &model.CapabilityToken{
		Value:       model.NewTokenValue(),
		Label:       "default",
		VersionID:   v.ID,
		AppID:       appID,
		Version:     version,
		Permissions: append([]string(nil), model.FullPermissions...),
		Status:      model.TokenActive,
		Active:      true,
		CreatedAt:   now,
	}
	r.tokens[tok.Value] = &tokenState{tok: *tok}

	vCopy := *v
	r.mu.Unlock()

	r.persistVersion(ctx, &vCopy)
	r.persistToken(ctx, tok)

	tokCopy := *tok
	return &vCopy, &tokCopy, nil
}

// PublishVersion atomically makes the target version the application's
// default: the previously-default version (if any) loses its flag first, then
// the target becomes published, default, and stable. The per-application lock
// guarantees exactly one default survives racing publishes.
func (r *Registry) PublishVersion(ctx context.Context, versionID string) (*model.ApplicationVersion, error) {
	r.mu.RLock()
	v, ok := r.versions[versionID]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: version %q", model.ErrNotFound, versionID)
	}
	appID := v.AppID
	r.mu.RUnlock()

	lock := r.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	v = r.versions[versionID]
	if v.Status == model.VersionArchived {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot publish archived version %q", model.ErrInvalidState, versionID)
	}

	var demoted *model.ApplicationVersion
	for _, other := range r.byApp[appID] {
		if other.ID != v.ID && other.IsDefault {
			other.IsDefault = false
			demotedCopy := *other
			demoted = &demotedCopy
		}
	}

	now := time.Now().UTC()
	v.Status = model.VersionPublished
	v.IsDefault = true
	v.IsStable = true
	v.PublishedAt = &now
	vCopy := *v
	r.mu.Unlock()

	if demoted != nil {
		r.persistVersion(ctx, demoted)
	}
	r.persistVersion(ctx, &vCopy)

	return &vCopy, nil
}

// DeprecateVersion marks a version deprecated and unconditionally clears its
// default flag. The application may be left with no default; callers restore
// one by publishing again. Existing tokens are not revoked.
func (r *Registry) DeprecateVersion(ctx context.Context, versionID string) (*model.ApplicationVersion, error) {
	r.mu.Lock()
	v, ok := r.versions[versionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: version %q", model.ErrNotFound, versionID)
	}
	if v.Status == model.VersionArchived {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot deprecate archived version %q", model.ErrInvalidState, versionID)
	}

	now := time.Now().UTC()
	v.Status = model.VersionDeprecated
	v.IsDefault = false
	v.DeprecatedAt = &now
	vCopy := *v
	r.mu.Unlock()

	r.persistVersion(ctx, &vCopy)
	return &vCopy, nil
}

// ArchiveVersion marks a version archived. Tokens scoped to an archived
// version stop verifying, and the version no longer participates in ordering
// checks for new versions.
func (r *Registry) ArchiveVersion(ctx context.Context, versionID string) (*model.ApplicationVersion, error) {
	r.mu.Lock()
	v, ok := r.versions[versionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: version %q", model.ErrNotFound, versionID)
	}

	v.Status = model.VersionArchived
	v.IsDefault = false
	vCopy := *v
	r.mu.Unlock()

	r.persistVersion(ctx, &vCopy)
	return &vCopy, nil
}

// GetVersion returns a copy of the version record with the given ID.
func (r *Registry) GetVersion(versionID string) (*model.ApplicationVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: version %q", model.ErrNotFound, versionID)
	}
	vCopy := *v
	return &vCopy, nil
}

// Lookup resolves an application+version pair. An empty version string
// resolves to the application's default version.
func (r *Registry) Lookup(appID, version string) (*model.ApplicationVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.byApp[appID] {
		if version == "" {
			if v.IsDefault {
				vCopy := *v
				return &vCopy, nil
			}
			continue
		}
		if v.Version == version {
			vCopy := *v
			return &vCopy, nil
		}
	}
	if version == "" {
		return nil, fmt.Errorf("%w: application %q has no default version", model.ErrNotFound, appID)
	}
	return nil, fmt.Errorf("%w: application %q version %q", model.ErrNotFound, appID, version)
}

// ListVersions returns copies of an application's versions ordered by
// semantic version.
func (r *Registry) ListVersions(appID string) []*model.ApplicationVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.ApplicationVersion, 0, len(r.byApp[appID]))
	for _, v := range r.byApp[appID] {
		vCopy := *v
		out = append(out, &vCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		return model.CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out
}

// DefaultCount reports how many versions of an application currently carry
// the default flag. Used by invariant checks; the answer is always 0 or 1.
func (r *Registry) DefaultCount(appID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, v := range r.byApp[appID] {
		if v.IsDefault {
			n++
		}
	}
	return n
}

// persistVersion mirrors a version record to the store, log-and-continue.
func (r *Registry) persistVersion(ctx context.Context, v *model.ApplicationVersion) {
	if err := r.store.SaveVersion(ctx, v); err != nil {
		r.logger.Error("persist version", "version_id", v.ID, "error", err)
	}
}

// persistToken mirrors a token record to the store, log-and-continue.
func (r *Registry) persistToken(ctx context.Context, t *model.CapabilityToken) {
	if err := r.store.SaveToken(ctx, t); err != nil {
		r.logger.Error("persist token", "version_id", t.VersionID, "error", err)
	}
}
