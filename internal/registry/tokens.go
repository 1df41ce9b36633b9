package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/seantiz/crucible/internal/model"
)

// tokenState pairs a token record with its live rate-accounting windows.
// Window counters are atomics so TrackUsage can run concurrently without a
// lock; the record itself is guarded by the registry mutex.
type tokenState struct {
	tok    model.CapabilityToken
	minute rateWindow
	hour   rateWindow
	day    rateWindow
}

// rateWindow counts requests inside one fixed window. start holds the unix
// second the current window began; when the wall clock rolls into a new
// window the first caller to notice resets the count via CAS.
type rateWindow struct {
	start atomic.Int64
	count atomic.Int64
}

// roll resets the window if windowStart is newer than the recorded start.
// Safe under concurrent callers: exactly one CAS winner clears the count.
func (w *rateWindow) roll(windowStart int64) {
	for {
		cur := w.start.Load()
		if cur == windowStart {
			return
		}
		if w.start.CompareAndSwap(cur, windowStart) {
			w.count.Store(0)
			return
		}
	}
}

func (w *rateWindow) within(windowStart int64, limit int) bool {
	if limit <= 0 {
		return true
	}
	w.roll(windowStart)
	return w.count.Load() < int64(limit)
}

func (w *rateWindow) track(windowStart int64) {
	w.roll(windowStart)
	w.count.Add(1)
}

// CreateToken mints a capability token scoped to one version. Tokens cannot
// be created for archived versions.
func (r *Registry) CreateToken(ctx context.Context, versionID, label string, permissions []string, limit model.RateLimit, expiresAt *time.Time) (*model.CapabilityToken, error) {
	r.mu.Lock()
	v, ok := r.versions[versionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: version %q", model.ErrNotFound, versionID)
	}
	if v.Status == model.VersionArchived {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: version %q is archived", model.ErrInvalidState, versionID)
	}

	tok := model.CapabilityToken{
		Value:       model.NewTokenValue(),
		Label:       label,
		VersionID:   v.ID,
		AppID:       v.AppID,
		Version:     v.Version,
		Permissions: append([]string(nil), permissions...),
		Limit:       limit,
		Status:      model.TokenActive,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	r.tokens[tok.Value] = &tokenState{tok: tok}
	r.mu.Unlock()

	r.persistToken(ctx, &tok)
	tokCopy := tok
	return &tokCopy, nil
}

// RevokeToken deactivates one token. Other tokens of the same or other
// versions are unaffected.
func (r *Registry) RevokeToken(ctx context.Context, value string) error {
	r.mu.Lock()
	st, ok := r.tokens[value]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: token", model.ErrNotFound)
	}
	st.tok.Active = false
	st.tok.Status = model.TokenRevoked
	tokCopy := st.tok
	r.mu.Unlock()

	r.persistToken(ctx, &tokCopy)
	return nil
}

// VerifyToken validates a token value. A token verifies only while active,
// unexpired, and scoped to a non-archived version. The first check after
// expiry flips the token to expired/inactive; subsequent checks observe the
// same result without further state changes.
func (r *Registry) VerifyToken(ctx context.Context, value string) (*model.CapabilityToken, error) {
	r.mu.Lock()
	st, ok := r.tokens[value]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown token", model.ErrTokenInvalid)
	}

	if !st.tok.Active {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: token is %s", model.ErrTokenInvalid, st.tok.Status)
	}

	if st.tok.Expired(time.Now().UTC()) {
		// Lazy expiry: flip once, persist the flip.
		st.tok.Status = model.TokenExpired
		st.tok.Active = false
		tokCopy := st.tok
		r.mu.Unlock()

		r.persistToken(ctx, &tokCopy)
		return nil, fmt.Errorf("%w: token expired", model.ErrTokenInvalid)
	}

	v, ok := r.versions[st.tok.VersionID]
	if !ok || v.Status == model.VersionArchived {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: version archived", model.ErrTokenInvalid)
	}

	tokCopy := st.tok
	r.mu.Unlock()
	return &tokCopy, nil
}

// CheckRateLimit reports whether the token has budget left in every
// configured window. It never mutates usage; increments happen only through
// TrackUsage.
func (r *Registry) CheckRateLimit(value string) (bool, error) {
	r.mu.RLock()
	st, ok := r.tokens[value]
	if !ok {
		r.mu.RUnlock()
		return false, fmt.Errorf("%w: token", model.ErrNotFound)
	}
	limit := st.tok.Limit
	r.mu.RUnlock()

	now := time.Now().UTC()
	if !st.minute.within(now.Truncate(time.Minute).Unix(), limit.PerMinute) {
		return false, nil
	}
	if !st.hour.within(now.Truncate(time.Hour).Unix(), limit.PerHour) {
		return false, nil
	}
	if !st.day.within(now.Truncate(24*time.Hour).Unix(), limit.PerDay) {
		return false, nil
	}
	return true, nil
}

// TrackUsage records one request against the token's windows. Safe under
// concurrent callers; increments are atomic additions.
func (r *Registry) TrackUsage(value string) error {
	r.mu.RLock()
	st, ok := r.tokens[value]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: token", model.ErrNotFound)
	}
	r.mu.RUnlock()

	now := time.Now().UTC()
	st.minute.track(now.Truncate(time.Minute).Unix())
	st.hour.track(now.Truncate(time.Hour).Unix())
	st.day.track(now.Truncate(24 * time.Hour).Unix())
	return nil
}
