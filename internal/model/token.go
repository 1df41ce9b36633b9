package model

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token status constants.
const (
	TokenActive  = "active"
	TokenRevoked = "revoked"
	TokenExpired = "expired"
)

// Capability permission strings.
const (
	PermRead    = "read"
	PermWrite   = "write"
	PermExecute = "execute"
)

// FullPermissions is the permission set granted to the default token minted
// alongside each new version.
var FullPermissions = []string{PermRead, PermWrite, PermExecute}

// RateLimit is a token's request budget per fixed window. A zero field means
// that window is unlimited.
type RateLimit struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// CapabilityToken is a credential scoped to exactly one (application, version)
// pair. It is valid only while active, unexpired, and its version is not
// archived.
type CapabilityToken struct {
	Value       string     `json:"value"`
	Label       string     `json:"label"`
	VersionID   string     `json:"version_id"`
	AppID       string     `json:"app_id"`
	Version     string     `json:"version"`
	Permissions []string   `json:"permissions"`
	Limit       RateLimit  `json:"limit"`
	Status      string     `json:"status"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// HasPermission reports whether the token carries the given capability.
func (t *CapabilityToken) HasPermission(perm string) bool {
	return slices.Contains(t.Permissions, perm)
}

// Expired reports whether the token's expiry, if set, has passed at now.
func (t *CapabilityToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// NewTokenValue generates an opaque token value.
func NewTokenValue() string {
	return "ct_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
