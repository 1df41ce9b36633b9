package model

import (
	"strconv"
	"strings"
	"time"
)

// Version lifecycle status constants.
const (
	VersionDraft      = "draft"
	VersionPublished  = "published"
	VersionDeprecated = "deprecated"
	VersionArchived   = "archived"
)

// Compatibility tag constants.
const (
	CompatBackward = "backward_compatible"
	CompatBreaking = "breaking"
	CompatMajor    = "major"
	CompatMinor    = "minor"
	CompatPatch    = "patch"
)

// RuntimeConfig describes the runtime environment a version's instances run in.
type RuntimeConfig struct {
	Language        string            `json:"language"`
	LanguageVersion string            `json:"language_version,omitempty"`
	MemoryMB        int               `json:"memory_mb"`
	CPUs            int               `json:"cpus"`
	StorageMB       int               `json:"storage_mb"`
	TimeoutS        int               `json:"timeout_s"`
	Ports           []int             `json:"ports,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

// ApplicationVersion is one immutable deployable revision of an application.
// Once published, only status and the default/stable flags may change.
type ApplicationVersion struct {
	ID            string        `json:"id"`
	AppID         string        `json:"app_id"`
	Version       string        `json:"version"`
	Status        string        `json:"status"`
	Compatibility string        `json:"compatibility"`
	IsDefault     bool          `json:"is_default"`
	IsStable      bool          `json:"is_stable"`
	SourceRef     string        `json:"source_ref"`
	Runtime       RuntimeConfig `json:"runtime"`
	CreatedAt     time.Time     `json:"created_at"`
	PublishedAt   *time.Time    `json:"published_at,omitempty"`
	DeprecatedAt  *time.Time    `json:"deprecated_at,omitempty"`
}

// CompareVersions orders two semantic version strings. It returns -1 if a < b,
// 0 if equal, and 1 if a > b. A version with a pre-release suffix sorts before
// the same version without one ("1.2.0-rc.1" < "1.2.0"). Non-numeric
// components compare as zero, so malformed input never panics.
func CompareVersions(a, b string) int {
	aCore, aPre, _ := strings.Cut(a, "-")
	bCore, bPre, _ := strings.Cut(b, "-")

	aParts := strings.SplitN(aCore, ".", 3)
	bParts := strings.SplitN(bCore, ".", 3)
	for i := 0; i < 3; i++ {
		av, bv := 0, 0
		if i < len(aParts) {
			av, _ = strconv.Atoi(aParts[i])
		}
		if i < len(bParts) {
			bv, _ = strconv.Atoi(bParts[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}

	switch {
	case aPre == bPre:
		return 0
	case aPre == "":
		return 1
	case bPre == "":
		return -1
	case aPre < bPre:
		return -1
	default:
		return 1
	}
}

// IsSemver reports whether s looks like "major.minor.patch" with an optional
// pre-release suffix.
func IsSemver(s string) bool {
	core, _, _ := strings.Cut(s, "-")
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}
