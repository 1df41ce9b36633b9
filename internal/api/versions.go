package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// createVersionRequest is the JSON body for POST /v1/apps/{app}/versions.
type createVersionRequest struct {
	Version       string      `json:"version"`
	Compatibility string      `json:"compatibility"`
	SourceRef     string      `json:"source_ref"`
	Runtime       *runtimeReq `json:"runtime"`
}

type runtimeReq struct {
	Language        string            `json:"language"`
	LanguageVersion string            `json:"language_version"`
	MemoryMB        int               `json:"memory_mb"`
	CPUs            int               `json:"cpus"`
	StorageMB       int               `json:"storage_mb"`
	TimeoutS        int               `json:"timeout_s"`
	Ports           []int             `json:"ports"`
	Env             map[string]string `json:"env"`
}

// createVersionResponse bundles the version with its minted default token.
// The token value is returned exactly once, at creation.
type createVersionResponse struct {
	Version *model.ApplicationVersion `json:"version"`
	Token   *model.CapabilityToken    `json:"token"`
}

type listVersionsResponse struct {
	AppID    string                      `json:"app_id"`
	Versions []*model.ApplicationVersion `json:"versions"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")

	var req createVersionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Version == "" {
		s.writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	if req.Compatibility == "" {
		req.Compatibility = model.CompatMinor
	}

	var rc model.RuntimeConfig
	if req.Runtime != nil {
		rc = model.RuntimeConfig{
			Language:        req.Runtime.Language,
			LanguageVersion: req.Runtime.LanguageVersion,
			MemoryMB:        req.Runtime.MemoryMB,
			CPUs:            req.Runtime.CPUs,
			StorageMB:       req.Runtime.StorageMB,
			TimeoutS:        req.Runtime.TimeoutS,
			Ports:           req.Runtime.Ports,
			Env:             req.Runtime.Env,
		}
	}

	v, tok, err := s.registry.CreateVersion(r.Context(), app, req.Version, req.Compatibility, req.SourceRef, rc)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createVersionResponse{Version: v, Token: tok})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")

	versions := s.registry.ListVersions(app)
	if versions == nil {
		versions = []*model.ApplicationVersion{}
	}

	s.writeJSON(w, http.StatusOK, listVersionsResponse{AppID: app, Versions: versions})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	v, err := s.registry.GetVersion(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	v, err := s.registry.PublishVersion(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeprecateVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	v, err := s.registry.DeprecateVersion(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleArchiveVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	v, err := s.registry.ArchiveVersion(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, v)
}

// createTokenRequest is the JSON body for POST /v1/versions/{id}/tokens.
type createTokenRequest struct {
	Label       string   `json:"label"`
	Permissions []string `json:"permissions"`
	RateLimit   *struct {
		PerMinute int `json:"per_minute"`
		PerHour   int `json:"per_hour"`
		PerDay    int `json:"per_day"`
	} `json:"rate_limit"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req createTokenRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Permissions) == 0 {
		req.Permissions = model.FullPermissions
	}

	var limit model.RateLimit
	if req.RateLimit != nil {
		limit = model.RateLimit{
			PerMinute: req.RateLimit.PerMinute,
			PerHour:   req.RateLimit.PerHour,
			PerDay:    req.RateLimit.PerDay,
		}
	}

	tok, err := s.registry.CreateToken(r.Context(), id, req.Label, req.Permissions, limit, req.ExpiresAt)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "value")

	if err := s.registry.RevokeToken(r.Context(), value); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
