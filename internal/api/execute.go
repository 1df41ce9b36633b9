package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/executor"
	"github.com/seantiz/crucible/internal/model"
)

// executeRequest is the JSON body for POST /v1/apps/{app}/execute. The
// target version comes from the bearer token's scope, not the body.
type executeRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers"`
}

type executeResponse struct {
	StatusCode int               `json:"status_code"`
	Body       json.RawMessage   `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
	LatencyMS  float64           `json:"latency_ms"`
}

// handleExecute authenticates with the bearer token, enforces the token's
// rate budget, and routes the request to the least-loaded running instance
// of the token's version.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")

	value, ok := bearerToken(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	tok, err := s.registry.VerifyToken(r.Context(), value)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if tok.AppID != app {
		s.writeDomainError(w, fmt.Errorf("%w: token not scoped to application %q", model.ErrTokenInvalid, app))
		return
	}
	if !tok.HasPermission(model.PermExecute) {
		s.writeDomainError(w, fmt.Errorf("%w: token lacks execute permission", model.ErrTokenInvalid))
		return
	}

	allowed, err := s.registry.CheckRateLimit(tok.Value)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !allowed {
		s.writeDomainError(w, fmt.Errorf("%w: token budget exhausted", model.ErrRateLimited))
		return
	}

	var req executeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	if req.Path == "" {
		req.Path = "/"
	}

	if err := s.registry.TrackUsage(tok.Value); err != nil {
		s.logger.Error("track token usage", "error", err)
	}

	resp, err := s.manager.ExecuteOnGroup(r.Context(), tok.AppID, tok.Version, executor.Request{
		Method:  req.Method,
		Path:    req.Path,
		Body:    req.Body,
		Headers: req.Headers,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, executeResponse{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Headers:    resp.Headers,
		LatencyMS:  resp.LatencyMS,
	})
}

// bearerToken extracts the token value from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	value := strings.TrimSpace(auth[len(prefix):])
	return value, value != ""
}
