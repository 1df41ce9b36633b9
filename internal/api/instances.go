package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/crucible/internal/model"
)

// createInstanceRequest is the JSON body for POST /v1/apps/{app}/instances.
// An empty version targets the application's default version.
type createInstanceRequest struct {
	Version string `json:"version"`
}

type listInstancesResponse struct {
	AppID     string            `json:"app_id"`
	Instances []*model.Instance `json:"instances"`
}

// instanceResponse is an instance record with its recent sample history.
type instanceResponse struct {
	Instance *model.Instance      `json:"instance"`
	Samples  []model.MetricSample `json:"samples,omitempty"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")

	var req createInstanceRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	in, err := s.manager.CreateInstance(r.Context(), app, req.Version)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	in, err := s.manager.Snapshot(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, instanceResponse{
		Instance: in,
		Samples:  s.monitor.HistorySnapshot(id),
	})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")

	instances := s.manager.List(app)
	if instances == nil {
		instances = []*model.Instance{}
	}

	s.writeJSON(w, http.StatusOK, listInstancesResponse{AppID: app, Instances: instances})
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.manager.StopInstance(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	in, err := s.manager.Snapshot(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleSuspendInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.SuspendInstance(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	in, err := s.manager.Snapshot(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleResumeInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.ResumeInstance(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	in, err := s.manager.Snapshot(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, in)
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByApp    map[string]int `json:"by_app"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetInstanceStats(r.Context())
	if err != nil {
		s.logger.Error("get instance stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:    stats.Total,
		ByStatus: stats.CountByStatus,
		ByApp:    stats.CountByApp,
	})
}
