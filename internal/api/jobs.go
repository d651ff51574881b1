package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/overseer/internal/model"
	"github.com/seantiz/overseer/internal/service"
	"github.com/seantiz/overseer/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	Ident            string              `json:"ident"`
	Command          []string            `json:"command"`
	Cwd              string              `json:"cwd"`
	Env              map[string]string   `json:"env"`
	Isolation        string              `json:"isolation"`
	ContainerImage   string              `json:"container_image"`
	ContainerRuntime string              `json:"container_runtime"`
	ContainerOptions []string            `json:"container_options"`
	VolumeMounts     []model.VolumeMount `json:"volume_mounts"`
	TimeoutS         int                 `json:"timeout_s"`
	RegistryAuth     map[string]any      `json:"registry_auth"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	spec := &model.ExecutionSpec{
		Ident:            req.Ident,
		Command:          req.Command,
		Cwd:              req.Cwd,
		Env:              req.Env,
		Isolation:        req.Isolation,
		ContainerImage:   req.ContainerImage,
		ContainerRuntime: req.ContainerRuntime,
		ContainerOptions: req.ContainerOptions,
		VolumeMounts:     req.VolumeMounts,
		RegistryAuth:     req.RegistryAuth,
	}
	if req.TimeoutS > 0 {
		spec.Timeout = time.Duration(req.TimeoutS) * time.Second
	}

	job, err := s.service.Submit(r.Context(), spec)
	if err != nil {
		var ise *model.InvalidSpecError
		if errors.As(err, &ise) {
			s.writeError(w, http.StatusBadRequest, ise.Reason)
			return
		}
		s.logger.Error("create job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "ident")

	job, err := s.service.Get(r.Context(), ident)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.service.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "ident")

	err := s.service.Cancel(r.Context(), ident)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if errors.Is(err, service.ErrNotRunning) {
		s.writeError(w, http.StatusConflict, "job is not running")
		return
	}
	if err != nil {
		s.logger.Error("cancel job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	job, err := s.service.Get(r.Context(), ident)
	if err != nil {
		s.logger.Error("get canceled job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, job)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
