package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"

	"content-platform/internal/apperr"
	"content-platform/internal/dispatch"
	"content-platform/internal/models"
)

type submitRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	RunAt          *time.Time     `json:"run_at"`
	DelaySeconds   int            `json:"delay_seconds"`
}

func (r submitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Type, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.IdempotencyKey, validation.Length(0, 200)),
		validation.Field(&r.DelaySeconds, validation.Min(0), validation.Max(7*24*3600)),
	)
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, apperr.Validation("INVALID_JOB_REQUEST", err.Error()))
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	var runAt time.Time
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	caller, _ := userFrom(r.Context())
	res, err := s.jobs.Dispatch(r.Context(), dispatch.Request{
		ActorUserID:    caller.ID,
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{Job: res.Job, Idempotent: res.Reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	caller, _ := userFrom(r.Context())
	job, err := s.jobs.Get(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	caller, _ := userFrom(r.Context())
	job, err := s.jobs.Cancel(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ lists dead-lettered jobs with their last error.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, apperr.Validation("INVALID_LIMIT", "limit must be a positive integer"))
			return
		}
		limit = n
	}
	jobs, err := s.jobs.DeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}
