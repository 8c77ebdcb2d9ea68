package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"content-platform/internal/apperr"
)

const maxBodyBytes = 1 << 20

// errorBody is the single error shape every endpoint answers with.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err onto its status and the uniform body. Details of
// unclassified failures are logged, never returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Internal("internal error", err)
	}
	status := apperr.HTTPStatus(e)
	body := errorBody{Code: e.Code, Message: e.Message, Kind: string(e.Kind), Retryable: e.Retryable}
	if e.Kind == apperr.KindInternal && e.Code == "INTERNAL_ERROR" {
		body.Message = "internal error"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.String("code", e.Code), zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds()))
	}
	writeJSON(w, status, body)
}

func (s *Server) retryAfterSeconds() int {
	if s.retryAfter <= 0 {
		return 5
	}
	return int(math.Ceil(s.retryAfter.Seconds()))
}

// rejectRateLimited answers requests refused by admission control.
func (s *Server) rejectRateLimited(w http.ResponseWriter, _ *http.Request, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Code:      "RATE_LIMITED",
		Message:   fmt.Sprintf("too many requests; retry in %ds", secs),
		Kind:      "rate_limited",
		Retryable: true,
	})
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("INVALID_JSON", "request body is not valid JSON")
	}
	return nil
}
