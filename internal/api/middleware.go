package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"content-platform/internal/apperr"
	"content-platform/internal/identity"
	"content-platform/internal/models"
	"content-platform/internal/ratelimit"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	userKey
)

func identityFrom(ctx context.Context) (identity.ProviderIdentity, bool) {
	id, ok := ctx.Value(identityKey).(identity.ProviderIdentity)
	return id, ok
}

func userFrom(ctx context.Context) (models.LocalUser, bool) {
	u, ok := ctx.Value(userKey).(models.LocalUser)
	return u, ok
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// accessLog logs one line per request; 4xx at warn and 5xx at error.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		// handlers further down attach the caller here once authenticated
		var subject string
		r = r.WithContext(context.WithValue(r.Context(), subjectSlot{}, &subject))

		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		level := zapcore.InfoLevel
		switch {
		case rec.status >= 500:
			level = zapcore.ErrorLevel
		case rec.status >= 400:
			level = zapcore.WarnLevel
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		}
		if subject != "" {
			fields = append(fields, zap.String("subject", subject))
		}
		s.logger.Log(level, "http_request", fields...)
	})
}

type subjectSlot struct{}

func noteSubject(ctx context.Context, subject string) {
	if p, ok := ctx.Value(subjectSlot{}).(*string); ok {
		*p = subject
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "internal error", Kind: string(apperr.KindInternal)})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// verified requires a bearer token the identity provider accepts. The caller
// may not have a local user yet.
func (s *Server) verified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			s.writeError(w, r, apperr.Unauthorized("missing bearer token", nil))
			return
		}
		id, err := s.verifier.VerifyToken(r.Context(), raw)
		if err != nil {
			if !apperr.Is(err, apperr.KindUnauthorized) && !apperr.Is(err, apperr.KindProvider) {
				err = apperr.Unauthorized("token could not be verified", err)
			}
			s.writeError(w, r, err)
			return
		}
		noteSubject(r.Context(), id.SubjectID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// authenticated additionally maps the identity onto a non-banned local user.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return s.verified(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := identityFrom(r.Context())
		u, err := s.authz.Authenticate(r.Context(), id.SubjectID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	}))
}

// adminOnly re-reads the caller and refuses anyone but an admin.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, _ := userFrom(r.Context())
		if _, err := s.authz.RequireAdmin(r.Context(), u.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limit(key ratelimit.KeyFunc) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(s.limiter, key, s.rejectRateLimited, s.logger)
}

// userKeyOrIP draws authenticated callers from their own bucket.
func userKeyOrIP(r *http.Request) string {
	if u, ok := userFrom(r.Context()); ok {
		return "user:" + strconv.FormatInt(u.ID, 10)
	}
	return ratelimit.ClientIP(r)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
