// Package api is the HTTP surface: identity flows, user administration and
// the job API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"content-platform/internal/auth"
	"content-platform/internal/dispatch"
	"content-platform/internal/identity"
	"content-platform/internal/models"
	"content-platform/internal/ratelimit"
	"content-platform/internal/telemetry"
)

// AuthFlows is the orchestrator surface the handlers call.
type AuthFlows interface {
	SignUp(ctx context.Context, creds auth.Credentials) (auth.SignupResult, error)
	Login(ctx context.Context, creds auth.Credentials) (identity.SessionToken, error)
	CreateLocalUser(ctx context.Context, caller identity.ProviderIdentity, req auth.CreateUserRequest) (models.LocalUser, error)
}

// TokenVerifier checks bearer tokens with the identity provider.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (identity.ProviderIdentity, error)
}

// Authorizer answers role and ban questions against the local store.
type Authorizer interface {
	IsAdmin(ctx context.Context, subjectID string) (bool, error)
	CheckAdminBootstrap(ctx context.Context) (bool, error)
	Authenticate(ctx context.Context, subjectID string) (models.LocalUser, error)
	RequireAdmin(ctx context.Context, localUserID int64) (models.LocalUser, error)
	BanUser(ctx context.Context, localUserID int64) (models.LocalUser, error)
	UnbanUser(ctx context.Context, localUserID int64) (models.LocalUser, error)
	SetRole(ctx context.Context, localUserID int64, role string) (models.LocalUser, error)
	BootstrapAdmin(ctx context.Context, subjectID string) (models.LocalUser, error)
}

// Jobs is the dispatcher surface.
type Jobs interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Get(ctx context.Context, caller models.LocalUser, jobID string) (models.Job, error)
	Cancel(ctx context.Context, caller models.LocalUser, jobID string) (models.Job, error)
	DeadLetters(ctx context.Context, limit int) ([]models.Job, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Auth     AuthFlows
	Verifier TokenVerifier
	Authz    Authorizer
	Jobs     Jobs
	// Limiter is optional; nil disables admission control.
	Limiter ratelimit.Limiter
	// Health maps a dependency name to its check.
	Health map[string]Pinger
	// RetryAfter is advertised on 503 answers.
	RetryAfter time.Duration
	Logger     *zap.Logger
}

// Server wires HTTP handlers for the API process.
type Server struct {
	auth       AuthFlows
	verifier   TokenVerifier
	authz      Authorizer
	jobs       Jobs
	limiter    ratelimit.Limiter
	health     map[string]Pinger
	retryAfter time.Duration
	logger     *zap.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		auth:       d.Auth,
		verifier:   d.Verifier,
		authz:      d.Authz,
		jobs:       d.Jobs,
		limiter:    d.Limiter,
		health:     d.Health,
		retryAfter: d.RetryAfter,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	// anonymous routes draw from a per-address bucket
	r.Group(func(r chi.Router) {
		r.Use(s.limit(ratelimit.ClientIP))
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/users/admin", s.handleAdminExists)
		r.Get("/users/ifadmin/{user_id}", s.handleIfAdmin)
	})

	// a verified token, local user optional
	r.Group(func(r chi.Router) {
		r.Use(s.verified)
		r.Use(s.limit(ratelimit.ClientIP))
		r.Post("/users/create", s.handleCreateUser)
		r.Post("/users/bootstrap", s.handleBootstrap)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticated)
		r.Use(s.limit(userKeyOrIP))

		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/dlq", s.handleDLQ)
			r.Post("/users/ban/{id}", s.handleBan)
			r.Post("/users/unban/{id}", s.handleUnban)
			r.Post("/users/role/{id}", s.handleSetRole)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	status := http.StatusOK
	for name, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
