// Package auth orchestrates signup and login across the identity provider and
// the local identity store.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"go.uber.org/zap"

	"content-platform/internal/apperr"
	"content-platform/internal/identity"
	"content-platform/internal/models"
	"content-platform/internal/store"
	"content-platform/internal/telemetry"
)

// Provider is the identity provider boundary.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (identity.ProviderIdentity, error)
	SignIn(ctx context.Context, email, password string) (identity.SessionToken, error)
	VerifyToken(ctx context.Context, token string) (identity.ProviderIdentity, error)
}

// UserStore is the slice of the local identity store signup needs.
type UserStore interface {
	CreateUser(ctx context.Context, p store.CreateUserParams) (models.LocalUser, bool, error)
	FindBySubjectID(ctx context.Context, subjectID string) (*models.LocalUser, error)
}

// SignupState tracks one signup attempt.
type SignupState string

const (
	StateStarted            SignupState = "started"
	StateProviderRegistered SignupState = "provider_registered"
	StateComplete           SignupState = "complete"
	StateFailed             SignupState = "failed"
)

// Credentials is the body of signup and login requests.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Email, validation.Required, is.Email),
		validation.Field(&c.Password, validation.Required, validation.Length(1, 72)),
	)
}

// CreateUserRequest is the body of POST /users/create.
type CreateUserRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	UserID string `json:"user_id"`
}

func (r CreateUserRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Name, validation.Length(0, 200)),
		validation.Field(&r.Source, validation.Length(0, 64)),
	)
}

// SignupResult reports how far a signup got. SubjectID is set from
// StateProviderRegistered on, so a failed local create can be reconciled.
type SignupResult struct {
	State     SignupState
	SubjectID string
	User      *models.LocalUser
}

// Options tunes local-create retries after the provider has registered the identity.
type Options struct {
	CreateAttempts int
	CreateBackoff  time.Duration
}

// Orchestrator runs the signup state machine and stateless login.
type Orchestrator struct {
	provider Provider
	users    UserStore
	logger   *zap.Logger
	opts     Options
}

// NewOrchestrator builds an orchestrator. Zero options mean three create
// attempts 200ms apart.
func NewOrchestrator(provider Provider, users UserStore, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.CreateAttempts <= 0 {
		opts.CreateAttempts = 3
	}
	if opts.CreateBackoff <= 0 {
		opts.CreateBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{provider: provider, users: users, logger: logger, opts: opts}
}

// SignUp registers the identity with the provider, then creates the local
// user keyed by the returned subject id. A provider failure leaves nothing
// behind locally. A local failure is retried with the known subject id; the
// provider is never called twice for the same attempt.
func (o *Orchestrator) SignUp(ctx context.Context, creds Credentials) (SignupResult, error) {
	res := SignupResult{State: StateStarted}
	creds.Email = strings.TrimSpace(creds.Email)
	if err := creds.Validate(); err != nil {
		res.State = StateFailed
		return res, apperr.Validation("INVALID_SIGNUP", err.Error())
	}

	id, err := o.provider.SignUp(ctx, creds.Email, creds.Password)
	if err != nil {
		res.State = StateFailed
		telemetry.ProviderErrors.WithLabelValues("signup").Inc()
		o.logger.Warn("provider signup failed", zap.Error(err))
		return res, err
	}
	res.State = StateProviderRegistered
	res.SubjectID = id.SubjectID

	u, err := o.createWithRetry(ctx, id, creds.Email)
	if err != nil {
		res.State = StateFailed
		o.logger.Error("local user create failed after provider signup",
			zap.String("subject_id", id.SubjectID), zap.Error(err))
		pending := apperr.Internal(fmt.Sprintf("identity %s registered but local user not created; retry via login or /users/create", id.SubjectID), err)
		pending.Code = "LOCAL_CREATE_PENDING"
		pending.Retryable = true
		return res, pending
	}

	res.State = StateComplete
	res.User = &u
	o.logger.Info("signup complete", zap.String("subject_id", id.SubjectID), zap.Int64("user_id", u.ID))
	return res, nil
}

func (o *Orchestrator) createWithRetry(ctx context.Context, id identity.ProviderIdentity, name string) (models.LocalUser, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.CreateAttempts; attempt++ {
		u, _, err := o.users.CreateUser(ctx, store.CreateUserParams{
			ProviderSubjectID: id.SubjectID,
			Name:              name,
			Source:            identity.NormalizeSource(id.Provider),
			Role:              models.RoleReader,
		})
		if err == nil {
			return u, nil
		}
		lastErr = err
		o.logger.Warn("local user create attempt failed",
			zap.String("subject_id", id.SubjectID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == o.opts.CreateAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return models.LocalUser{}, ctx.Err()
		case <-time.After(o.opts.CreateBackoff * time.Duration(attempt)):
		}
	}
	return models.LocalUser{}, lastErr
}

// Login verifies credentials with the provider and returns its session token
// unchanged. No session is stored. The local user is ensured as a side effect
// so signups that stopped after provider registration converge.
func (o *Orchestrator) Login(ctx context.Context, creds Credentials) (identity.SessionToken, error) {
	creds.Email = strings.TrimSpace(creds.Email)
	if err := validation.ValidateStruct(&creds,
		validation.Field(&creds.Email, validation.Required, is.Email),
		validation.Field(&creds.Password, validation.Required),
	); err != nil {
		return identity.SessionToken{}, apperr.Validation("INVALID_LOGIN", err.Error())
	}

	tok, err := o.provider.SignIn(ctx, creds.Email, creds.Password)
	if err != nil {
		telemetry.ProviderErrors.WithLabelValues("signin").Inc()
		return identity.SessionToken{}, err
	}

	id, err := o.provider.VerifyToken(ctx, tok.AccessToken)
	if err != nil {
		o.logger.Warn("skip login reconciliation: issued token did not verify", zap.Error(err))
		return tok, nil
	}
	if _, err := o.EnsureUser(ctx, id, creds.Email); err != nil {
		o.logger.Warn("login reconciliation failed", zap.String("subject_id", id.SubjectID), zap.Error(err))
	}
	return tok, nil
}

// EnsureUser returns the local user for a verified identity, creating it when
// missing. Safe to call repeatedly.
func (o *Orchestrator) EnsureUser(ctx context.Context, id identity.ProviderIdentity, name string) (models.LocalUser, error) {
	existing, err := o.users.FindBySubjectID(ctx, id.SubjectID)
	if err != nil {
		return models.LocalUser{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	u, created, err := o.users.CreateUser(ctx, store.CreateUserParams{
		ProviderSubjectID: id.SubjectID,
		Name:              name,
		Source:            identity.NormalizeSource(id.Provider),
		Role:              models.RoleReader,
	})
	if err != nil {
		return models.LocalUser{}, err
	}
	if created {
		telemetry.SignupsReconciled.Inc()
		o.logger.Info("local user reconciled", zap.String("subject_id", id.SubjectID), zap.Int64("user_id", u.ID))
	}
	return u, nil
}

// CreateLocalUser creates the local record for the caller's own verified
// identity. It never creates records for another subject.
func (o *Orchestrator) CreateLocalUser(ctx context.Context, caller identity.ProviderIdentity, req CreateUserRequest) (models.LocalUser, error) {
	if err := req.Validate(); err != nil {
		return models.LocalUser{}, apperr.Validation("INVALID_USER", err.Error())
	}
	if req.UserID != caller.SubjectID {
		return models.LocalUser{}, apperr.Forbidden("SUBJECT_MISMATCH", "user_id must match the authenticated identity")
	}

	source := req.Source
	if source == "" {
		source = caller.Provider
	}
	u, created, err := o.users.CreateUser(ctx, store.CreateUserParams{
		ProviderSubjectID: req.UserID,
		Name:              req.Name,
		Source:            identity.NormalizeSource(source),
		Role:              models.RoleReader,
	})
	if err != nil {
		return models.LocalUser{}, apperr.Internal("create local user", err)
	}
	if !created {
		return models.LocalUser{}, apperr.Conflict("USER_EXISTS", fmt.Sprintf("local user for %s already exists", req.UserID))
	}
	telemetry.SignupsReconciled.Inc()
	return u, nil
}
