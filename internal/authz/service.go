// Package authz derives role and ban decisions from the local identity store.
// Every decision fails closed: unknown identities and store failures never
// grant privilege.
package authz

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"content-platform/internal/apperr"
	"content-platform/internal/models"
	"content-platform/internal/store"
)

// UserStore is the slice of the local identity store this service needs.
type UserStore interface {
	FindBySubjectID(ctx context.Context, subjectID string) (*models.LocalUser, error)
	GetUser(ctx context.Context, id int64) (*models.LocalUser, error)
	SetRole(ctx context.Context, id int64, role models.Role) (models.LocalUser, error)
	SetBanned(ctx context.Context, id int64, banned bool) (models.LocalUser, error)
	ExistsAdmin(ctx context.Context) (bool, error)
	ClaimAdminBootstrap(ctx context.Context, id int64) (models.LocalUser, bool, error)
}

// QueuedJobCanceller withdraws an actor's not-yet-started jobs.
type QueuedJobCanceller interface {
	CancelQueuedForActor(ctx context.Context, actorUserID int64) (int, error)
}

// Service answers authorization questions and applies administrative mutations.
type Service struct {
	users  UserStore
	jobs   QueuedJobCanceller
	logger *zap.Logger
}

// NewService constructs the service. jobs may be nil when no queue is wired.
func NewService(users UserStore, jobs QueuedJobCanceller, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{users: users, jobs: jobs, logger: logger}
}

// IsAdmin reports whether the subject maps to a non-banned admin. An unknown
// subject is false without error; a store failure is false with the error.
func (s *Service) IsAdmin(ctx context.Context, subjectID string) (bool, error) {
	if subjectID == "" {
		return false, nil
	}
	u, err := s.users.FindBySubjectID(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("is admin: %w", err)
	}
	if u == nil {
		return false, nil
	}
	return u.IsAdmin(), nil
}

// CheckAdminBootstrap reports whether at least one admin exists.
func (s *Service) CheckAdminBootstrap(ctx context.Context) (bool, error) {
	return s.users.ExistsAdmin(ctx)
}

// Authenticate maps a verified provider subject onto its local user. Missing
// and banned users are refused.
func (s *Service) Authenticate(ctx context.Context, subjectID string) (models.LocalUser, error) {
	u, err := s.users.FindBySubjectID(ctx, subjectID)
	if err != nil {
		return models.LocalUser{}, failClosed(err)
	}
	if u == nil {
		return models.LocalUser{}, apperr.Forbidden("NO_LOCAL_USER", "identity has no local user record")
	}
	if u.Banned {
		return models.LocalUser{}, apperr.Forbidden("USER_BANNED", "user is banned")
	}
	return *u, nil
}

// Actor re-reads the local user that is about to own a job. Cached roles from
// earlier requests are never trusted.
func (s *Service) Actor(ctx context.Context, localUserID int64) (models.LocalUser, error) {
	u, err := s.users.GetUser(ctx, localUserID)
	if err != nil {
		return models.LocalUser{}, failClosed(err)
	}
	if u == nil {
		return models.LocalUser{}, apperr.Validation("UNKNOWN_ACTOR", fmt.Sprintf("actor %d does not exist", localUserID))
	}
	if u.Banned {
		return models.LocalUser{}, apperr.Forbidden("ACTOR_BANNED", fmt.Sprintf("actor %d is banned", localUserID))
	}
	return *u, nil
}

// RequireAdmin refuses anyone but a non-banned admin.
func (s *Service) RequireAdmin(ctx context.Context, localUserID int64) (models.LocalUser, error) {
	u, err := s.Actor(ctx, localUserID)
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			return models.LocalUser{}, apperr.Forbidden("ADMIN_REQUIRED", "admin role required")
		}
		return models.LocalUser{}, err
	}
	if !u.IsAdmin() {
		return models.LocalUser{}, apperr.Forbidden("ADMIN_REQUIRED", "admin role required")
	}
	return u, nil
}

// BanUser sets banned=true and withdraws the user's queued jobs. Jobs already
// running are not touched. The ban stands even if withdrawing jobs fails; the
// error is still returned so the caller can retry, and workers re-check the
// ban before starting any job.
func (s *Service) BanUser(ctx context.Context, localUserID int64) (models.LocalUser, error) {
	u, err := s.users.SetBanned(ctx, localUserID, true)
	if err != nil {
		return models.LocalUser{}, mapStoreErr(err, localUserID)
	}
	s.logger.Info("user banned", zap.Int64("user_id", u.ID))

	if s.jobs == nil {
		return u, nil
	}
	n, err := s.jobs.CancelQueuedForActor(ctx, u.ID)
	if err != nil {
		s.logger.Error("withdraw queued jobs after ban", zap.Int64("user_id", u.ID), zap.Error(err))
		return u, fmt.Errorf("user banned but queued jobs not withdrawn: %w", err)
	}
	if n > 0 {
		s.logger.Info("queued jobs withdrawn after ban", zap.Int64("user_id", u.ID), zap.Int("jobs", n))
	}
	return u, nil
}

// UnbanUser clears the ban flag. Withdrawn jobs stay cancelled.
func (s *Service) UnbanUser(ctx context.Context, localUserID int64) (models.LocalUser, error) {
	u, err := s.users.SetBanned(ctx, localUserID, false)
	if err != nil {
		return models.LocalUser{}, mapStoreErr(err, localUserID)
	}
	s.logger.Info("user unbanned", zap.Int64("user_id", u.ID))
	return u, nil
}

// SetRole changes a user's role. Only known roles parse.
func (s *Service) SetRole(ctx context.Context, localUserID int64, role string) (models.LocalUser, error) {
	r, ok := models.ParseRole(role)
	if !ok {
		return models.LocalUser{}, apperr.Validation("INVALID_ROLE", fmt.Sprintf("unknown role %q", role))
	}
	u, err := s.users.SetRole(ctx, localUserID, r)
	if err != nil {
		return models.LocalUser{}, mapStoreErr(err, localUserID)
	}
	s.logger.Info("user role changed", zap.Int64("user_id", u.ID), zap.String("role", string(r)))
	return u, nil
}

// BootstrapAdmin promotes the caller to the first admin. It succeeds at most
// once per deployment and only while no admin exists.
func (s *Service) BootstrapAdmin(ctx context.Context, subjectID string) (models.LocalUser, error) {
	u, err := s.Authenticate(ctx, subjectID)
	if err != nil {
		return models.LocalUser{}, err
	}
	promoted, ok, err := s.users.ClaimAdminBootstrap(ctx, u.ID)
	if err != nil {
		return models.LocalUser{}, mapStoreErr(err, u.ID)
	}
	if !ok {
		return models.LocalUser{}, apperr.Forbidden("BOOTSTRAP_CLOSED", "admin bootstrap is no longer available")
	}
	s.logger.Warn("first admin bootstrapped", zap.Int64("user_id", promoted.ID))
	return promoted, nil
}

func mapStoreErr(err error, id int64) error {
	if errors.Is(err, store.ErrUserNotFound) {
		return apperr.NotFound("USER_NOT_FOUND", fmt.Sprintf("user %d not found", id))
	}
	return apperr.Internal("identity store failure", err)
}

func failClosed(err error) error {
	e := apperr.Forbidden("AUTHZ_UNAVAILABLE", "authorization state unavailable")
	e.Err = err
	e.Retryable = true
	return e
}
