package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"content-platform/internal/models"
)

// ErrUserNotFound is returned by mutations addressed to an unknown local user id.
var ErrUserNotFound = errors.New("user not found")

const userColumns = `id, provider_subject_id, name, source, role, banned, created_at, updated_at`

// CreateUserParams collects inputs required to insert a local user.
type CreateUserParams struct {
	ProviderSubjectID string
	Name              string
	Source            string
	Role              models.Role
}

// CreateUser inserts a local user keyed by the provider subject id. The unique
// constraint on provider_subject_id serializes concurrent creators; when the
// subject already exists the stored row is returned with created=false instead.
func (s *Store) CreateUser(ctx context.Context, p CreateUserParams) (models.LocalUser, bool, error) {
	if p.Role == "" {
		p.Role = models.RoleReader
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (provider_subject_id, name, source, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_subject_id) DO NOTHING
		RETURNING `+userColumns,
		p.ProviderSubjectID, p.Name, p.Source, string(p.Role))

	u, err := scanUser(row)
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.LocalUser{}, false, fmt.Errorf("insert user: %w", err)
	}

	existing, err := s.FindBySubjectID(ctx, p.ProviderSubjectID)
	if err != nil {
		return models.LocalUser{}, false, err
	}
	if existing == nil {
		return models.LocalUser{}, false, errors.New("user conflict but no existing row found")
	}
	return *existing, false, nil
}

// FindBySubjectID returns the user for a provider subject id, or nil when absent.
func (s *Store) FindBySubjectID(ctx context.Context, subjectID string) (*models.LocalUser, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE provider_subject_id = $1`, subjectID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by subject: %w", err)
	}
	return &u, nil
}

// GetUser returns the user for a local id, or nil when absent.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.LocalUser, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// SetRole changes a user's role in a single atomic update.
func (s *Store) SetRole(ctx context.Context, id int64, role models.Role) (models.LocalUser, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1
		RETURNING `+userColumns, id, string(role))
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LocalUser{}, ErrUserNotFound
	}
	if err != nil {
		return models.LocalUser{}, fmt.Errorf("set role: %w", err)
	}
	return u, nil
}

// SetBanned flips the ban flag in a single atomic update.
func (s *Store) SetBanned(ctx context.Context, id int64, banned bool) (models.LocalUser, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET banned = $2, updated_at = NOW() WHERE id = $1
		RETURNING `+userColumns, id, banned)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LocalUser{}, ErrUserNotFound
	}
	if err != nil {
		return models.LocalUser{}, fmt.Errorf("set banned: %w", err)
	}
	return u, nil
}

// ExistsAdmin reports whether any user holds the admin role. Served by the
// partial index users_admin_idx.
func (s *Store) ExistsAdmin(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE role = 'admin')`).Scan(&exists); err != nil {
		return false, fmt.Errorf("check admin exists: %w", err)
	}
	return exists, nil
}

// ClaimAdminBootstrap promotes the given user to admin if the one-time bootstrap
// slot is still free and no admin exists. The single-row admin_bootstrap table
// makes the claim single-use across every instance, forever.
func (s *Store) ClaimAdminBootstrap(ctx context.Context, id int64) (models.LocalUser, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.LocalUser{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO admin_bootstrap (id, user_id)
		SELECT 1, $1
		WHERE NOT EXISTS (SELECT 1 FROM users WHERE role = 'admin')
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return models.LocalUser{}, false, fmt.Errorf("claim bootstrap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.LocalUser{}, false, nil
	}

	row := tx.QueryRow(ctx, `
		UPDATE users SET role = 'admin', updated_at = NOW()
		WHERE id = $1 AND NOT banned
		RETURNING `+userColumns, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LocalUser{}, false, ErrUserNotFound
	}
	if err != nil {
		return models.LocalUser{}, false, fmt.Errorf("promote bootstrap admin: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.LocalUser{}, false, fmt.Errorf("commit: %w", err)
	}
	return u, true, nil
}

func scanUser(row pgx.Row) (models.LocalUser, error) {
	var u models.LocalUser
	var role string
	if err := row.Scan(&u.ID, &u.ProviderSubjectID, &u.Name, &u.Source, &role, &u.Banned, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return models.LocalUser{}, err
	}
	u.Role = models.Role(role)
	return u, nil
}
