package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"content-platform/internal/models"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, type, payload_version, priority, actor_user_id, payload, status, attempts, max_attempts,
	next_run_at, last_error, idempotency_key, cancel_requested, worker_id, created_at, updated_at`

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams describes a job row to insert.
type CreateJobParams struct {
	Type           string
	PayloadVersion int
	Priority       string
	ActorUserID    int64
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

func (p CreateJobParams) withDefaults() CreateJobParams {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.PayloadVersion == 0 {
		p.PayloadVersion = 1
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	return p
}

// errKeyHeld aborts the insert transaction when a live job owns the key.
var errKeyHeld = errors.New("idempotency key held")

// CreateJob inserts a queued job. With an idempotency key, the job already
// bound to the unexpired key is returned instead and the boolean is true. An
// expired key is rebound to the new job.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	p = p.withDefaults()
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil || found {
			return existing, found, err
		}
	}

	var job models.Job
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO jobs (id, type, payload_version, priority, actor_user_id, payload, status, max_attempts,
				next_run_at, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+jobColumns,
			uuid.NewString(), p.Type, p.PayloadVersion, p.Priority, p.ActorUserID, payload,
			string(models.StatusQueued), p.MaxAttempts, p.RunAt, emptyToNil(p.IdempotencyKey))
		if job, err = scanJob(row); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if p.IdempotencyKey == "" {
			return nil
		}

		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			t := time.Now().Add(p.IdempotencyTTL)
			expires = &t
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, job.ID, expires)
		if err != nil {
			return fmt.Errorf("claim idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errKeyHeld
		}
		return nil
	})
	if errors.Is(err, errKeyHeld) {
		// lost the race to a concurrent submission with the same key
		existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
		if err == nil && !found {
			err = errors.New("idempotency key claimed but its job is gone")
		}
		return existing, found, err
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ReleaseIdempotencyKey forgets a key so a retried submission creates a new
// job. Used when the job bound to it never reached the broker.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// MarkRunning moves a queued job to running unless cancellation was requested.
// It reports whether the transition happened.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, worker_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND NOT cancel_requested
	`, id, string(models.StatusRunning), emptyToNil(workerID), string(models.StatusQueued))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Requeue returns a job whose lease expired to queued without counting an attempt.
func (s *Store) Requeue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, string(models.StatusQueued), string(models.StatusRunning))
	return err
}

// MarkSuccess transitions a job to succeeded.
func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, string(models.StatusSucceeded))
	return err
}

// MarkFailed flags a job that could not be handed to the broker.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, string(models.StatusFailed), lastError)
	return err
}

// UpdateAttempts records a failed attempt and schedules the retry.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, string(models.StatusQueued), attempts, nextRun, lastErr)
	return err
}

// MarkDeadLetter flags a job as dead_lettered. The guard on status makes the
// transition happen at most once; the boolean reports whether this call did it.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status <> $2
	`, id, string(models.StatusDeadLetter), attempts, lastError)
	if err != nil {
		return false, fmt.Errorf("mark dead letter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequestCancel flags a job for cancellation. Queued jobs become cancelled
// immediately; running jobs keep running with cancel_requested set so the
// handler can stop cooperatively. The resulting status is returned.
func (s *Store) RequestCancel(ctx context.Context, id string) (models.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE,
			status = CASE WHEN status = $2 THEN $3 ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $4)
		RETURNING status
	`, id, string(models.StatusQueued), string(models.StatusCancelled), string(models.StatusRunning)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		job, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return "", getErr
		}
		return job.Status, nil
	}
	if err != nil {
		return "", fmt.Errorf("request cancel: %w", err)
	}
	return models.JobStatus(status), nil
}

// MarkCancelled sets status cancelled. Used once a running handler has stopped.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, cancel_requested = TRUE, updated_at = NOW() WHERE id = $1
	`, id, string(models.StatusCancelled))
	return err
}

// CancelRequested reports the job's cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	if err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flag); err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag, nil
}

// CancelQueuedForActor cancels every not-yet-started job of an actor and
// returns their ids. Running jobs are left alone.
func (s *Store) CancelQueuedForActor(ctx context.Context, actorUserID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $2, cancel_requested = TRUE, updated_at = NOW()
		WHERE actor_user_id = $1 AND status = $3
		RETURNING id
	`, actorUserID, string(models.StatusCancelled), string(models.StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("cancel queued jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect cancelled ids: %w", err)
	}
	return ids, nil
}

// ListDeadLettered returns the most recent dead-lettered jobs for operator inspection.
func (s *Store) ListDeadLettered(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, string(models.StatusDeadLetter), limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ReapTerminal deletes jobs in the given statuses last updated before cutoff
// and returns their ids. Idempotency keys and audit rows cascade.
func (s *Store) ReapTerminal(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) ([]string, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `DELETE FROM jobs WHERE status = ANY($1) AND updated_at < $2 RETURNING id`, names, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reap jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect reaped ids: %w", err)
	}
	return ids, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// UpsertContentDocument stores an ingested document keyed by content id so
// redelivered jobs overwrite instead of duplicating.
func (s *Store) UpsertContentDocument(ctx context.Context, doc models.ContentDocument) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_documents (content_id, source_url, title, body, ingested_by, last_job_id, content_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (content_id) DO UPDATE
		SET source_url = EXCLUDED.source_url, title = EXCLUDED.title, body = EXCLUDED.body,
			ingested_by = EXCLUDED.ingested_by, last_job_id = EXCLUDED.last_job_id,
			content_hash = EXCLUDED.content_hash, updated_at = NOW()
	`, doc.ContentID, doc.SourceURL, doc.Title, doc.Body, doc.IngestedBy, doc.LastJobID, doc.ContentHash)
	if err != nil {
		return fmt.Errorf("upsert content document: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var status string
	var lastErr, idem, worker pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &job.PayloadVersion, &job.Priority, &job.ActorUserID, &payloadJSON,
		&status, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &lastErr, &idem, &job.CancelRequested, &worker,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	job.WorkerID = textPtr(worker)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
