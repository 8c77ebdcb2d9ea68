// Package dispatch turns validated domain actions into queued jobs owned by an
// authorized actor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"content-platform/internal/apperr"
	"content-platform/internal/models"
	"content-platform/internal/store"
	"content-platform/internal/telemetry"
)

// JobStore is the persistence the dispatcher writes through.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkFailed(ctx context.Context, id string, lastError string) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	RequestCancel(ctx context.Context, id string) (models.JobStatus, error)
	CancelQueuedForActor(ctx context.Context, actorUserID int64) ([]string, error)
	ListDeadLettered(ctx context.Context, limit int) ([]models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Broker is the queue the dispatcher hands job ids to.
type Broker interface {
	Enqueue(ctx context.Context, jobID string, priority string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// ActorAuthorizer re-reads the actor right before a job is created.
type ActorAuthorizer interface {
	Actor(ctx context.Context, localUserID int64) (models.LocalUser, error)
}

// Options are the dispatcher's tunables.
type Options struct {
	// DepthThreshold is the ready depth at which sheddable types are refused. 0 disables.
	DepthThreshold     int64
	DefaultMaxAttempts int
	IdempotencyTTL     time.Duration
}

// Request is one job submission.
type Request struct {
	ActorUserID    int64
	Type           string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
}

// Result is the job created or reused for a Request.
type Result struct {
	Job    models.Job
	Reused bool
}

// Dispatcher validates, authorizes and enqueues jobs.
type Dispatcher struct {
	registry *Registry
	authz    ActorAuthorizer
	jobs     JobStore
	broker   Broker
	logger   *zap.Logger
	opts     Options
}

func NewDispatcher(registry *Registry, authz ActorAuthorizer, jobs JobStore, broker Broker, logger *zap.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 5
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Dispatcher{registry: registry, authz: authz, jobs: jobs, broker: broker, logger: logger, opts: opts}
}

// Dispatch creates the job row and hands it to the broker. Nothing is written
// anywhere for an unsupported type or an invalid payload. A broker failure
// marks the row failed and is returned as QueueUnavailable; the work is never
// silently dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	jt, ok := d.registry.Lookup(req.Type)
	if !ok {
		return Result{}, apperr.Validation("UNSUPPORTED_JOB_TYPE", fmt.Sprintf("job type %q is not supported", req.Type))
	}
	payload, err := NormalizePayload(req.Payload)
	if err != nil {
		return Result{}, apperr.Validation("INVALID_PAYLOAD", err.Error())
	}
	if err := jt.Validate(payload); err != nil {
		return Result{}, apperr.Validation("INVALID_PAYLOAD", err.Error())
	}

	actor, err := d.authz.Actor(ctx, req.ActorUserID)
	if err != nil {
		return Result{}, err
	}

	if jt.Sheddable() && d.opts.DepthThreshold > 0 {
		depth, err := d.broker.ReadyDepth(ctx)
		if err != nil {
			telemetry.EnqueueFailures.WithLabelValues(jt.Name).Inc()
			return Result{}, apperr.QueueUnavailable("BROKER_UNAVAILABLE", "job queue unreachable", err)
		}
		if depth >= d.opts.DepthThreshold {
			telemetry.BackpressureRejects.WithLabelValues(jt.Name).Inc()
			d.logger.Warn("submission shed under backpressure",
				zap.String("type", jt.Name), zap.Int64("depth", depth), zap.Int64("threshold", d.opts.DepthThreshold))
			return Result{}, apperr.QueueUnavailable("BACKPRESSURE",
				fmt.Sprintf("queue depth %d is at or above %d; retry later", depth, d.opts.DepthThreshold), nil)
		}
	}

	maxAttempts := jt.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.opts.DefaultMaxAttempts
	}
	key := scopedKey(actor.ID, req.IdempotencyKey)
	job, reused, err := d.jobs.CreateJob(ctx, store.CreateJobParams{
		Type:           jt.Name,
		PayloadVersion: jt.Version,
		Priority:       jt.Priority,
		ActorUserID:    actor.ID,
		Payload:        payload,
		IdempotencyKey: key,
		RunAt:          req.RunAt,
		MaxAttempts:    maxAttempts,
		IdempotencyTTL: d.opts.IdempotencyTTL,
	})
	if err != nil {
		return Result{}, apperr.Internal("persist job", err)
	}
	if reused {
		if job.Type != jt.Name {
			return Result{}, apperr.Conflict("IDEMPOTENCY_KEY_REUSED", "idempotency key already used for a different job type")
		}
		telemetry.JobsDeduplicated.WithLabelValues(jt.Name).Inc()
		return Result{Job: job, Reused: true}, nil
	}

	if err := d.broker.Enqueue(ctx, job.ID, job.Priority, job.NextRunAt); err != nil {
		telemetry.EnqueueFailures.WithLabelValues(jt.Name).Inc()
		d.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.String("type", jt.Name), zap.Error(err))
		cleanup := context.WithoutCancel(ctx)
		if markErr := d.jobs.MarkFailed(cleanup, job.ID, "enqueue: "+err.Error()); markErr != nil {
			d.logger.Error("mark unenqueued job failed", zap.String("job_id", job.ID), zap.Error(markErr))
		}
		if relErr := d.jobs.ReleaseIdempotencyKey(cleanup, key); relErr != nil {
			d.logger.Error("release idempotency key", zap.String("job_id", job.ID), zap.Error(relErr))
		}
		return Result{}, apperr.QueueUnavailable("BROKER_UNAVAILABLE", "job could not be queued", err)
	}

	d.audit(ctx, job.ID, "enqueued", fmt.Sprintf("type=%s actor=%d priority=%s", jt.Name, actor.ID, job.Priority))
	telemetry.JobsEnqueued.WithLabelValues(jt.Name).Inc()
	d.logger.Info("job enqueued", zap.String("job_id", job.ID), zap.String("type", jt.Name), zap.Int64("actor_user_id", actor.ID))
	return Result{Job: job}, nil
}

// Get returns a job visible to the caller: its owner or an admin.
func (d *Dispatcher) Get(ctx context.Context, caller models.LocalUser, jobID string) (models.Job, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return models.Job{}, apperr.NotFound("JOB_NOT_FOUND", fmt.Sprintf("job %s not found", jobID))
		}
		return models.Job{}, apperr.Internal("load job", err)
	}
	if job.ActorUserID != caller.ID && !caller.IsAdmin() {
		// indistinguishable from a missing job
		return models.Job{}, apperr.NotFound("JOB_NOT_FOUND", fmt.Sprintf("job %s not found", jobID))
	}
	return job, nil
}

// Cancel withdraws a queued job or flags a running one for cooperative
// cancellation. Terminal jobs are returned unchanged.
func (d *Dispatcher) Cancel(ctx context.Context, caller models.LocalUser, jobID string) (models.Job, error) {
	job, err := d.Get(ctx, caller, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	status, err := d.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return models.Job{}, apperr.Internal("request cancel", err)
	}
	if status == models.StatusCancelled {
		if err := d.broker.Cancel(ctx, jobID); err != nil {
			// the row is authoritative; workers skip cancelled rows they dequeue
			d.logger.Warn("remove cancelled job from broker", zap.String("job_id", jobID), zap.Error(err))
		}
		telemetry.JobsCancelled.WithLabelValues(job.Type).Inc()
	}
	d.audit(ctx, jobID, "cancel_requested", fmt.Sprintf("by=%d status=%s", caller.ID, status))
	return d.jobs.GetJob(ctx, jobID)
}

// DeadLetters lists dead-lettered jobs for operators.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	jobs, err := d.jobs.ListDeadLettered(ctx, limit)
	if err != nil {
		return nil, apperr.Internal("list dead letters", err)
	}
	return jobs, nil
}

func (d *Dispatcher) audit(ctx context.Context, jobID, event, detail string) {
	if err := d.jobs.AppendAudit(ctx, jobID, event, detail); err != nil {
		d.logger.Warn("append audit", zap.String("job_id", jobID), zap.String("event", event), zap.Error(err))
	}
}

// scopedKey namespaces client idempotency keys per actor so two users cannot
// collide on the same key.
func scopedKey(actorID int64, key string) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s", actorID, key)
}

// Withdrawer cancels an actor's queued jobs in the store and the broker. It
// backs the ban flow.
type Withdrawer struct {
	jobs   JobStore
	broker Broker
	logger *zap.Logger
}

func NewWithdrawer(jobs JobStore, broker Broker, logger *zap.Logger) *Withdrawer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Withdrawer{jobs: jobs, broker: broker, logger: logger}
}

// CancelQueuedForActor returns how many jobs were withdrawn. Running jobs are
// left alone.
func (w *Withdrawer) CancelQueuedForActor(ctx context.Context, actorUserID int64) (int, error) {
	ids, err := w.jobs.CancelQueuedForActor(ctx, actorUserID)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if err := w.broker.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
		if err := w.jobs.AppendAudit(ctx, id, "cancelled", fmt.Sprintf("actor %d banned", actorUserID)); err != nil {
			w.logger.Warn("append audit", zap.String("job_id", id), zap.Error(err))
		}
	}
	return len(ids), errors.Join(errs...)
}
