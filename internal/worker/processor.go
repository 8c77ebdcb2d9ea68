package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"content-platform/internal/config"
	"content-platform/internal/dispatch"
	"content-platform/internal/models"
	"content-platform/internal/store"
	"content-platform/internal/telemetry"
)

// JobStore is the job persistence the processor drives.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id, workerID string) (bool, error)
	Requeue(ctx context.Context, id string) error
	MarkSuccess(ctx context.Context, id string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkDeadLetter(ctx context.Context, id string, attempts int, lastError string) (bool, error)
	MarkCancelled(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	ReapTerminal(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) ([]string, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// UserLookup reads the actor of a job right before it starts.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*models.LocalUser, error)
}

// Queue is the broker side of job execution.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string, priority string, runAt time.Time) error
	DeadLetter(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	DLQRemove(ctx context.Context, ids ...string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Handler executes a job for a given type. Handlers must be idempotent
// for a given job id: delivery is at-least-once.
type Handler func(ctx context.Context, job models.Job) error

// ErrJobCancelled is the cause set on a handler context when an operator or
// owner asked for cancellation.
var ErrJobCancelled = errors.New("job cancellation requested")

var errLeaseExpired = errors.New("lease expired")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying. The job is
// dead-lettered on the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Options are the processor's tunables.
type Options struct {
	Concurrency         int
	PollInterval        time.Duration
	VisibilityTimeout   time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	ScheduledBatchSize  int
	JobRetention        time.Duration
	DeadLetterRetention time.Duration
	ReapInterval        time.Duration
	// CancelPollInterval is how often a running job's cancel flag is read.
	CancelPollInterval time.Duration
}

// OptionsFromConfig maps process configuration onto processor options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		VisibilityTimeout:   cfg.VisibilityTimeout,
		BackoffBase:         cfg.Broker.BackoffBase,
		BackoffMax:          cfg.Broker.BackoffMax,
		ScheduledBatchSize:  cfg.ScheduledBatchSize,
		JobRetention:        cfg.JobRetention,
		DeadLetterRetention: cfg.DeadLetterRetention,
		ReapInterval:        cfg.ReapInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.ScheduledBatchSize <= 0 {
		o.ScheduledBatchSize = 100
	}
	if o.CancelPollInterval <= 0 {
		o.CancelPollInterval = o.PollInterval
	}
	return o
}

// Processor drives the worker execution loop.
type Processor struct {
	opts     Options
	queue    Queue
	store    JobStore
	users    UserLookup
	registry *dispatch.Registry
	handlers map[string]Handler
	workerID string
	logger   *zap.Logger
}

// NewProcessor creates a processor with a specific worker ID for tracking.
func NewProcessor(opts Options, q Queue, st JobStore, users UserLookup, registry *dispatch.Registry, workerID string, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		opts:     opts.withDefaults(),
		queue:    q,
		store:    st,
		users:    users,
		registry: registry,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logger.With(zap.String("worker_id", workerID)),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the maintenance loop, the retention reaper and Concurrency
// execution loops, and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.maintain(ctx) })
	if p.opts.ReapInterval > 0 {
		g.Go(func() error { return p.reapLoop(ctx) })
	}
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error { return p.loop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := p.ProcessNext(ctx)
		if err != nil {
			p.logger.Warn("process job", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx, time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain promotes due retries and reclaims expired leases.
func (p *Processor) Maintain(ctx context.Context, now time.Time) {
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.opts.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled", zap.Error(err))
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.opts.ScheduledBatchSize))
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("reclaim expired leases", zap.Error(err))
	}
	for _, id := range reclaimed {
		if err := p.reclaim(ctx, id); err != nil && ctx.Err() == nil {
			p.logger.Warn("settle reclaimed job", zap.String("job_id", id), zap.Error(err))
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Reap(ctx, time.Now()); err != nil {
				p.logger.Warn("reap terminal jobs", zap.Error(err))
			}
		}
	}
}

// Reap deletes terminal jobs older than their retention window and returns
// how many were removed.
func (p *Processor) Reap(ctx context.Context, now time.Time) (int, error) {
	total := 0
	if p.opts.JobRetention > 0 {
		ids, err := p.store.ReapTerminal(ctx,
			[]models.JobStatus{models.StatusSucceeded, models.StatusCancelled, models.StatusFailed},
			now.Add(-p.opts.JobRetention))
		if err != nil {
			return total, err
		}
		total += len(ids)
	}
	if p.opts.DeadLetterRetention > 0 {
		ids, err := p.store.ReapTerminal(ctx, []models.JobStatus{models.StatusDeadLetter}, now.Add(-p.opts.DeadLetterRetention))
		if err != nil {
			return total, err
		}
		if err := p.queue.DLQRemove(ctx, ids...); err != nil {
			p.logger.Warn("trim dead-letter list", zap.Error(err))
		}
		total += len(ids)
	}
	if total > 0 {
		telemetry.JobsReaped.Add(float64(total))
		p.logger.Info("reaped terminal jobs", zap.Int("count", total))
	}
	return total, nil
}

// ProcessNext leases and executes at most one job. It reports whether a job
// was leased.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	return true, p.process(ctx, jobID)
}

func (p *Processor) process(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return p.queue.Ack(ctx, jobID)
	}
	if err != nil {
		// leave the lease to expire so the job is retried elsewhere
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Int("attempt", job.Attempts+1))

	switch {
	case job.Status.Terminal():
		return p.queue.Ack(ctx, job.ID)
	case job.Status == models.StatusRunning:
		// another worker still holds it; look again after one lease period
		return p.queue.Retry(ctx, job.ID, job.Priority, time.Now().Add(p.opts.VisibilityTimeout))
	}

	actor, err := p.users.GetUser(ctx, job.ActorUserID)
	if err != nil {
		return fmt.Errorf("load actor of %s: %w", job.ID, err)
	}
	if actor == nil || actor.Banned {
		log.Info("actor banned before start; cancelling job", zap.Int64("actor_user_id", job.ActorUserID))
		return p.finishCancelled(ctx, job, "actor banned before start")
	}

	started, err := p.store.MarkRunning(ctx, job.ID, p.workerID)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", job.ID, err)
	}
	if !started {
		return p.finishCancelled(ctx, job, "cancelled before start")
	}
	p.audit(ctx, job.ID, "running", "worker="+p.workerID)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	cause, runErr := p.execute(ctx, job)
	elapsed := time.Since(start)

	// outcome writes must land even when shutdown cancelled ctx
	wctx := context.WithoutCancel(ctx)

	switch {
	case runErr == nil:
		telemetry.JobDuration.WithLabelValues(job.Type, "succeeded").Observe(elapsed.Seconds())
		if err := p.store.MarkSuccess(wctx, job.ID); err != nil {
			return fmt.Errorf("mark success %s: %w", job.ID, err)
		}
		p.audit(wctx, job.ID, "succeeded", "worker completed job")
		telemetry.JobsSucceeded.WithLabelValues(job.Type).Inc()
		log.Info("job succeeded", zap.Duration("elapsed", elapsed))
		return p.queue.Ack(wctx, job.ID)

	case errors.Is(cause, ErrJobCancelled):
		telemetry.JobDuration.WithLabelValues(job.Type, "cancelled").Observe(elapsed.Seconds())
		log.Info("job cancelled while running")
		return p.finishCancelled(wctx, job, "cancelled while running")

	case ctx.Err() != nil:
		// shutdown interrupted the attempt; hand it back without counting it
		log.Info("job interrupted by shutdown; releasing")
		if err := p.store.Requeue(wctx, job.ID); err != nil {
			return err
		}
		return p.queue.Retry(wctx, job.ID, job.Priority, time.Now())
	}

	telemetry.JobDuration.WithLabelValues(job.Type, "failed").Observe(elapsed.Seconds())
	if errors.Is(cause, context.DeadlineExceeded) {
		runErr = fmt.Errorf("timed out after %s: %w", p.timeoutFor(job.Type), runErr)
	}
	return p.fail(wctx, log, job, runErr)
}

// execute runs the handler under the type's deadline and a cooperative
// cancellation watcher. It returns the context cause and the handler error.
func (p *Processor) execute(ctx context.Context, job models.Job) (cause error, err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler registered for type %q", job.Type))
	}

	timeout := p.timeoutFor(job.Type)
	// the lease outlives the deadline so no other worker sees the job mid-attempt
	if err := p.queue.ExtendLease(ctx, job.ID, timeout+p.opts.VisibilityTimeout); err != nil {
		p.logger.Warn("extend lease", zap.String("job_id", job.ID), zap.Error(err))
	}

	cancelCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, stop := context.WithTimeout(cancelCtx, timeout)
	defer stop()

	done := make(chan struct{})
	go p.watchCancel(runCtx, job.ID, cancel, done)

	err = safeCall(runCtx, handler, job)
	close(done)

	cause = context.Cause(runCtx)
	if errors.Is(context.Cause(cancelCtx), ErrJobCancelled) {
		cause = ErrJobCancelled
	}
	return cause, err
}

func (p *Processor) watchCancel(ctx context.Context, jobID string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(p.opts.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := p.store.CancelRequested(ctx, jobID)
			if err != nil {
				continue
			}
			if requested {
				cancel(ErrJobCancelled)
				return
			}
		}
	}
}

func safeCall(ctx context.Context, h Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Processor) timeoutFor(jobType string) time.Duration {
	if p.registry != nil {
		if jt, ok := p.registry.Lookup(jobType); ok && jt.Timeout > 0 {
			return jt.Timeout
		}
	}
	return p.opts.VisibilityTimeout
}

// fail records a failed attempt. Below the attempt limit the job is parked
// for a backoff; at the limit it is dead-lettered exactly once.
// reclaim settles a job whose lease lapsed without an outcome. The worker
// that held it is presumed dead, so the lapse counts as a failed attempt and
// a job that keeps killing its worker still reaches the dead-letter list.
func (p *Processor) reclaim(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return p.queue.Cancel(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	switch {
	case job.Status.Terminal():
		return p.queue.Cancel(ctx, jobID)
	case job.Status != models.StatusRunning:
		// leased but never started; the ready list already holds it
		return nil
	}

	// pull it back off the ready list so fail decides where it goes next
	if err := p.queue.Cancel(ctx, jobID); err != nil {
		return err
	}
	p.audit(ctx, jobID, "lease_expired", "reclaimed by "+p.workerID)
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Int("attempt", job.Attempts+1))
	return p.fail(ctx, log, job, errLeaseExpired)
}

func (p *Processor) fail(ctx context.Context, log *zap.Logger, job models.Job, runErr error) error {
	attempts := job.Attempts + 1
	msg := runErr.Error()

	if attempts >= job.MaxAttempts || IsPermanent(runErr) {
		moved, err := p.store.MarkDeadLetter(ctx, job.ID, attempts, msg)
		if err != nil {
			return fmt.Errorf("mark dead letter %s: %w", job.ID, err)
		}
		if !moved {
			return p.queue.Ack(ctx, job.ID)
		}
		if err := p.queue.DeadLetter(ctx, job.ID); err != nil {
			return err
		}
		p.audit(ctx, job.ID, "dead_letter", msg)
		telemetry.JobsDeadLettered.WithLabelValues(job.Type).Inc()
		log.Error("job dead-lettered", zap.Int("attempts", attempts), zap.Error(runErr))
		return nil
	}

	backoff := backoffWithJitter(p.opts.BackoffBase, p.opts.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	if err := p.store.UpdateAttempts(ctx, job.ID, attempts, nextRun, msg); err != nil {
		return fmt.Errorf("record attempt %s: %w", job.ID, err)
	}
	if err := p.queue.Retry(ctx, job.ID, job.Priority, nextRun); err != nil {
		return err
	}
	p.audit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.JobAttemptsFailed.WithLabelValues(job.Type).Inc()
	log.Warn("job attempt failed", zap.Duration("backoff", backoff), zap.Error(runErr))
	return nil
}

func (p *Processor) finishCancelled(ctx context.Context, job models.Job, reason string) error {
	if err := p.store.MarkCancelled(ctx, job.ID); err != nil {
		return fmt.Errorf("mark cancelled %s: %w", job.ID, err)
	}
	p.audit(ctx, job.ID, "cancelled", reason)
	telemetry.JobsCancelled.WithLabelValues(job.Type).Inc()
	return p.queue.Ack(ctx, job.ID)
}

func (p *Processor) audit(ctx context.Context, jobID, event, detail string) {
	if err := p.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		p.logger.Warn("append audit", zap.String("job_id", jobID), zap.String("event", event), zap.Error(err))
	}
}

// backoffWithJitter grows base exponentially per attempt up to max and adds
// up to 25% jitter. Below the cap each attempt's minimum exceeds the
// previous attempt's maximum, so waits strictly increase.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if exp > float64(max) {
		wait = max
	}
	quarter := int64(wait / 4)
	if quarter <= 0 {
		return wait
	}
	return wait + time.Duration(rand.Int63n(quarter))
}
