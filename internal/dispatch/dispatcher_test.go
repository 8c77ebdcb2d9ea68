package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-platform/internal/apperr"
	"content-platform/internal/authz"
	"content-platform/internal/config"
	"content-platform/internal/models"
	"content-platform/internal/queue"
	"content-platform/internal/store"
	"content-platform/internal/store/storetest"
)

type harness struct {
	mem   *storetest.Memory
	mr    *miniredis.Miniredis
	q     *queue.RedisQueue
	authz *authz.Service
	d     *Dispatcher
	actor models.LocalUser
	admin models.LocalUser
}

func newHarness(t *testing.T, threshold int64) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueue(client, config.Config{PriorityQueues: []string{"high", "default", "low"}, VisibilityTimeout: time.Minute})

	mem := storetest.NewMemory()
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	svc := authz.NewService(mem, NewWithdrawer(mem, q, nil), nil)
	h := &harness{mem: mem, mr: mr, q: q, authz: svc}
	h.d = NewDispatcher(reg, svc, mem, q, nil, Options{DepthThreshold: threshold, DefaultMaxAttempts: 5, IdempotencyTTL: time.Hour})

	ctx := context.Background()
	h.actor, _, err = mem.CreateUser(ctx, store.CreateUserParams{ProviderSubjectID: "sub1", Source: "email"})
	require.NoError(t, err)
	h.admin, _, err = mem.CreateUser(ctx, store.CreateUserParams{ProviderSubjectID: "root", Source: "email", Role: models.RoleAdmin})
	require.NoError(t, err)
	return h
}

func notification(actor int64) Request {
	return Request{
		ActorUserID: actor,
		Type:        TypeNotification,
		Payload:     map[string]any{"recipient_user_id": 7, "title": "hello", "channel": "email"},
	}
}

func thumbnail(actor int64) Request {
	return Request{
		ActorUserID: actor,
		Type:        TypeThumbnail,
		Payload:     map[string]any{"source_url": "https://cdn.example.com/a.png", "width": 64},
	}
}

func TestDispatchEnqueuesJob(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, notification(h.actor.ID))
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, models.StatusQueued, res.Job.Status)
	assert.Equal(t, "high", res.Job.Priority)
	assert.Equal(t, h.actor.ID, res.Job.ActorUserID)
	assert.Equal(t, 1, res.Job.PayloadVersion)

	id, err := h.q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Job.ID, id)
	assert.Equal(t, []string{"enqueued"}, h.mem.Events(res.Job.ID))
}

func TestDispatchUnsupportedTypeWritesNothing(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.d.Dispatch(context.Background(), Request{ActorUserID: h.actor.ID, Type: "lowPriorityTask"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, h.mr.Keys())
}

func TestDispatchInvalidPayloadWritesNothing(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.d.Dispatch(context.Background(), Request{
		ActorUserID: h.actor.ID,
		Type:        TypeContent,
		Payload:     map[string]any{"source_url": "file:///etc/passwd", "content_id": "c1"},
	})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Empty(t, h.mr.Keys())
}

func TestDispatchToleratesUnknownPayloadFields(t *testing.T) {
	h := newHarness(t, 0)
	req := notification(h.actor.ID)
	req.Payload["introduced_later"] = true

	_, err := h.d.Dispatch(context.Background(), req)
	assert.NoError(t, err)
}

func TestDispatchBannedActorIsForbidden(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	_, err := h.authz.BanUser(ctx, h.actor.ID)
	require.NoError(t, err)

	_, err = h.d.Dispatch(ctx, notification(h.actor.ID))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	assert.Empty(t, h.mr.Keys())
}

func TestDispatchUnknownActorIsValidation(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.d.Dispatch(context.Background(), notification(999))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestBackpressureShedsOnlySheddableTypes(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.d.Dispatch(ctx, thumbnail(h.actor.ID))
		require.NoError(t, err)
	}

	_, err := h.d.Dispatch(ctx, thumbnail(h.actor.ID))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindQueueUnavailable))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "BACKPRESSURE", ae.Code)
	assert.True(t, ae.Retryable)

	res, err := h.d.Dispatch(ctx, notification(h.actor.ID))
	require.NoError(t, err, "critical types bypass the threshold")
	assert.Equal(t, models.StatusQueued, res.Job.Status)

	depth, err := h.q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)
}

func TestDispatchIdempotencyKey(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	req := notification(h.actor.ID)
	req.IdempotencyKey = "welcome-7"

	first, err := h.d.Dispatch(ctx, req)
	require.NoError(t, err)
	again, err := h.d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Job.ID, again.Job.ID)

	depth, _ := h.q.ReadyDepth(ctx)
	assert.Equal(t, int64(1), depth, "a reused key performs no second broker write")

	other := req
	other.ActorUserID = h.admin.ID
	third, err := h.d.Dispatch(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.Job.ID, third.Job.ID, "keys are scoped per actor")
}

type downBroker struct{ err error }

func (b downBroker) Enqueue(context.Context, string, string, time.Time) error { return b.err }
func (b downBroker) Cancel(context.Context, string) error                     { return b.err }
func (b downBroker) ReadyDepth(context.Context) (int64, error)                { return 0, b.err }

func TestDispatchBrokerDownFailsLoudly(t *testing.T) {
	h := newHarness(t, 0)
	reg, _ := DefaultRegistry()
	d := NewDispatcher(reg, h.authz, h.mem, downBroker{err: errors.New("dial tcp: connection refused")}, nil, Options{})
	ctx := context.Background()
	req := notification(h.actor.ID)
	req.IdempotencyKey = "k1"

	_, err := d.Dispatch(ctx, req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindQueueUnavailable))
	assert.Equal(t, 503, apperr.HTTPStatus(err))

	// the retry is not swallowed by the idempotency key of the failed attempt
	res, err := h.d.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.Equal(t, models.StatusQueued, res.Job.Status)
}

func TestDispatchBackpressureBrokerDown(t *testing.T) {
	h := newHarness(t, 10)
	reg, _ := DefaultRegistry()
	d := NewDispatcher(reg, h.authz, h.mem, downBroker{err: errors.New("timeout")}, nil, Options{DepthThreshold: 10})

	_, err := d.Dispatch(context.Background(), thumbnail(h.actor.ID))
	assert.True(t, apperr.Is(err, apperr.KindQueueUnavailable))
}

func TestBanWithdrawsQueuedButNotRunningJobs(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	running, err := h.d.Dispatch(ctx, notification(h.actor.ID))
	require.NoError(t, err)
	id, _ := h.q.DequeueWithLease(ctx)
	require.Equal(t, running.Job.ID, id)
	ok, err := h.mem.MarkRunning(ctx, id, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	queued, err := h.d.Dispatch(ctx, notification(h.actor.ID))
	require.NoError(t, err)

	_, err = h.authz.BanUser(ctx, h.actor.ID)
	require.NoError(t, err)

	got, _ := h.mem.GetJob(ctx, running.Job.ID)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.False(t, got.CancelRequested)

	got, _ = h.mem.GetJob(ctx, queued.Job.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	depth, _ := h.q.ReadyDepth(ctx)
	assert.Zero(t, depth)
}

func TestCancelAndVisibility(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	other, _, err := h.mem.CreateUser(ctx, store.CreateUserParams{ProviderSubjectID: "sub2", Source: "email"})
	require.NoError(t, err)

	res, err := h.d.Dispatch(ctx, notification(h.actor.ID))
	require.NoError(t, err)

	_, err = h.d.Get(ctx, other, res.Job.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = h.d.Cancel(ctx, other, res.Job.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = h.d.Get(ctx, h.admin, res.Job.ID)
	assert.NoError(t, err)

	job, err := h.d.Cancel(ctx, h.actor, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
	id, _ := h.q.DequeueWithLease(ctx)
	assert.Empty(t, id)

	_, err = h.d.Get(ctx, h.actor, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCancelRunningIsCooperative(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, notification(h.actor.ID))
	require.NoError(t, err)
	_, _ = h.mem.MarkRunning(ctx, res.Job.ID, "w1")

	job, err := h.d.Cancel(ctx, h.actor, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, job.Status)
	assert.True(t, job.CancelRequested)
}

func TestRegistry(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{TypeContent, TypeThumbnail, TypeNotification}, reg.Names())

	n, _ := reg.Lookup(TypeNotification)
	assert.True(t, n.Critical)
	assert.False(t, n.Sheddable())
	th, _ := reg.Lookup(TypeThumbnail)
	assert.True(t, th.Sheddable())
	assert.Equal(t, 2*time.Minute, th.Timeout)

	assert.Error(t, reg.Register(JobType{Name: TypeContent}, ""))
	assert.Error(t, reg.Register(JobType{Name: "broken"}, "{not json"))
}

func TestRegistryCheckPriorities(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	assert.NoError(t, reg.CheckPriorities([]string{"high", "default", "low"}))

	// dropping "low" strands thumbnails
	err = reg.CheckPriorities([]string{"high", "default"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeThumbnail)
	assert.NotContains(t, err.Error(), TypeContent)

	err = reg.CheckPriorities([]string{"urgent", "normal"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeNotification)
	assert.Contains(t, err.Error(), TypeContent)
}

func TestNormalizePayload(t *testing.T) {
	out, err := NormalizePayload(nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = NormalizePayload(map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["n"])

	_, err = NormalizePayload([]int{1})
	assert.Error(t, err)
}
