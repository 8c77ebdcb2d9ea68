package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-platform/internal/apperr"
	"content-platform/internal/auth"
	"content-platform/internal/authz"
	"content-platform/internal/config"
	"content-platform/internal/dispatch"
	"content-platform/internal/identity"
	"content-platform/internal/models"
	"content-platform/internal/queue"
	"content-platform/internal/ratelimit"
	"content-platform/internal/store"
	"content-platform/internal/store/storetest"
)

// fakeProvider issues "tok-<subject>" tokens for subjects derived from email.
type fakeProvider struct {
	mu         sync.Mutex
	registered map[string]bool
	down       bool
}

func (p *fakeProvider) SignUp(_ context.Context, email, _ string) (identity.ProviderIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return identity.ProviderIdentity{}, apperr.Provider("identity provider unavailable", true, errors.New("dial tcp: refused"))
	}
	if p.registered[email] {
		return identity.ProviderIdentity{}, apperr.Provider("User already registered", false, nil)
	}
	p.registered[email] = true
	return identity.ProviderIdentity{SubjectID: "sub-" + email, Provider: "email", Email: email}, nil
}

func (p *fakeProvider) SignIn(_ context.Context, email, password string) (identity.SessionToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.registered[email] || password == "wrong" {
		return identity.SessionToken{}, apperr.Provider("Invalid login credentials", false, nil)
	}
	return identity.SessionToken{AccessToken: "tok-sub-" + email, TokenType: "bearer", ExpiresIn: 3600}, nil
}

func (p *fakeProvider) VerifyToken(_ context.Context, token string) (identity.ProviderIdentity, error) {
	subject, ok := strings.CutPrefix(token, "tok-")
	if !ok {
		return identity.ProviderIdentity{}, apperr.Unauthorized("invalid token", nil)
	}
	return identity.ProviderIdentity{SubjectID: subject, Provider: "email"}, nil
}

type env struct {
	mem      *storetest.Memory
	mr       *miniredis.Miniredis
	provider *fakeProvider
	handler  http.Handler
}

func newEnv(t *testing.T, withLimiter bool) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := storetest.NewMemory()
	q := queue.NewRedisQueue(client, config.Config{PriorityQueues: []string{"high", "default", "low"}, VisibilityTimeout: time.Minute})
	reg, err := dispatch.DefaultRegistry()
	require.NoError(t, err)

	provider := &fakeProvider{registered: map[string]bool{}}
	svc := authz.NewService(mem, dispatch.NewWithdrawer(mem, q, nil), nil)
	d := Deps{
		Auth:       auth.NewOrchestrator(provider, mem, nil, auth.Options{CreateBackoff: time.Millisecond}),
		Verifier:   provider,
		Authz:      svc,
		Jobs:       dispatch.NewDispatcher(reg, svc, mem, q, nil, dispatch.Options{DepthThreshold: 2}),
		Health:     map[string]Pinger{"redis": q},
		RetryAfter: 3 * time.Second,
	}
	if withLimiter {
		d.Limiter = ratelimit.NewTokenBucket(client, 3, 0.001, time.Minute)
	}
	return &env{mem: mem, mr: mr, provider: provider, handler: New(d).Router()}
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.7:5000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// signup registers email and returns its local user and bearer token.
func (e *env) signup(t *testing.T, email string) (models.LocalUser, string) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/auth/signup", "", map[string]string{"email": email, "password": "p1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	u, err := e.mem.FindBySubjectID(context.Background(), "sub-"+email)
	require.NoError(t, err)
	require.NotNil(t, u)
	return *u, "tok-sub-" + email
}

func (e *env) makeAdmin(t *testing.T, id int64) {
	t.Helper()
	_, err := e.mem.SetRole(context.Background(), id, models.RoleAdmin)
	require.NoError(t, err)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSignupAndLogin(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodPost, "/auth/signup", "", map[string]string{"email": "a@x.com", "password": "p1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody[struct {
		State string      `json:"state"`
		User  userSummary `json:"user"`
	}](t, rec)
	assert.Equal(t, "complete", body.State)
	assert.Equal(t, "sub-a@x.com", body.User.SubjectID)
	assert.Equal(t, models.RoleReader, body.User.Role)

	rec = e.do(t, http.MethodPost, "/auth/signup", "", map[string]string{"email": "a@x.com", "password": "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, e.mem.Users(), 1)

	rec = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "a@x.com", "password": "p1"})
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decodeBody[identity.SessionToken](t, rec)
	assert.Equal(t, "tok-sub-a@x.com", tok.AccessToken)

	rec = e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "a@x.com", "password": "wrong"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignupValidationAndProviderOutage(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodPost, "/auth/signup", "", map[string]string{"email": "not-an-email", "password": "p1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := decodeBody[errorBody](t, rec)
	assert.Equal(t, "validation", errBody.Kind)

	e.provider.down = true
	rec = e.do(t, http.MethodPost, "/auth/signup", "", map[string]string{"email": "b@x.com", "password": "p1"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	errBody = decodeBody[errorBody](t, rec)
	assert.True(t, errBody.Retryable)
	assert.Empty(t, e.mem.Users())

	req := httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginReconcilesMissingLocalUser(t *testing.T) {
	e := newEnv(t, false)
	e.provider.registered["late@x.com"] = true

	rec := e.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "late@x.com", "password": "p1"})
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := e.mem.FindBySubjectID(context.Background(), "sub-late@x.com")
	require.NoError(t, err)
	require.NotNil(t, u)
}

func TestCreateUserRequiresOwnSubject(t *testing.T) {
	e := newEnv(t, false)

	rec := e.do(t, http.MethodPost, "/users/create", "", map[string]string{"user_id": "s1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/users/create", "tok-s1", map[string]string{"user_id": "s2", "source": "email"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/users/create", "tok-s1", map[string]string{"user_id": "s1", "name": "Ada", "source": "google"})
	require.Equal(t, http.StatusCreated, rec.Code)
	u := decodeBody[userSummary](t, rec)
	assert.Equal(t, "s1", u.SubjectID)
	assert.Equal(t, "google", u.Source)

	rec = e.do(t, http.MethodPost, "/users/create", "tok-s1", map[string]string{"user_id": "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminQueriesAndBootstrap(t *testing.T) {
	e := newEnv(t, false)
	first, firstTok := e.signup(t, "a@x.com")
	_, secondTok := e.signup(t, "b@x.com")

	rec := e.do(t, http.MethodGet, "/users/admin", "", nil)
	assert.Equal(t, map[string]bool{"admin_exists": false}, decodeBody[map[string]bool](t, rec))

	rec = e.do(t, http.MethodPost, "/users/bootstrap", firstTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RoleAdmin, decodeBody[userSummary](t, rec).Role)

	rec = e.do(t, http.MethodPost, "/users/bootstrap", secondTok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/users/admin", "", nil)
	assert.True(t, decodeBody[map[string]bool](t, rec)["admin_exists"])

	rec = e.do(t, http.MethodGet, "/users/ifadmin/"+first.ProviderSubjectID, "", nil)
	assert.True(t, decodeBody[map[string]bool](t, rec)["is_admin"])
	rec = e.do(t, http.MethodGet, "/users/ifadmin/nobody", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[map[string]bool](t, rec)["is_admin"])
}

func TestBanFlow(t *testing.T) {
	e := newEnv(t, false)
	admin, adminTok := e.signup(t, "root@x.com")
	e.makeAdmin(t, admin.ID)
	user, userTok := e.signup(t, "u@x.com")

	submit := map[string]any{"type": dispatch.TypeNotification, "payload": map[string]any{"recipient_user_id": 1, "title": "t"}}
	rec := e.do(t, http.MethodPost, "/jobs", userTok, submit)
	require.Equal(t, http.StatusAccepted, rec.Code)
	queued := decodeBody[submitResponse](t, rec).Job

	// readers cannot ban
	rec = e.do(t, http.MethodPost, "/users/ban/"+strconv.FormatInt(admin.ID, 10), userTok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/users/ban/"+strconv.FormatInt(user.ID, 10), adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["banned"])

	job, err := e.mem.GetJob(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)

	rec = e.do(t, http.MethodPost, "/jobs", userTok, submit)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/users/ban/999", adminTok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodPost, "/users/ban/abc", adminTok, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/users/unban/"+strconv.FormatInt(user.ID, 10), adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodPost, "/jobs", userTok, submit)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSetRole(t *testing.T) {
	e := newEnv(t, false)
	admin, adminTok := e.signup(t, "root@x.com")
	e.makeAdmin(t, admin.ID)
	user, _ := e.signup(t, "u@x.com")
	path := "/users/role/" + strconv.FormatInt(user.ID, 10)

	rec := e.do(t, http.MethodPost, path, adminTok, map[string]string{"role": "superuser"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, path, adminTok, map[string]string{"role": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RoleAdmin, decodeBody[userSummary](t, rec).Role)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, false)
	owner, ownerTok := e.signup(t, "o@x.com")
	_, otherTok := e.signup(t, "p@x.com")
	admin, adminTok := e.signup(t, "root@x.com")
	e.makeAdmin(t, admin.ID)

	rec := e.do(t, http.MethodPost, "/jobs", "", map[string]any{"type": dispatch.TypeContent})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/jobs", ownerTok, map[string]any{"type": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_JOB_TYPE", decodeBody[errorBody](t, rec).Code)

	submit := map[string]any{
		"type":            dispatch.TypeContent,
		"payload":         map[string]any{"source_url": "https://example.com/a", "content_id": "c1"},
		"idempotency_key": "k1",
	}
	rec = e.do(t, http.MethodPost, "/jobs", ownerTok, submit)
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decodeBody[submitResponse](t, rec)
	assert.Equal(t, owner.ID, created.Job.ActorUserID)

	rec = e.do(t, http.MethodPost, "/jobs", ownerTok, submit)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[submitResponse](t, rec)
	assert.True(t, again.Idempotent)
	assert.Equal(t, created.Job.ID, again.Job.ID)

	path := "/jobs/" + created.Job.ID
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, path, ownerTok, nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, path, adminTok, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, path, otherTok, nil).Code)

	rec = e.do(t, http.MethodPost, path+"/cancel", ownerTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCancelled, decodeBody[models.Job](t, rec).Status)
}

func TestBackpressureAndBrokerOutage(t *testing.T) {
	e := newEnv(t, false)
	_, tok := e.signup(t, "o@x.com")
	thumb := map[string]any{"type": dispatch.TypeThumbnail, "payload": map[string]any{"source_url": "https://cdn.example.com/a.png"}}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/jobs", tok, thumb).Code)
	}
	rec := e.do(t, http.MethodPost, "/jobs", tok, thumb)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "BACKPRESSURE", decodeBody[errorBody](t, rec).Code)

	e.mr.Close()
	note := map[string]any{"type": dispatch.TypeNotification, "payload": map[string]any{"recipient_user_id": 1, "title": "t"}}
	rec = e.do(t, http.MethodPost, "/jobs", tok, note)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "BROKER_UNAVAILABLE", body.Code)
	assert.True(t, body.Retryable)

	rec = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDLQIsAdminOnly(t *testing.T) {
	e := newEnv(t, false)
	admin, adminTok := e.signup(t, "root@x.com")
	e.makeAdmin(t, admin.ID)
	user, userTok := e.signup(t, "u@x.com")

	job, _, err := e.mem.CreateJob(context.Background(), store.CreateJobParams{Type: dispatch.TypeContent, ActorUserID: user.ID, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = e.mem.MarkDeadLetter(context.Background(), job.ID, 1, "fetch failed: status 500")
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/dlq", userTok, nil).Code)

	rec := e.do(t, http.MethodGet, "/dlq", adminTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[struct {
		Items []models.Job `json:"items"`
	}](t, rec).Items
	require.Len(t, items, 1)
	require.NotNil(t, items[0].LastError)
	assert.Equal(t, "fetch failed: status 500", *items[0].LastError)
}

func TestAdmissionControl(t *testing.T) {
	e := newEnv(t, true)
	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = e.do(t, http.MethodGet, "/users/admin", "", nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeBody[errorBody](t, last).Code)

	// health stays outside admission control
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, false)
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]any](t, rec)["status"])
}
