// Package storetest provides an in-memory stand-in for store.Store with the
// same method set and transition guards, for tests of the services above it.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"content-platform/internal/models"
	"content-platform/internal/store"
)

// Memory is safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	nextUserID int64
	users      map[int64]*models.LocalUser
	bySubject  map[string]int64
	bootstrap  bool

	jobs   map[string]*models.Job
	idem   map[string]string
	audits []models.AuditLog
	docs   map[string]models.ContentDocument

	down            error
	createUserFails []error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[int64]*models.LocalUser),
		bySubject: make(map[string]int64),
		jobs:      make(map[string]*models.Job),
		idem:      make(map[string]string),
		docs:      make(map[string]models.ContentDocument),
	}
}

// SetDown makes every call fail with err until cleared with nil.
func (m *Memory) SetDown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = err
}

// FailCreateUser makes the next len(errs) CreateUser calls fail in order,
// without writing anything.
func (m *Memory) FailCreateUser(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createUserFails = append(m.createUserFails, errs...)
}

// CreateUser mirrors the unique-constraint behaviour of the Postgres store.
func (m *Memory) CreateUser(_ context.Context, p store.CreateUserParams) (models.LocalUser, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return models.LocalUser{}, false, m.down
	}
	if len(m.createUserFails) > 0 {
		err := m.createUserFails[0]
		m.createUserFails = m.createUserFails[1:]
		return models.LocalUser{}, false, err
	}
	if id, ok := m.bySubject[p.ProviderSubjectID]; ok {
		return *m.users[id], false, nil
	}
	if p.Role == "" {
		p.Role = models.RoleReader
	}
	m.nextUserID++
	now := time.Now().UTC()
	u := &models.LocalUser{
		ID:                m.nextUserID,
		ProviderSubjectID: p.ProviderSubjectID,
		Name:              p.Name,
		Source:            p.Source,
		Role:              p.Role,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.users[u.ID] = u
	m.bySubject[u.ProviderSubjectID] = u.ID
	return *u, true, nil
}

func (m *Memory) FindBySubjectID(_ context.Context, subjectID string) (*models.LocalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, m.down
	}
	id, ok := m.bySubject[subjectID]
	if !ok {
		return nil, nil
	}
	u := *m.users[id]
	return &u, nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (*models.LocalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, m.down
	}
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) SetRole(_ context.Context, id int64, role models.Role) (models.LocalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return models.LocalUser{}, m.down
	}
	u, ok := m.users[id]
	if !ok {
		return models.LocalUser{}, store.ErrUserNotFound
	}
	u.Role = role
	u.UpdatedAt = time.Now().UTC()
	return *u, nil
}

func (m *Memory) SetBanned(_ context.Context, id int64, banned bool) (models.LocalUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return models.LocalUser{}, m.down
	}
	u, ok := m.users[id]
	if !ok {
		return models.LocalUser{}, store.ErrUserNotFound
	}
	u.Banned = banned
	u.UpdatedAt = time.Now().UTC()
	return *u, nil
}

func (m *Memory) ExistsAdmin(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return false, m.down
	}
	return m.adminExistsLocked(), nil
}

func (m *Memory) adminExistsLocked() bool {
	for _, u := range m.users {
		if u.Role == models.RoleAdmin {
			return true
		}
	}
	return false
}

func (m *Memory) ClaimAdminBootstrap(_ context.Context, id int64) (models.LocalUser, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return models.LocalUser{}, false, m.down
	}
	if m.bootstrap || m.adminExistsLocked() {
		return models.LocalUser{}, false, nil
	}
	u, ok := m.users[id]
	if !ok || u.Banned {
		return models.LocalUser{}, false, store.ErrUserNotFound
	}
	m.bootstrap = true
	u.Role = models.RoleAdmin
	return *u, true, nil
}

// Users returns a snapshot of all users ordered by id.
func (m *Memory) Users() []models.LocalUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LocalUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return models.Job{}, false, m.down
	}
	if p.IdempotencyKey != "" {
		if id, ok := m.idem[p.IdempotencyKey]; ok {
			return *m.jobs[id], true, nil
		}
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.PayloadVersion == 0 {
		p.PayloadVersion = 1
	}
	now := time.Now().UTC()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}
	job := &models.Job{
		ID:             uuid.New().String(),
		Type:           p.Type,
		PayloadVersion: p.PayloadVersion,
		Priority:       p.Priority,
		ActorUserID:    p.ActorUserID,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		job.IdempotencyKey = &key
		m.idem[key] = job.ID
	}
	m.jobs[job.ID] = job
	return *job, false, nil
}

func (m *Memory) ReleaseIdempotencyKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return m.down
	}
	delete(m.idem, key)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return models.Job{}, m.down
	}
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	return *j, nil
}

func (m *Memory) mutate(id string, fn func(j *models.Job) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return false, m.down
	}
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	changed := fn(j)
	if changed {
		j.UpdatedAt = time.Now().UTC()
	}
	return changed, nil
}

func (m *Memory) MarkRunning(_ context.Context, id, workerID string) (bool, error) {
	return m.mutate(id, func(j *models.Job) bool {
		if j.Status != models.StatusQueued || j.CancelRequested {
			return false
		}
		j.Status = models.StatusRunning
		if workerID != "" {
			w := workerID
			j.WorkerID = &w
		}
		return true
	})
}

func (m *Memory) Requeue(_ context.Context, id string) error {
	_, err := m.mutate(id, func(j *models.Job) bool {
		if j.Status != models.StatusRunning {
			return false
		}
		j.Status = models.StatusQueued
		return true
	})
	return err
}

func (m *Memory) MarkSuccess(_ context.Context, id string) error {
	_, err := m.mutate(id, func(j *models.Job) bool {
		j.Status = models.StatusSucceeded
		j.LastError = nil
		return true
	})
	return err
}

func (m *Memory) MarkFailed(_ context.Context, id string, lastError string) error {
	_, err := m.mutate(id, func(j *models.Job) bool {
		j.Status = models.StatusFailed
		j.LastError = &lastError
		return true
	})
	return err
}

func (m *Memory) UpdateAttempts(_ context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := m.mutate(id, func(j *models.Job) bool {
		j.Status = models.StatusQueued
		j.Attempts = attempts
		j.NextRunAt = nextRun
		j.LastError = &lastErr
		return true
	})
	return err
}

func (m *Memory) MarkDeadLetter(_ context.Context, id string, attempts int, lastError string) (bool, error) {
	return m.mutate(id, func(j *models.Job) bool {
		if j.Status == models.StatusDeadLetter {
			return false
		}
		j.Status = models.StatusDeadLetter
		j.Attempts = attempts
		j.LastError = &lastError
		return true
	})
}

func (m *Memory) RequestCancel(ctx context.Context, id string) (models.JobStatus, error) {
	if _, err := m.mutate(id, func(j *models.Job) bool {
		switch j.Status {
		case models.StatusQueued:
			j.Status = models.StatusCancelled
		case models.StatusRunning:
		default:
			return false
		}
		j.CancelRequested = true
		return true
	}); err != nil {
		return "", err
	}
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (m *Memory) MarkCancelled(_ context.Context, id string) error {
	_, err := m.mutate(id, func(j *models.Job) bool {
		j.Status = models.StatusCancelled
		j.CancelRequested = true
		return true
	})
	return err
}

func (m *Memory) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return false, m.down
	}
	j, ok := m.jobs[id]
	if !ok {
		return false, store.ErrJobNotFound
	}
	return j.CancelRequested, nil
}

func (m *Memory) CancelQueuedForActor(_ context.Context, actorUserID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, m.down
	}
	var ids []string
	for _, j := range m.jobs {
		if j.ActorUserID == actorUserID && j.Status == models.StatusQueued {
			j.Status = models.StatusCancelled
			j.CancelRequested = true
			j.UpdatedAt = time.Now().UTC()
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ListDeadLettered(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, m.down
	}
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == models.StatusDeadLetter {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.After(out[k].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ReapTerminal(_ context.Context, statuses []models.JobStatus, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return nil, m.down
	}
	var ids []string
	for id, j := range m.jobs {
		if slices.Contains(statuses, j.Status) && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Jobs returns a snapshot of all jobs.
func (m *Memory) Jobs() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return m.down
	}
	m.audits = append(m.audits, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

func (m *Memory) UpsertContentDocument(_ context.Context, doc models.ContentDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down != nil {
		return m.down
	}
	doc.UpdatedAt = time.Now().UTC()
	m.docs[doc.ContentID] = doc
	return nil
}

// Events returns the audit events recorded for a job, oldest first.
func (m *Memory) Events(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.audits {
		if a.JobID == jobID {
			out = append(out, a.Event)
		}
	}
	return out
}

// Document returns a stored content document.
func (m *Memory) Document(contentID string) (models.ContentDocument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[contentID]
	return d, ok
}

// Age pushes a job's UpdatedAt into the past, for retention tests.
func (m *Memory) Age(jobID string, by time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.New("no such job")
	}
	j.UpdatedAt = j.UpdatedAt.Add(-by)
	return nil
}
