package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/pkg/models"
)

// memStore is an in-memory JobStore with the same transition semantics as
// the Postgres implementation, for driving the dispatcher without a database.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
	logs map[uuid.UUID][]models.JobLogEntry
}

func newMemStore() *memStore {
	return &memStore{
		jobs: make(map[uuid.UUID]*models.Job),
		logs: make(map[uuid.UUID][]models.JobLogEntry),
	}
}

func (m *memStore) addPending(kind models.JobKind, createdAt time.Time) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &models.Job{
		ID:        uuid.New(),
		Kind:      kind,
		Owner:     "tester",
		Params:    json.RawMessage(`{}`),
		Status:    models.JobStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	m.jobs[job.ID] = job
	return job
}

func (m *memStore) get(id uuid.UUID) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) setCancelRequested(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].CancelRequested = true
}

func (m *memStore) setUpdatedAt(id uuid.UUID, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].UpdatedAt = ts
}

func (m *memStore) ClaimNextPending(_ context.Context) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *models.Job
	for _, job := range m.jobs {
		if job.Status != models.JobStatusPending {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.Status = models.JobStatusExecuting
	oldest.Stage = "starting"
	oldest.Progress = 0
	oldest.StartedAt = &now
	oldest.UpdatedAt = now
	claimed := *oldest
	return &claimed, nil
}

func (m *memStore) TransitionStatus(_ context.Context, id uuid.UUID, from, to models.JobStatus, opts ...store.TransitionOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status != from {
		return store.ErrInvalidTransition
	}

	now := time.Now().UTC()
	job.Status = to
	job.UpdatedAt = now

	switch to {
	case models.JobStatusCompleted:
		job.Progress = 100
		job.CompletedAt = &now
	case models.JobStatusFailed:
		job.CompletedAt = &now
	case models.JobStatusPending:
		job.RetryCount++
		job.Progress = 0
		job.Stage = ""
		job.ErrorMessage = nil
		job.Result = nil
		job.StartedAt = nil
		job.CompletedAt = nil
		job.CancelRequested = false
	}

	params := store.ApplyTransitionOptions(opts)
	if params.Stage != nil {
		job.Stage = *params.Stage
	}
	if params.Result != nil {
		job.Result = params.Result
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	return nil
}

func (m *memStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int, stage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if job.Status != models.JobStatusExecuting {
		return false, store.ErrInvalidTransition
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	if stage != "" {
		job.Stage = stage
	}
	job.UpdatedAt = time.Now().UTC()
	return job.CancelRequested, nil
}

func (m *memStore) AppendJobLog(_ context.Context, id uuid.UUID, level, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[id] = append(m.logs[id], models.JobLogEntry{
		Timestamp: time.Now().UTC(), Level: level, Message: message,
	})
	return nil
}

func (m *memStore) SweepStaleExecuting(_ context.Context, cutoff time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var swept []*models.Job
	now := time.Now().UTC()
	for _, job := range m.jobs {
		if job.Status == models.JobStatusExecuting && job.UpdatedAt.Before(cutoff) {
			job.Status = models.JobStatusFailed
			msg := "worker lost"
			job.ErrorMessage = &msg
			job.CompletedAt = &now
			job.UpdatedAt = now
			copied := *job
			swept = append(swept, &copied)
		}
	}
	return swept, nil
}

// fakeExecutor runs a caller-supplied function for a fixed kind.
type fakeExecutor struct {
	kind models.JobKind
	fn   func(ctx context.Context, job *models.Job, rep Reporter) (json.RawMessage, error)
}

func (f *fakeExecutor) Kind() models.JobKind { return f.kind }

func (f *fakeExecutor) Execute(ctx context.Context, job *models.Job, rep Reporter) (json.RawMessage, error) {
	return f.fn(ctx, job, rep)
}

func testConfig() Config {
	return Config{
		MaxWorkers:     1,
		PollInterval:   10 * time.Millisecond,
		MaxRetries:     3,
		StaleThreshold: 30 * time.Minute,
		SweepInterval:  time.Hour,
	}
}

// --- Tests ---

func TestDispatcher_ExecutesFIFO(t *testing.T) {
	ms := newMemStore()
	base := time.Now().UTC()

	var mu sync.Mutex
	var order []uuid.UUID

	exec := &fakeExecutor{kind: models.JobKindPrediction,
		fn: func(_ context.Context, job *models.Job, _ Reporter) (json.RawMessage, error) {
			mu.Lock()
			order = append(order, job.ID)
			mu.Unlock()
			return json.RawMessage(`{"ok":true}`), nil
		}}

	jobs := []*models.Job{
		ms.addPending(models.JobKindPrediction, base),
		ms.addPending(models.JobKindPrediction, base.Add(time.Millisecond)),
		ms.addPending(models.JobKindPrediction, base.Add(2*time.Millisecond)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ms, testConfig(), exec)
	d.Start(ctx)

	require.Eventually(t, func() bool {
		for _, job := range jobs {
			if ms.get(job.ID).Status != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, jobs[0].ID, order[0])
	assert.Equal(t, jobs[1].ID, order[1])
	assert.Equal(t, jobs[2].ID, order[2])

	done := ms.get(jobs[0].ID)
	assert.Equal(t, 100, done.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	assert.Nil(t, done.ErrorMessage)
}

func TestDispatcher_TransientFailureRetries(t *testing.T) {
	ms := newMemStore()
	job := ms.addPending(models.JobKindTraining, time.Now().UTC())

	var attempts int
	exec := &fakeExecutor{kind: models.JobKindTraining,
		fn: func(_ context.Context, _ *models.Job, _ Reporter) (json.RawMessage, error) {
			attempts++
			if attempts == 1 {
				return nil, Transientf("engine briefly down")
			}
			return json.RawMessage(`{}`), nil
		}}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ms, testConfig(), exec)
	d.Start(ctx)

	require.Eventually(t, func() bool {
		return ms.get(job.ID).Status == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()

	got := ms.get(job.ID)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, got.RetryCount, "exactly one retry consumed")
}

func TestDispatcher_PermanentFailureStaysFailed(t *testing.T) {
	ms := newMemStore()
	job := ms.addPending(models.JobKindTraining, time.Now().UTC())

	exec := &fakeExecutor{kind: models.JobKindTraining,
		fn: func(_ context.Context, _ *models.Job, _ Reporter) (json.RawMessage, error) {
			return nil, Permanentf("dataset_id is required")
		}}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ms, testConfig(), exec)
	d.Start(ctx)

	require.Eventually(t, func() bool {
		return ms.get(job.ID).Status == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()

	got := ms.get(job.ID)
	assert.Equal(t, 0, got.RetryCount, "permanent failures are not auto-retried")
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "dataset_id is required", *got.ErrorMessage)
	assert.Nil(t, got.Result)
}

func TestDispatcher_RetriesExhausted(t *testing.T) {
	ms := newMemStore()
	job := ms.addPending(models.JobKindTraining, time.Now().UTC())

	var attempts int
	exec := &fakeExecutor{kind: models.JobKindTraining,
		fn: func(_ context.Context, _ *models.Job, _ Reporter) (json.RawMessage, error) {
			attempts++
			return nil, Transientf("still down")
		}}

	cfg := testConfig()
	cfg.MaxRetries = 2

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ms, cfg, exec)
	d.Start(ctx)

	require.Eventually(t, func() bool {
		got := ms.get(job.ID)
		return got.Status == models.JobStatusFailed && got.RetryCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()

	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	got := ms.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
}

func TestDispatcher_CooperativeCancel(t *testing.T) {
	ms := newMemStore()
	job := ms.addPending(models.JobKindTraining, time.Now().UTC())
	ms.setCancelRequested(job.ID)

	exec := &fakeExecutor{kind: models.JobKindTraining,
		fn: func(ctx context.Context, job *models.Job, rep Reporter) (json.RawMessage, error) {
			// A well-behaved executor surfaces the cancel flag from its
			// first progress report.
			if err := rep.Progress(ctx, 10, "fitting model"); err != nil {
				return nil, err
			}
			t.Error("executor kept running past a requested cancel")
			return json.RawMessage(`{}`), nil
		}}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ms, testConfig(), exec)
	d.Start(ctx)

	require.Eventually(t, func() bool {
		return ms.get(job.ID).Status == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()

	got := ms.get(job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "cancelled", *got.ErrorMessage)
	assert.Equal(t, 0, got.RetryCount, "cancelled jobs are not auto-retried")
}

func TestDispatcher_ExecutorPanicFailsJob(t *testing.T) {
	ms := newMemStore()
	job := ms.addPending(models.JobKindAnalysis, time.Now().UTC())

	exec := &fakeExecutor{kind: models.JobKindAnalysis,
		fn: func(_ context.Context, _ *models.Job, _ Reporter) (json.RawMessage, error) {
			panic("nil dereference in executor")
		}}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ms, testConfig(), exec)
	d.Start(ctx)

	require.Eventually(t, func() bool {
		return ms.get(job.ID).Status == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()

	got := ms.get(job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "executor panic")
	assert.Equal(t, 0, got.RetryCount)
}

func TestDispatcher_UnknownKindFailsJob(t *testing.T) {
	ms := newMemStore()
	job := ms.addPending(models.JobKindAnalysis, time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ms, testConfig()) // no executors registered
	d.Start(ctx)

	require.Eventually(t, func() bool {
		return ms.get(job.ID).Status == models.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	d.Wait()

	got := ms.get(job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "no executor registered")
}

func TestDispatcher_SweepRequeuesStaleJob(t *testing.T) {
	ms := newMemStore()
	job := ms.addPending(models.JobKindTraining, time.Now().UTC())

	_, err := ms.ClaimNextPending(context.Background())
	require.NoError(t, err)
	ms.setUpdatedAt(job.ID, time.Now().UTC().Add(-time.Hour))

	d := NewDispatcher(ms, testConfig())
	d.sweep(context.Background())

	got := ms.get(job.ID)
	assert.Equal(t, models.JobStatusPending, got.Status, "worker loss is transient, job requeued")
	assert.Equal(t, 1, got.RetryCount)
}

func TestDispatcher_SweepRespectsRetryBudget(t *testing.T) {
	ms := newMemStore()
	job := ms.addPending(models.JobKindTraining, time.Now().UTC())

	_, err := ms.ClaimNextPending(context.Background())
	require.NoError(t, err)
	ms.mu.Lock()
	ms.jobs[job.ID].RetryCount = 3
	ms.mu.Unlock()
	ms.setUpdatedAt(job.ID, time.Now().UTC().Add(-time.Hour))

	d := NewDispatcher(ms, testConfig())
	d.sweep(context.Background())

	got := ms.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "worker lost", *got.ErrorMessage)
}

func TestTaskErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(Transientf("engine down")))
	assert.False(t, IsTransient(Permanentf("bad params")))
	assert.False(t, IsTransient(errors.New("plain error")))

	wrapped := &TaskError{Err: errors.New("inner"), Transient: true}
	assert.True(t, IsTransient(wrapped))
	assert.Equal(t, "inner", wrapped.Error())
	assert.Equal(t, "inner", errors.Unwrap(wrapped).Error())
}
