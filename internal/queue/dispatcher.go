package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/pkg/models"
)

const cancelledErrorText = "cancelled"

// JobStore is the slice of the store the dispatcher depends on.
type JobStore interface {
	ClaimNextPending(ctx context.Context) (*models.Job, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...store.TransitionOption) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, stage string) (bool, error)
	AppendJobLog(ctx context.Context, id uuid.UUID, level, message string) error
	SweepStaleExecuting(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
}

// Config tunes the dispatcher.
type Config struct {
	MaxWorkers     int
	PollInterval   time.Duration
	MaxRetries     int
	StaleThreshold time.Duration
	SweepInterval  time.Duration
}

// Dispatcher turns pending jobs into executed ones. A fixed pool of worker
// goroutines polls the store for the oldest pending job, claims it, runs the
// matching executor and applies the terminal transition. Retry policy lives
// here, not in executors, so the state machine has a single writer.
type Dispatcher struct {
	store     JobStore
	executors map[models.JobKind]Executor
	cfg       Config
	wg        sync.WaitGroup
}

func NewDispatcher(s JobStore, cfg Config, executors ...Executor) *Dispatcher {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	byKind := make(map[models.JobKind]Executor, len(executors))
	for _, e := range executors {
		byKind[e.Kind()] = e
	}
	return &Dispatcher{store: s, executors: byKind, cfg: cfg}
}

// Start sweeps jobs orphaned by a previous process, then launches the worker
// pool and the periodic sweeper. It returns immediately; call Wait after
// cancelling ctx to drain in-flight jobs.
func (d *Dispatcher) Start(ctx context.Context) {
	d.sweep(ctx)

	for i := 0; i < d.cfg.MaxWorkers; i++ {
		d.wg.Add(1)
		go func(slot int) {
			defer d.wg.Done()
			d.workerLoop(ctx, slot)
		}(i)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweepLoop(ctx)
	}()

	slog.Info("dispatcher started", "max_workers", d.cfg.MaxWorkers,
		"poll_interval", d.cfg.PollInterval, "max_retries", d.cfg.MaxRetries)
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", "slot", slot)
			return
		case <-ticker.C:
			// Drain the queue before idling again so a burst of
			// submissions is not paced by the poll interval.
			for {
				job, err := d.store.ClaimNextPending(ctx)
				if err != nil {
					if ctx.Err() == nil {
						slog.Error("claim next pending job", "slot", slot, "error", err)
					}
					break
				}
				if job == nil {
					break
				}
				d.run(ctx, slot, job)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, slot int, job *models.Job) {
	start := time.Now()
	slog.Info("job claimed", "slot", slot, "job_id", job.ID, "kind", job.Kind, "attempt", job.RetryCount+1)
	d.appendLog(ctx, job.ID, models.LogLevelInfo,
		fmt.Sprintf("execution started (attempt #%d)", job.RetryCount+1))

	executor, ok := d.executors[job.Kind]
	if !ok {
		d.fail(ctx, job, fmt.Sprintf("no executor registered for kind %q", job.Kind), false)
		return
	}

	result, err := d.invoke(ctx, executor, job)

	switch {
	case err == nil:
		d.complete(ctx, job, result, time.Since(start))
	case errors.Is(err, ErrCanceled):
		d.fail(ctx, job, cancelledErrorText, false)
		slog.Info("job cancelled", "slot", slot, "job_id", job.ID)
	default:
		d.fail(ctx, job, err.Error(), IsTransient(err))
		slog.Error("job failed", "slot", slot, "job_id", job.ID, "kind", job.Kind,
			"transient", IsTransient(err), "duration", time.Since(start), "error", err)
	}
}

// invoke runs the executor, converting panics into permanent failures so a
// misbehaving executor can never take down the dispatcher.
func (d *Dispatcher) invoke(ctx context.Context, executor Executor, job *models.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanentf("executor panic: %v", r)
		}
	}()
	rep := &storeReporter{store: d.store, jobID: job.ID}
	return executor.Execute(ctx, job, rep)
}

func (d *Dispatcher) complete(ctx context.Context, job *models.Job, result json.RawMessage, elapsed time.Duration) {
	err := d.store.TransitionStatus(ctx, job.ID,
		models.JobStatusExecuting, models.JobStatusCompleted, store.WithResult(result))
	if err != nil {
		slog.Error("mark job completed", "job_id", job.ID, "error", err)
		return
	}
	d.appendLog(ctx, job.ID, models.LogLevelInfo, "job completed successfully")
	slog.Info("job completed", "job_id", job.ID, "kind", job.Kind, "duration", elapsed)
}

// fail applies the terminal failure transition and, for transient failures
// within the retry budget, immediately requeues the job.
func (d *Dispatcher) fail(ctx context.Context, job *models.Job, errText string, transient bool) {
	err := d.store.TransitionStatus(ctx, job.ID,
		models.JobStatusExecuting, models.JobStatusFailed, store.WithErrorMessage(errText))
	if err != nil {
		slog.Error("mark job failed", "job_id", job.ID, "error", err)
		return
	}
	d.appendLog(ctx, job.ID, models.LogLevelError, "job failed: "+errText)

	if transient && errText != cancelledErrorText {
		d.maybeRequeue(ctx, job)
	}
}

func (d *Dispatcher) maybeRequeue(ctx context.Context, job *models.Job) {
	if job.RetryCount >= d.cfg.MaxRetries {
		d.appendLog(ctx, job.ID, models.LogLevelWarning,
			fmt.Sprintf("retries exhausted after %d attempts", job.RetryCount+1))
		return
	}
	err := d.store.TransitionStatus(ctx, job.ID, models.JobStatusFailed, models.JobStatusPending)
	if err != nil {
		slog.Error("requeue job", "job_id", job.ID, "error", err)
		return
	}
	d.appendLog(ctx, job.ID, models.LogLevelInfo,
		fmt.Sprintf("requeued for retry (attempt #%d)", job.RetryCount+2))
	slog.Info("job requeued", "job_id", job.ID, "retry_count", job.RetryCount+1)
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

// sweep reclaims jobs stuck executing with no progress update past the
// staleness threshold, typically left behind by a crashed worker process.
// Worker loss is treated as transient.
func (d *Dispatcher) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.StaleThreshold)
	swept, err := d.store.SweepStaleExecuting(ctx, cutoff)
	if err != nil {
		slog.Error("staleness sweep", "error", err)
		return
	}
	for _, job := range swept {
		slog.Warn("stale executing job swept", "job_id", job.ID, "kind", job.Kind,
			"stale_for", time.Since(job.UpdatedAt))
		d.appendLog(ctx, job.ID, models.LogLevelWarning,
			"worker lost: no progress update past staleness threshold")
		d.maybeRequeue(ctx, job)
	}
}

func (d *Dispatcher) appendLog(ctx context.Context, id uuid.UUID, level, message string) {
	if err := d.store.AppendJobLog(ctx, id, level, message); err != nil {
		slog.Error("append job log", "job_id", id, "error", err)
	}
}

// storeReporter persists executor progress through the store, which doubles
// as the cancellation channel: the flag comes back on every progress write.
type storeReporter struct {
	store JobStore
	jobID uuid.UUID
}

func (r *storeReporter) Progress(ctx context.Context, percent int, stage string) error {
	cancelRequested, err := r.store.UpdateProgress(ctx, r.jobID, percent, stage)
	if err != nil {
		return err
	}
	if cancelRequested {
		return ErrCanceled
	}
	return nil
}

func (r *storeReporter) Log(ctx context.Context, level, message string) {
	if err := r.store.AppendJobLog(ctx, r.jobID, level, message); err != nil {
		slog.Error("append job log", "job_id", r.jobID, "error", err)
	}
}
