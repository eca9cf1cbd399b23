package queue

import (
	"context"
	"time"

	"github.com/avolkov/forecastq/internal/store"
	"github.com/avolkov/forecastq/pkg/models"
)

const defaultStatsWindow = 20

// EstimatorStore is the slice of the store the estimator depends on.
type EstimatorStore interface {
	CountPendingBefore(ctx context.Context, createdAt time.Time) (int, error)
	RecentExecDurations(ctx context.Context, kind models.JobKind, limit int) ([]time.Duration, error)
	StatusCounts(ctx context.Context) (store.StatusCounts, error)
	QueueAverages(ctx context.Context) (store.QueueAverages, error)
}

// Estimator answers "where is my job in line and how long until it runs"
// from store contents alone, keeping scheduling and reporting decoupled.
type Estimator struct {
	store  EstimatorStore
	window int
}

// NewEstimator creates an Estimator. window is the number of recent
// completions per kind used for the rolling duration average.
func NewEstimator(s EstimatorStore, window int) *Estimator {
	if window <= 0 {
		window = defaultStatsWindow
	}
	return &Estimator{store: s, window: window}
}

// Position returns the 1-based queue position of a pending job: the number
// of pending jobs submitted earlier, plus one. For a job that is already
// executing or terminal it returns 0.
func (e *Estimator) Position(ctx context.Context, job *models.Job) (int, error) {
	if job.Status != models.JobStatusPending {
		return 0, nil
	}
	earlier, err := e.store.CountPendingBefore(ctx, job.CreatedAt)
	if err != nil {
		return 0, err
	}
	return earlier + 1, nil
}

// EstimatedWait returns position times the rolling average execution
// duration of recently completed jobs of the same kind. It returns nil when
// the job is not pending or no history exists yet.
func (e *Estimator) EstimatedWait(ctx context.Context, job *models.Job) (*time.Duration, error) {
	position, err := e.Position(ctx, job)
	if err != nil {
		return nil, err
	}
	if position == 0 {
		return nil, nil
	}

	durations, err := e.store.RecentExecDurations(ctx, job.Kind, e.window)
	if err != nil {
		return nil, err
	}
	if len(durations) == 0 {
		return nil, nil
	}

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	wait := time.Duration(position) * (total / time.Duration(len(durations)))
	return &wait, nil
}

// Stats aggregates per-status counts and rolling wait/execution averages
// from terminal jobs.
type Stats struct {
	store.StatusCounts
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
	AvgExecSeconds float64 `json:"avg_exec_seconds"`
}

func (e *Estimator) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.store.StatusCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	averages, err := e.store.QueueAverages(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		StatusCounts:   counts,
		AvgWaitSeconds: averages.AvgWait.Seconds(),
		AvgExecSeconds: averages.AvgExec.Seconds(),
	}, nil
}
