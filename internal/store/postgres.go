package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avolkov/forecastq/pkg/models"
)

const defaultJobLogCap = 500

// jobColumns is the canonical column list for scanning a full job row.
const jobColumns = `id, kind, owner, params, status, progress, stage, result,
	error_message, retry_count, cancel_requested, started_at, completed_at, created_at, updated_at`

// validTransitions is the job state machine. Claiming (pending -> executing)
// goes through ClaimNextPending, but is listed here so explicit transitions
// stay consistent with it.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:   {models.JobStatusExecuting, models.JobStatusFailed},
	models.JobStatusExecuting: {models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusFailed:    {models.JobStatusPending},
}

func transitionAllowed(from, to models.JobStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logCap int
}

// NewPostgresStore creates a new PostgresStore. logCap bounds the number of
// log entries retained per job; zero or negative selects the default.
func NewPostgresStore(pool *pgxpool.Pool, logCap int) *PostgresStore {
	if logCap <= 0 {
		logCap = defaultJobLogCap
	}
	return &PostgresStore{pool: pool, logCap: logCap}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, owner, params, status, progress, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Kind, job.Owner, job.Params, job.Status, job.Progress,
		job.RetryCount, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{}
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.Owner != "" {
		conditions = append(conditions, fmt.Sprintf("owner = $%d", argIdx))
		args = append(args, filter.Owner)
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNextPending picks the oldest pending job and moves it to executing in
// one statement. FOR UPDATE SKIP LOCKED keeps concurrent claimers from ever
// selecting the same row.
func (s *PostgresStore) ClaimNextPending(ctx context.Context) (*models.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'executing', stage = 'starting', progress = 0,
		        started_at = $1, updated_at = $1
		 WHERE id = (
		     SELECT id FROM jobs WHERE status = 'pending'
		     ORDER BY created_at ASC LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, now)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next pending job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) TransitionStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...TransitionOption) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	params := ApplyTransitionOptions(opts)

	now := time.Now().UTC()
	sets := []string{"status = $3", "updated_at = $4"}
	args := []any{id, from, to, now}
	argIdx := 5

	switch to {
	case models.JobStatusExecuting:
		sets = append(sets, fmt.Sprintf("started_at = $%d", argIdx), "progress = 0")
		args = append(args, now)
		argIdx++
	case models.JobStatusCompleted:
		sets = append(sets, fmt.Sprintf("completed_at = $%d", argIdx), "progress = 100")
		args = append(args, now)
		argIdx++
	case models.JobStatusFailed:
		sets = append(sets, fmt.Sprintf("completed_at = $%d", argIdx))
		args = append(args, now)
		argIdx++
	case models.JobStatusPending:
		// Retry: the job re-enters the queue with a clean slate. Logs are
		// kept so the history of previous attempts stays visible.
		sets = append(sets,
			"retry_count = retry_count + 1",
			"progress = 0",
			"stage = ''",
			"error_message = NULL",
			"result = NULL",
			"started_at = NULL",
			"completed_at = NULL",
			"cancel_requested = FALSE")
	}

	if params.Stage != nil {
		sets = append(sets, fmt.Sprintf("stage = $%d", argIdx))
		args = append(args, *params.Stage)
		argIdx++
	}
	if params.Result != nil {
		sets = append(sets, fmt.Sprintf("result = $%d", argIdx))
		args = append(args, params.Result)
		argIdx++
	}
	if params.ErrorMessage != nil {
		sets = append(sets, fmt.Sprintf("error_message = $%d", argIdx))
		args = append(args, *params.ErrorMessage)
		argIdx++
	}

	// Compare-and-set: the WHERE clause pins the from-status so two racing
	// transitions cannot both win.
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND status = $2`, strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id, from, to)
	}
	return nil
}

// transitionConflict distinguishes a missing job from a lost compare-and-set.
func (s *PostgresStore) transitionConflict(ctx context.Context, id uuid.UUID, from, to models.JobStatus) error {
	var current models.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s (job is %s)", ErrInvalidTransition, from, to, current)
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, stage string) (bool, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	var cancelRequested bool
	// GREATEST keeps progress monotonic even if reports arrive out of order.
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $2),
		        stage = CASE WHEN $3 <> '' THEN $3 ELSE stage END,
		        updated_at = $4
		 WHERE id = $1 AND status = 'executing'
		 RETURNING cancel_requested`,
		id, progress, stage, time.Now().UTC()).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, s.transitionConflict(ctx, id, models.JobStatusExecuting, models.JobStatusExecuting)
	}
	if err != nil {
		return false, fmt.Errorf("update job progress: %w", err)
	}
	return cancelRequested, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = $2
		 WHERE id = $1 AND status = 'executing'`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("request job cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, id, models.JobStatusExecuting, models.JobStatusFailed)
	}
	return nil
}

// --- Job logs ---

func (s *PostgresStore) AppendJobLog(ctx context.Context, id uuid.UUID, level, message string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_logs (job_id, ts, level, message) VALUES ($1, $2, $3, $4)`,
		id, time.Now().UTC(), level, message)
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}

	// Evict the oldest entries beyond the cap.
	_, err = s.pool.Exec(ctx,
		`DELETE FROM job_logs WHERE job_id = $1 AND id NOT IN (
		     SELECT id FROM job_logs WHERE job_id = $1 ORDER BY id DESC LIMIT $2
		 )`, id, s.logCap)
	if err != nil {
		return fmt.Errorf("trim job log: %w", err)
	}
	return nil
}

// ListJobLogs returns up to limit of the most recent entries, oldest first.
func (s *PostgresStore) ListJobLogs(ctx context.Context, id uuid.UUID, limit int) ([]models.JobLogEntry, error) {
	if limit <= 0 || limit > s.logCap {
		limit = s.logCap
	}

	rows, err := s.pool.Query(ctx,
		`SELECT ts, level, message FROM (
		     SELECT id, ts, level, message FROM job_logs
		     WHERE job_id = $1 ORDER BY id DESC LIMIT $2
		 ) recent ORDER BY id ASC`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer rows.Close()

	var entries []models.JobLogEntry
	for rows.Next() {
		var e models.JobLogEntry
		if err := rows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Sweeping and queue introspection ---

func (s *PostgresStore) SweepStaleExecuting(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'failed', error_message = 'worker lost',
		        completed_at = $1, updated_at = $1
		 WHERE status = 'executing' AND updated_at < $2
		 RETURNING `+jobColumns, now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep stale executing jobs: %w", err)
	}
	defer rows.Close()

	var swept []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swept job: %w", err)
		}
		swept = append(swept, job)
	}
	return swept, rows.Err()
}

func (s *PostgresStore) CountPendingBefore(ctx context.Context, createdAt time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND created_at < $1`,
		createdAt).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending before: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecentExecDurations(ctx context.Context, kind models.JobKind, limit int) ([]time.Duration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT EXTRACT(EPOCH FROM (completed_at - started_at))
		 FROM jobs
		 WHERE kind = $1 AND status = 'completed'
		   AND started_at IS NOT NULL AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT $2`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("recent exec durations: %w", err)
	}
	defer rows.Close()

	var durations []time.Duration
	for rows.Next() {
		var secs float64
		if err := rows.Scan(&secs); err != nil {
			return nil, fmt.Errorf("scan exec duration: %w", err)
		}
		durations = append(durations, time.Duration(secs*float64(time.Second)))
	}
	return durations, rows.Err()
}

func (s *PostgresStore) StatusCounts(ctx context.Context) (StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("scan status count: %w", err)
		}
		counts.Total += n
		switch status {
		case models.JobStatusPending:
			counts.Pending = n
		case models.JobStatusExecuting:
			counts.Executing = n
		case models.JobStatusCompleted:
			counts.Completed = n
		case models.JobStatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

func (s *PostgresStore) QueueAverages(ctx context.Context) (QueueAverages, error) {
	var waitSecs, execSecs float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (started_at - created_at))), 0),
		        COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		 FROM jobs
		 WHERE status IN ('completed', 'failed') AND started_at IS NOT NULL`,
	).Scan(&waitSecs, &execSecs)
	if err != nil {
		return QueueAverages{}, fmt.Errorf("queue averages: %w", err)
	}
	return QueueAverages{
		AvgWait: time.Duration(waitSecs * float64(time.Second)),
		AvgExec: time.Duration(execSecs * float64(time.Second)),
	}, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Kind, &j.Owner, &j.Params, &j.Status, &j.Progress,
		&j.Stage, &j.Result, &j.ErrorMessage, &j.RetryCount, &j.CancelRequested,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
