package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/avolkov/forecastq/pkg/models"
)

// ErrCanceled is returned by a Reporter once cancellation has been requested
// for the job. Executors propagate it to stop cooperatively.
var ErrCanceled = errors.New("job cancelled")

// Executor performs the actual work for one job kind. Implementations must
// call the reporter between internal steps so polling clients see live
// progress and cancellation requests are honoured.
type Executor interface {
	Kind() models.JobKind
	Execute(ctx context.Context, job *models.Job, rep Reporter) (json.RawMessage, error)
}

// Reporter pushes progress, stage and log lines from a running executor back
// into the job record.
type Reporter interface {
	// Progress persists percent/stage. It returns ErrCanceled when the job
	// has been flagged for cancellation; the executor must then return.
	Progress(ctx context.Context, percent int, stage string) error
	Log(ctx context.Context, level, message string)
}

// TaskError classifies an executor failure. Transient failures are eligible
// for automatic retry by the dispatcher; permanent ones stay failed until a
// client retries explicitly.
type TaskError struct {
	Err       error
	Transient bool
}

func (e *TaskError) Error() string {
	return e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Transientf builds a transient TaskError.
func Transientf(format string, args ...any) *TaskError {
	return &TaskError{Err: fmt.Errorf(format, args...), Transient: true}
}

// Permanentf builds a permanent TaskError.
func Permanentf(format string, args ...any) *TaskError {
	return &TaskError{Err: fmt.Errorf(format, args...), Transient: false}
}

// IsTransient reports whether err carries a transient classification.
func IsTransient(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Transient
}
