package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avolkov/forecastq/internal/engine"
	"github.com/avolkov/forecastq/internal/queue"
	"github.com/avolkov/forecastq/pkg/models"
)

// TrainingExecutor fits a forecasting model on an uploaded dataset.
type TrainingExecutor struct {
	engine engine.Client
}

func NewTrainingExecutor(e engine.Client) *TrainingExecutor {
	return &TrainingExecutor{engine: e}
}

func (e *TrainingExecutor) Kind() models.JobKind { return models.JobKindTraining }

func (e *TrainingExecutor) Execute(ctx context.Context, job *models.Job, rep queue.Reporter) (json.RawMessage, error) {
	var p struct {
		DatasetID string `json:"dataset_id"`
	}
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return nil, queue.Permanentf("invalid training params: %v", err)
	}
	if p.DatasetID == "" {
		return nil, queue.Permanentf("training params: dataset_id is required")
	}

	if err := rep.Progress(ctx, 5, "preparing data"); err != nil {
		return nil, err
	}
	rep.Log(ctx, models.LogLevelInfo, fmt.Sprintf("training on dataset %s", p.DatasetID))

	if err := rep.Progress(ctx, 20, "fitting model"); err != nil {
		return nil, err
	}
	result, err := e.engine.Train(ctx, job.Params)
	if err != nil {
		return nil, classifyEngineErr(err)
	}

	if err := rep.Progress(ctx, 90, "saving model"); err != nil {
		return nil, err
	}
	rep.Log(ctx, models.LogLevelInfo, "model training finished")
	return result, nil
}

var _ queue.Executor = (*TrainingExecutor)(nil)
