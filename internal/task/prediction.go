package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avolkov/forecastq/internal/engine"
	"github.com/avolkov/forecastq/internal/queue"
	"github.com/avolkov/forecastq/pkg/models"
)

// PredictionExecutor produces a forecast from a previously trained model.
type PredictionExecutor struct {
	engine engine.Client
}

func NewPredictionExecutor(e engine.Client) *PredictionExecutor {
	return &PredictionExecutor{engine: e}
}

func (e *PredictionExecutor) Kind() models.JobKind { return models.JobKindPrediction }

func (e *PredictionExecutor) Execute(ctx context.Context, job *models.Job, rep queue.Reporter) (json.RawMessage, error) {
	var p struct {
		ModelID string `json:"model_id"`
	}
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return nil, queue.Permanentf("invalid prediction params: %v", err)
	}
	if p.ModelID == "" {
		return nil, queue.Permanentf("prediction params: model_id is required")
	}

	if err := rep.Progress(ctx, 10, "loading model"); err != nil {
		return nil, err
	}
	rep.Log(ctx, models.LogLevelInfo, fmt.Sprintf("predicting with model %s", p.ModelID))

	if err := rep.Progress(ctx, 40, "generating forecast"); err != nil {
		return nil, err
	}
	result, err := e.engine.Predict(ctx, job.Params)
	if err != nil {
		return nil, classifyEngineErr(err)
	}

	if err := rep.Progress(ctx, 95, "collecting results"); err != nil {
		return nil, err
	}
	return result, nil
}

var _ queue.Executor = (*PredictionExecutor)(nil)
