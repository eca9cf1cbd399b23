package task

import (
	"context"
	"encoding/json"

	"github.com/avolkov/forecastq/internal/engine"
	"github.com/avolkov/forecastq/internal/queue"
	"github.com/avolkov/forecastq/pkg/models"
)

// AnalysisExecutor runs time-series diagnostics (trend, seasonality,
// stationarity) over a dataset.
type AnalysisExecutor struct {
	engine engine.Client
}

func NewAnalysisExecutor(e engine.Client) *AnalysisExecutor {
	return &AnalysisExecutor{engine: e}
}

func (e *AnalysisExecutor) Kind() models.JobKind { return models.JobKindAnalysis }

func (e *AnalysisExecutor) Execute(ctx context.Context, job *models.Job, rep queue.Reporter) (json.RawMessage, error) {
	var p struct {
		DatasetID string `json:"dataset_id"`
	}
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return nil, queue.Permanentf("invalid analysis params: %v", err)
	}
	if p.DatasetID == "" {
		return nil, queue.Permanentf("analysis params: dataset_id is required")
	}

	if err := rep.Progress(ctx, 10, "preparing data"); err != nil {
		return nil, err
	}

	if err := rep.Progress(ctx, 40, "analyzing series"); err != nil {
		return nil, err
	}
	result, err := e.engine.Analyze(ctx, job.Params)
	if err != nil {
		return nil, classifyEngineErr(err)
	}

	if err := rep.Progress(ctx, 95, "collecting results"); err != nil {
		return nil, err
	}
	return result, nil
}

var _ queue.Executor = (*AnalysisExecutor)(nil)
