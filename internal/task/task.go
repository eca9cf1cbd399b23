// Package task holds the executors for each job kind. Executors validate
// their own params schema, step progress through named stages and delegate
// the heavy lifting to the forecasting engine.
package task

import (
	"errors"

	"github.com/avolkov/forecastq/internal/engine"
	"github.com/avolkov/forecastq/internal/queue"
)

// classifyEngineErr maps an engine failure to a retry classification:
// connectivity problems are worth retrying, a rejection is not.
func classifyEngineErr(err error) error {
	if errors.Is(err, engine.ErrEngineUnreachable) || errors.Is(err, engine.ErrEngineTimeout) {
		return queue.Transientf("engine call failed: %v", err)
	}
	return queue.Permanentf("engine call failed: %v", err)
}
