package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ihdrs/digitserver/internal/datastore"
	"github.com/ihdrs/digitserver/internal/training"
)

// handleTrain validates the training parameters and launches the run in the
// background. The response reports only an estimated duration; completion is
// observed by polling /api/train/status.
func (c *Controller) handleTrain(ctx echo.Context) error {
	var cfg training.Config
	if err := ctx.Bind(&cfg); err != nil {
		return fail(ctx, http.StatusBadRequest, "request body must be a JSON object")
	}
	if cfg.TaskName == "" {
		cfg.TaskName = "unnamed"
	}

	runID, err := c.opts.Training.Start(cfg)
	switch {
	case errors.Is(err, training.ErrInvalidConfig):
		return fail(ctx, http.StatusBadRequest, err.Error())
	case errors.Is(err, training.ErrTrainingInProgress):
		return fail(ctx, http.StatusConflict, "a training run is already in progress")
	case err != nil:
		c.log.Error("starting training failed", "error", err)
		return fail(ctx, http.StatusInternalServerError, "failed to start training")
	}

	if c.opts.DS != nil {
		task := &datastore.TrainingTask{
			RunID:        runID,
			TaskName:     cfg.TaskName,
			Epochs:       cfg.Epochs,
			BatchSize:    cfg.BatchSize,
			LearningRate: cfg.LearningRate,
			Status:       datastore.TaskStatusRunning,
		}
		if err := c.opts.DS.CreateTrainingTask(task); err != nil {
			c.log.Error("persisting training task failed", "run_id", runID, "error", err)
		}
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.TrainingRunsTotal.WithLabelValues("started").Inc()
	}

	return ok(ctx, map[string]any{
		"task_name":      cfg.TaskName,
		"run_id":         runID,
		"estimated_time": int(training.EstimateDuration(cfg.Epochs).Seconds()),
	})
}

// handleTrainStatus returns a snapshot of the current run.
func (c *Controller) handleTrainStatus(ctx echo.Context) error {
	return ok(ctx, c.opts.Training.Status())
}
