package api

import "github.com/labstack/echo/v4"

// handleListModels returns the registry summary: total count, active id and
// per-model metadata.
func (c *Controller) handleListModels(ctx echo.Context) error {
	return ok(ctx, c.opts.Recognizer.ListModels())
}
