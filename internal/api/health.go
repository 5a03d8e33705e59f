package api

import (
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
)

const serviceVersion = "1.0.0"

type componentCheck struct {
	Status string         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// handleHealth aggregates per-component checks into one overall status.
// Anything in error makes the service unhealthy; warnings degrade it. Both
// non-healthy states answer 503 so load balancers stop routing.
func (c *Controller) handleHealth(ctx echo.Context) error {
	checks := map[string]componentCheck{}

	summary := c.opts.Recognizer.ListModels()
	checks["models"] = componentCheck{
		Status: "ok",
		Detail: map[string]any{
			"loaded_models": summary.TotalModels,
			"active_model":  summary.ActiveModelID,
		},
	}

	if c.opts.DS != nil {
		if err := c.opts.DS.Ping(); err != nil {
			checks["database"] = componentCheck{Status: "error", Error: err.Error()}
		} else {
			checks["database"] = componentCheck{Status: "ok"}
		}
	}

	fsCheck := componentCheck{Status: "ok", Detail: map[string]any{}}
	if c.opts.ModelDir != "" {
		_, err := os.Stat(c.opts.ModelDir)
		fsCheck.Detail["model_directory"] = err == nil
		if err != nil {
			fsCheck.Status = "warning"
		}
	}
	checks["filesystem"] = fsCheck

	overall := "healthy"
	for _, check := range checks {
		switch check.Status {
		case "error":
			overall = "unhealthy"
		case "warning":
			if overall == "healthy" {
				overall = "degraded"
			}
		}
	}

	code := http.StatusOK
	if overall != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return ctx.JSON(code, map[string]any{
		"status":    overall,
		"timestamp": time.Now().Unix(),
		"service":   "digitserver",
		"version":   serviceVersion,
		"uptime_s":  int(time.Since(c.started).Seconds()),
		"checks":    checks,
	})
}

// handlePing is the minimal liveness probe.
func (c *Controller) handlePing(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"message":   "pong",
		"timestamp": time.Now().Unix(),
	})
}
