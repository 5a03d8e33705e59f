// Package api wires the recognition, training and health endpoints onto an
// echo server. It is thin glue: all real work happens in preprocess,
// registry and training.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	"github.com/ihdrs/digitserver/internal/datastore"
	"github.com/ihdrs/digitserver/internal/observability"
	"github.com/ihdrs/digitserver/internal/registry"
	"github.com/ihdrs/digitserver/internal/tensor"
	"github.com/ihdrs/digitserver/internal/training"
)

// Recognizer is the prediction surface the API needs from the registry.
type Recognizer interface {
	Predict(t *tensor.Tensor, modelID int) (*registry.Result, error)
	ListModels() registry.Summary
	ActiveModelID() int
}

// TrainingManager is the run-control surface the API needs from the tracker.
type TrainingManager interface {
	Start(cfg training.Config) (string, error)
	Status() training.Status
}

// Options configures a Controller. DS and Metrics may be nil, in which case
// persistence and instrumentation are skipped.
type Options struct {
	Recognizer   Recognizer
	Training     TrainingManager
	DS           datastore.Interface
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	MaxImageSize int
	CacheTTL     time.Duration
	ModelDir     string
	// UploadDir, when set, receives a copy of every accepted multipart
	// upload for later inspection and retraining datasets.
	UploadDir string
}

// Controller holds the route handlers and their collaborators.
type Controller struct {
	echo    *echo.Echo
	opts    Options
	log     *slog.Logger
	results *cache.Cache
	started time.Time
}

// New builds the echo server with all routes registered.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		echo:    echo.New(),
		opts:    opts,
		log:     log,
		started: time.Now(),
	}
	if opts.CacheTTL > 0 {
		c.results = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}

	c.echo.HideBanner = true
	c.echo.Use(middleware.Recover())
	c.echo.Use(middleware.CORS())

	g := c.echo.Group("/api")
	g.POST("/recognize", c.handleRecognize)
	g.POST("/recognize/image", c.handleRecognizeImage)
	g.POST("/recognize/segments", c.handleRecognizeSegments)
	g.GET("/recognitions", c.handleRecentRecognitions)
	g.GET("/models", c.handleListModels)
	g.POST("/train", c.handleTrain)
	g.GET("/train/status", c.handleTrainStatus)

	c.echo.GET("/health", c.handleHealth)
	c.echo.GET("/ping", c.handlePing)
	if opts.Metrics != nil {
		c.echo.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}

	return c
}

// Echo exposes the underlying server, mainly for tests.
func (c *Controller) Echo() *echo.Echo { return c.echo }

// Start blocks serving on addr until Shutdown.
func (c *Controller) Start(addr string) error {
	return c.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.echo.Shutdown(ctx)
}

// ok writes the success envelope the frontend expects.
func ok(ctx echo.Context, data any) error {
	return ctx.JSON(http.StatusOK, map[string]any{"status": "success", "data": data})
}

// fail writes the error envelope.
func fail(ctx echo.Context, code int, message string) error {
	return ctx.JSON(code, map[string]any{"status": "error", "message": message})
}
