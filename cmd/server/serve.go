package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ihdrs/digitserver/internal/api"
	"github.com/ihdrs/digitserver/internal/conf"
	"github.com/ihdrs/digitserver/internal/datastore"
	"github.com/ihdrs/digitserver/internal/logging"
	"github.com/ihdrs/digitserver/internal/observability"
	"github.com/ihdrs/digitserver/internal/registry"
	"github.com/ihdrs/digitserver/internal/training"
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP recognition service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	cmd.Flags().String("host", "0.0.0.0", "Listen address")
	cmd.Flags().Int("port", 5000, "Listen port")
	cmd.Flags().String("models", "models", "Model artifact directory")
	_ = viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("paths.models", cmd.Flags().Lookup("models"))

	return cmd
}

func runServe() error {
	settings, err := conf.Load()
	if err != nil {
		return err
	}

	if settings.Log.File != "" {
		closeLog, err := logging.InitFile(settings.Log.File, settings.Log.Level)
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()
	} else {
		logging.Init(settings.Log.Level)
	}
	log := logging.ForService("server")

	var metrics *observability.Metrics
	if settings.Metrics.Enabled {
		metrics = observability.New()
	}

	var store datastore.Interface
	sqlStore := datastore.New(settings.Database.Path)
	if err := sqlStore.Open(); err != nil {
		log.Error("opening datastore failed, persistence disabled", "error", err)
	} else {
		store = sqlStore
		defer func() { _ = sqlStore.Close() }()
	}

	reg := registry.New(registry.Options{
		ModelDir:         settings.Paths.Models,
		DefaultModelName: settings.Model.DefaultName,
		ONNXLibraryPath:  settings.Model.ONNXLibrary,
		Logger:           logging.ForService("registry"),
	})
	defer reg.Close()

	if reg.LoadDefault() {
		if metrics != nil {
			metrics.ModelsLoaded.Set(float64(reg.ListModels().TotalModels))
		}
	} else {
		log.Warn("no default model loaded, serving deferred until first training")
	}

	trainer := &training.ExecTrainer{
		Command: settings.Training.Command,
		Logger:  logging.ForService("trainer"),
	}
	tracker := training.New(trainer, reg, logging.ForService("training"))
	tracker.OnComplete = func(res training.RunResult) {
		outcome := datastore.TaskCompletion{
			Status:       datastore.TaskStatusCompleted,
			ArtifactPath: res.ArtifactPath,
			ModelID:      res.ModelID,
		}
		if res.Err != nil {
			outcome.Status = datastore.TaskStatusFailed
			outcome.Error = res.Err.Error()
		}
		if store != nil {
			if err := store.CompleteTrainingTask(res.RunID, outcome); err != nil {
				log.Error("recording training outcome failed", "run_id", res.RunID, "error", err)
			}
		}
		if metrics != nil {
			metrics.TrainingRunsTotal.WithLabelValues(outcome.Status).Inc()
			metrics.ModelsLoaded.Set(float64(reg.ListModels().TotalModels))
		}
	}

	ctrl := api.New(api.Options{
		Recognizer:   reg,
		Training:     tracker,
		DS:           store,
		Metrics:      metrics,
		Logger:       logging.ForService("api"),
		MaxImageSize: settings.Image.MaxSize,
		CacheTTL:     time.Duration(settings.Recognition.CacheTTLSeconds) * time.Second,
		ModelDir:     settings.Paths.Models,
		UploadDir:    settings.Paths.Uploads,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.Start(settings.Addr())
	}()
	log.Info("server started", "addr", settings.Addr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ctrl.Shutdown(ctx)
	}
}
