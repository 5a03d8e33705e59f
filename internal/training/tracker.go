// Package training tracks the state of a long-running, single-flight
// training run so status queries never block on or interfere with the job.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTrainingInProgress rejects a second run while one is in flight.
	ErrTrainingInProgress = errors.New("training: a run is already in progress")

	// ErrInvalidConfig marks a training configuration rejected before any
	// background work starts.
	ErrInvalidConfig = errors.New("training: invalid configuration")
)

// Config carries the user-supplied training parameters.
type Config struct {
	TaskName     string  `json:"task_name"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
}

// Validate returns the first problem found: the three numeric fields are
// required and must be positive.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be a positive integer", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be a positive integer", ErrInvalidConfig)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be a positive number", ErrInvalidConfig)
	}
	return nil
}

// Status is the polled view of the current (or last) run. Exactly one
// logical record exists per tracker; starting a new run overwrites it.
type Status struct {
	IsTraining      bool      `json:"is_training"`
	CurrentEpoch    int       `json:"current_epoch"`
	TotalEpochs     int       `json:"total_epochs"`
	CurrentLoss     float64   `json:"current_loss"`
	CurrentAccuracy float64   `json:"current_accuracy"`
	StartTime       time.Time `json:"start_time,omitzero"`
}

// Progress is one epoch's worth of metrics reported by a Trainer.
type Progress struct {
	Epoch    int
	Loss     float64
	Accuracy float64
}

// Trainer executes the actual epochs and returns the path of the produced
// model artifact. The loop itself lives outside this package; the tracker
// only owns its status.
type Trainer interface {
	Train(ctx context.Context, cfg Config, report func(Progress)) (artifactPath string, err error)
}

// Registrar receives the finished artifact. Satisfied by registry.Registry.
type Registrar interface {
	RegisterTrained(path, name string, meta map[string]any) (int, error)
}

// RunResult summarizes one completed (or failed) run for completion hooks.
type RunResult struct {
	RunID        string
	Config       Config
	ArtifactPath string
	ModelID      int
	Err          error
}

// Tracker owns the run-status record. The running goroutine has exclusive
// write access to an atomically swapped snapshot; readers always get an
// immutable copy, so polling never locks against an epoch boundary.
type Tracker struct {
	status  atomic.Pointer[Status]
	running atomic.Bool

	trainer   Trainer
	registrar Registrar
	log       *slog.Logger

	// OnComplete, when set before the first Start, is invoked after every
	// run with its outcome. Runs on the training goroutine.
	OnComplete func(RunResult)
}

// New creates an idle tracker.
func New(trainer Trainer, registrar Registrar, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{trainer: trainer, registrar: registrar, log: log}
	t.status.Store(&Status{})
	return t
}

// Status returns a copy of the current record. Safe to call at any point,
// including mid-epoch, and never blocks on the training computation.
func (t *Tracker) Status() Status {
	return *t.status.Load()
}

// EstimateDuration is the rough completion estimate reported to the caller
// that triggered the run: one minute per epoch.
func EstimateDuration(epochs int) time.Duration {
	return time.Duration(epochs) * time.Minute
}

// Start validates cfg and launches the run on its own goroutine, returning
// immediately with the run id. Overlapping runs are rejected rather than
// allowed to race on the shared status record and artifact paths.
func (t *Tracker) Start(cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if !t.running.CompareAndSwap(false, true) {
		return "", ErrTrainingInProgress
	}

	runID := uuid.NewString()
	t.status.Store(&Status{
		IsTraining:  true,
		TotalEpochs: cfg.Epochs,
		StartTime:   time.Now(),
	})

	go t.run(runID, cfg)
	return runID, nil
}

func (t *Tracker) run(runID string, cfg Config) {
	t.log.Info("training run started",
		"run_id", runID, "task", cfg.TaskName, "epochs", cfg.Epochs,
		"batch_size", cfg.BatchSize, "learning_rate", cfg.LearningRate)

	artifact, err := t.trainer.Train(context.Background(), cfg, func(p Progress) {
		snapshot := *t.status.Load()
		snapshot.CurrentEpoch = p.Epoch
		snapshot.CurrentLoss = p.Loss
		snapshot.CurrentAccuracy = p.Accuracy
		t.status.Store(&snapshot)
	})

	result := RunResult{RunID: runID, Config: cfg, ArtifactPath: artifact, Err: err}
	if err != nil {
		t.log.Error("training run failed", "run_id", runID, "error", err)
	} else if t.registrar != nil {
		result.ModelID, result.Err = t.registrar.RegisterTrained(artifact, cfg.TaskName, map[string]any{
			"run_id":        runID,
			"epochs":        cfg.Epochs,
			"batch_size":    cfg.BatchSize,
			"learning_rate": cfg.LearningRate,
		})
		if result.Err != nil {
			t.log.Error("registering trained model failed", "run_id", runID, "error", result.Err)
		} else {
			t.log.Info("training run complete",
				"run_id", runID, "artifact", artifact, "model_id", result.ModelID)
		}
	}

	final := *t.status.Load()
	final.IsTraining = false
	t.status.Store(&final)

	// Release the slot before signalling completion, so a hook that starts
	// the next run immediately is never told one is still in flight.
	t.running.Store(false)

	if t.OnComplete != nil {
		t.OnComplete(result)
	}
}
