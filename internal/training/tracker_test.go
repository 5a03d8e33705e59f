package training

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validConfig() Config {
	return Config{TaskName: "mnist", Epochs: 3, BatchSize: 128, LearningRate: 0.001}
}

// fakeTrainer reports the progress steps pushed on stepCh, then returns.
// started closes once Train is entered, release gates its return.
type fakeTrainer struct {
	started   chan struct{}
	startOnce sync.Once
	release   chan struct{}
	stepCh    chan Progress
	artifact  string
	err       error
}

func newFakeTrainer() *fakeTrainer {
	return &fakeTrainer{
		started:  make(chan struct{}),
		release:  make(chan struct{}),
		stepCh:   make(chan Progress, 8),
		artifact: "models/trained.onnx",
	}
}

func (f *fakeTrainer) Train(_ context.Context, _ Config, report func(Progress)) (string, error) {
	f.startOnce.Do(func() { close(f.started) })
	for p := range f.stepCh {
		report(p)
	}
	<-f.release
	return f.artifact, f.err
}

type fakeRegistrar struct {
	path string
	name string
	meta map[string]any
	id   int
	err  error
}

func (f *fakeRegistrar) RegisterTrained(path, name string, meta map[string]any) (int, error) {
	f.path, f.name, f.meta = path, name, meta
	return f.id, f.err
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", validConfig(), true},
		{"zero epochs", Config{Epochs: 0, BatchSize: 128, LearningRate: 0.001}, false},
		{"negative batch size", Config{Epochs: 3, BatchSize: -1, LearningRate: 0.001}, false},
		{"zero learning rate", Config{Epochs: 3, BatchSize: 128, LearningRate: 0}, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tracker := New(newFakeTrainer(), &fakeRegistrar{id: 2}, discardLogger())
	_, err := tracker.Start(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.False(t, tracker.Status().IsTraining, "a rejected start leaves the record idle")
}

func TestStatusTracksProgress(t *testing.T) {
	t.Parallel()

	trainer := newFakeTrainer()
	registrar := &fakeRegistrar{id: 2}
	tracker := New(trainer, registrar, discardLogger())

	done := make(chan RunResult, 1)
	tracker.OnComplete = func(res RunResult) { done <- res }

	runID, err := tracker.Start(validConfig())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	<-trainer.started
	st := tracker.Status()
	assert.True(t, st.IsTraining)
	assert.Equal(t, 3, st.TotalEpochs)
	assert.Zero(t, st.CurrentEpoch)
	assert.False(t, st.StartTime.IsZero())

	trainer.stepCh <- Progress{Epoch: 1, Loss: 0.9, Accuracy: 0.4}
	require.Eventually(t, func() bool {
		return tracker.Status().CurrentEpoch == 1
	}, time.Second, time.Millisecond)

	trainer.stepCh <- Progress{Epoch: 2, Loss: 0.3, Accuracy: 0.8}
	require.Eventually(t, func() bool {
		return tracker.Status().CurrentEpoch == 2
	}, time.Second, time.Millisecond)

	st = tracker.Status()
	assert.True(t, st.IsTraining)
	assert.InDelta(t, 0.3, st.CurrentLoss, 1e-9)
	assert.InDelta(t, 0.8, st.CurrentAccuracy, 1e-9)

	close(trainer.stepCh)
	close(trainer.release)

	select {
	case res := <-done:
		assert.Equal(t, runID, res.RunID)
		assert.NoError(t, res.Err)
		assert.Equal(t, "models/trained.onnx", res.ArtifactPath)
		assert.Equal(t, 2, res.ModelID)
	case <-time.After(time.Second):
		t.Fatal("run never completed")
	}

	st = tracker.Status()
	assert.False(t, st.IsTraining)
	assert.Equal(t, 2, st.CurrentEpoch, "last reported epoch survives completion")

	assert.Equal(t, "models/trained.onnx", registrar.path)
	assert.Equal(t, "mnist", registrar.name)
	assert.Equal(t, runID, registrar.meta["run_id"])
	assert.Equal(t, 3, registrar.meta["epochs"])
}

func TestStartRejectsOverlappingRun(t *testing.T) {
	t.Parallel()

	trainer := newFakeTrainer()
	tracker := New(trainer, &fakeRegistrar{id: 2}, discardLogger())

	done := make(chan RunResult, 1)
	tracker.OnComplete = func(res RunResult) { done <- res }

	_, err := tracker.Start(validConfig())
	require.NoError(t, err)
	<-trainer.started

	_, err = tracker.Start(validConfig())
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	close(trainer.stepCh)
	close(trainer.release)
	<-done

	// Once the first run drains, a new one is accepted.
	second := newFakeTrainer()
	tracker2 := New(second, &fakeRegistrar{id: 2}, discardLogger())
	_, err = tracker2.Start(validConfig())
	require.NoError(t, err)
	close(second.stepCh)
	close(second.release)
}

func TestFailedRunSkipsRegistration(t *testing.T) {
	t.Parallel()

	trainer := newFakeTrainer()
	trainer.err = errors.New("gpu on fire")
	registrar := &fakeRegistrar{id: 2}
	tracker := New(trainer, registrar, discardLogger())

	done := make(chan RunResult, 1)
	tracker.OnComplete = func(res RunResult) { done <- res }

	_, err := tracker.Start(validConfig())
	require.NoError(t, err)
	<-trainer.started
	close(trainer.stepCh)
	close(trainer.release)

	res := <-done
	assert.ErrorContains(t, res.Err, "gpu on fire")
	assert.Zero(t, res.ModelID)
	assert.Empty(t, registrar.path, "failed runs never reach the registrar")

	assert.False(t, tracker.Status().IsTraining)

	// The slot frees up even after a failure.
	_, err = tracker.Start(validConfig())
	require.NoError(t, err)
}

func TestRegistrationFailureSurfacesInResult(t *testing.T) {
	t.Parallel()

	trainer := newFakeTrainer()
	registrar := &fakeRegistrar{err: errors.New("artifact unreadable")}
	tracker := New(trainer, registrar, discardLogger())

	done := make(chan RunResult, 1)
	tracker.OnComplete = func(res RunResult) { done <- res }

	_, err := tracker.Start(validConfig())
	require.NoError(t, err)
	<-trainer.started
	close(trainer.stepCh)
	close(trainer.release)

	res := <-done
	assert.ErrorContains(t, res.Err, "artifact unreadable")
	assert.Equal(t, "models/trained.onnx", res.ArtifactPath)
}

// instantTrainer completes without blocking.
type instantTrainer struct{}

func (instantTrainer) Train(context.Context, Config, func(Progress)) (string, error) {
	return "models/trained.onnx", nil
}

func TestSlotReleasedBeforeCompletionHook(t *testing.T) {
	t.Parallel()

	tracker := New(instantTrainer{}, &fakeRegistrar{id: 2}, discardLogger())

	// Restart from inside the completion hook itself: the slot must already
	// be free by the time the hook observes the run as finished.
	errCh := make(chan error, 1)
	var restarted atomic.Bool
	tracker.OnComplete = func(RunResult) {
		if restarted.CompareAndSwap(false, true) {
			_, err := tracker.Start(validConfig())
			errCh <- err
		}
	}

	_, err := tracker.Start(validConfig())
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("completion hook never ran")
	}
}

func TestEstimateDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 10*time.Minute, EstimateDuration(10))
	assert.Equal(t, time.Minute, EstimateDuration(1))
}
