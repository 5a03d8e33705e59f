package registry

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihdrs/digitserver/internal/tensor"
)

// stubSession records every shape it is invoked with.
type stubSession struct {
	mu     sync.Mutex
	shapes [][]int
	out    []float32
	err    error
	closed bool
}

func (s *stubSession) Invoke(t *tensor.Tensor) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	s.shapes = append(s.shapes, shape)
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func (s *stubSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubSession) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shapes)
}

func (s *stubSession) lastShape() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.shapes) == 0 {
		return nil
	}
	return s.shapes[len(s.shapes)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRegistry builds a registry whose factory hands out the given stub
// for every artifact path.
func newTestRegistry(t *testing.T, session *stubSession, declaredShape []int64) *Registry {
	t.Helper()
	r := New(Options{
		ModelDir:         t.TempDir(),
		DefaultModelName: "default.onnx",
		Logger:           discardLogger(),
	})
	r.factory = func(path string) (invoker, []int64, error) {
		return session, declaredShape, nil
	}
	return r
}

func touchDefaultModel(t *testing.T, r *Registry) {
	t.Helper()
	require.NoError(t, os.WriteFile(r.DefaultModelPath(), []byte("stub"), 0o644))
}

func uniformProbs() []float32 {
	out := make([]float32, 10)
	out[7] = 0.95
	return out
}

func TestClassifyShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dims []int64
		want InputType
	}{
		{"bare 784 vector", []int64{784}, InputTypeFlatVector},
		{"batched 784 vector", []int64{1, 784}, InputTypeFlatVector},
		{"dynamic batch vector", []int64{-1, 784}, InputTypeFlatVector},
		{"nhwc volume", []int64{1, 28, 28, 1}, InputTypeTensorCHW},
		{"dynamic batch volume", []int64{-1, 28, 28, 1}, InputTypeTensorCHW},
		{"two axis non-784", []int64{1, 100}, InputTypeUnknown},
		{"bare grid", []int64{28, 28}, InputTypeUnknown},
		{"empty", nil, InputTypeUnknown},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, classifyShape(tc.dims))
		})
	}
}

func TestLoadDefaultMissingArtifact(t *testing.T) {
	t.Parallel()

	session := &stubSession{out: uniformProbs()}
	r := newTestRegistry(t, session, []int64{1, 784})

	assert.False(t, r.LoadDefault())
	assert.Zero(t, r.ActiveModelID())
	assert.Zero(t, session.calls())
}

func TestLoadDefaultWarmsUp(t *testing.T) {
	t.Parallel()

	session := &stubSession{out: uniformProbs()}
	r := newTestRegistry(t, session, []int64{1, 784})
	touchDefaultModel(t, r)

	require.True(t, r.LoadDefault())
	assert.Equal(t, DefaultModelID, r.ActiveModelID())
	assert.Equal(t, 3, session.calls(), "warm-up issues exactly three throwaway predictions")
	assert.Equal(t, []int{784}, session.lastShape())

	summary := r.ListModels()
	assert.Equal(t, 1, summary.TotalModels)
	assert.Equal(t, DefaultModelID, summary.ActiveModelID)
	require.Len(t, summary.Models, 1)
	assert.True(t, summary.Models[0].IsActive)
	assert.Equal(t, InputTypeFlatVector, summary.Models[0].InputType)
}

func TestWarmUpFailureDoesNotFailLoad(t *testing.T) {
	t.Parallel()

	session := &stubSession{err: errors.New("kernel compile blew up")}
	r := newTestRegistry(t, session, []int64{1, 784})
	touchDefaultModel(t, r)

	assert.True(t, r.LoadDefault())
	assert.Equal(t, DefaultModelID, r.ActiveModelID())
}

func TestPredictReshapesForFlatVector(t *testing.T) {
	t.Parallel()

	session := &stubSession{out: uniformProbs()}
	r := newTestRegistry(t, session, []int64{1, 784})
	touchDefaultModel(t, r)
	require.True(t, r.LoadDefault())

	result, err := r.Predict(tensor.New(28, 28), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{784}, session.lastShape())
	assert.Equal(t, 7, result.Digit)
	assert.Equal(t, float32(0.95), result.Confidence)
	assert.Equal(t, DefaultModelID, result.ModelID)
	assert.Equal(t, InputTypeFlatVector, result.InputType)
}

func TestPredictReshapesForTensorCHW(t *testing.T) {
	t.Parallel()

	session := &stubSession{out: uniformProbs()}
	r := newTestRegistry(t, session, []int64{-1, 28, 28, 1})
	touchDefaultModel(t, r)
	require.True(t, r.LoadDefault())

	_, err := r.Predict(tensor.New(28, 28), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 28, 28, 1}, session.lastShape())

	// Already-batched input passes through unchanged.
	_, err = r.Predict(tensor.New(1, 28, 28, 1), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 28, 28, 1}, session.lastShape())
}

func TestPredictShapeMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		dims  []int64
		input *tensor.Tensor
	}{
		{"flat model, undersized grid", []int64{1, 784}, tensor.New(10, 10)},
		{"volume model, undersized grid", []int64{1, 28, 28, 1}, tensor.New(10, 10)},
		{"volume model, rank-1 input", []int64{1, 28, 28, 1}, tensor.New(784)},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			session := &stubSession{out: uniformProbs()}
			r := newTestRegistry(t, session, tc.dims)
			touchDefaultModel(t, r)
			require.True(t, r.LoadDefault())

			_, err := r.Predict(tc.input, 0)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestPredictModelUnavailable(t *testing.T) {
	t.Parallel()

	session := &stubSession{out: uniformProbs()}
	r := newTestRegistry(t, session, []int64{1, 784})

	_, err := r.Predict(tensor.New(28, 28), 0)
	assert.ErrorIs(t, err, ErrModelUnavailable)

	touchDefaultModel(t, r)
	require.True(t, r.LoadDefault())
	_, err = r.Predict(tensor.New(28, 28), 42)
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestPredictBreaksTiesLow(t *testing.T) {
	t.Parallel()

	session := &stubSession{out: []float32{0.1, 0.45, 0.45, 0.0}}
	r := newTestRegistry(t, session, []int64{1, 784})
	touchDefaultModel(t, r)
	require.True(t, r.LoadDefault())

	result, err := r.Predict(tensor.New(28, 28), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Digit)
}

func TestRegisterTrainedIDAssignment(t *testing.T) {
	t.Parallel()

	t.Run("empty registry starts at two", func(t *testing.T) {
		t.Parallel()
		session := &stubSession{out: uniformProbs()}
		r := newTestRegistry(t, session, []int64{1, 784})

		id, err := r.RegisterTrained(filepath.Join(t.TempDir(), "m.onnx"), "Trained", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, id)
	})

	t.Run("increments past existing entries", func(t *testing.T) {
		t.Parallel()
		session := &stubSession{out: uniformProbs()}
		r := newTestRegistry(t, session, []int64{1, 784})
		touchDefaultModel(t, r)
		require.True(t, r.LoadDefault())

		first, err := r.RegisterTrained(filepath.Join(t.TempDir(), "a.onnx"), "A", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, first)

		second, err := r.RegisterTrained(filepath.Join(t.TempDir(), "b.onnx"), "B", nil)
		require.NoError(t, err)
		assert.Equal(t, 3, second)

		// Registration never steals the active pointer.
		assert.Equal(t, DefaultModelID, r.ActiveModelID())
	})
}

func TestReshapeIsPure(t *testing.T) {
	t.Parallel()

	in := tensor.New(28, 28)
	out, err := reshape(InputTypeFlatVector, in)
	require.NoError(t, err)
	assert.Equal(t, []int{28, 28}, in.Shape, "input tensor shape is not mutated")
	assert.Equal(t, []int{784}, out.Shape)
}
