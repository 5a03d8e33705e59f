// Package registry owns the loaded digit models: it detects each model's
// expected input layout, keeps the default model warm, and dispatches
// predictions with automatic tensor reshaping so dense-only and
// convolutional models serve behind one contract.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ihdrs/digitserver/internal/tensor"
)

const (
	// DefaultModelID is the well-known id of the model loaded at startup.
	DefaultModelID = 1
	// firstTrainedID is the id assigned to the first trained model, even
	// when the registry is empty; id 1 stays reserved for the default.
	firstTrainedID = 2

	flatInputLen = 784
	warmupRuns   = 3
)

// Options configures a Registry.
type Options struct {
	// ModelDir is the directory holding model artifacts.
	ModelDir string
	// DefaultModelName is the file name of the default model inside ModelDir.
	DefaultModelName string
	// ONNXLibraryPath optionally points at the onnxruntime shared library.
	ONNXLibraryPath string
	// Logger receives structured load/predict diagnostics. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger
}

type entry struct {
	id        int
	session   invoker
	inputType InputType
	meta      Metadata
}

// Registry maps integer ids to loaded models plus a single active-id
// pointer. Entries are read-mostly: the RWMutex is held only across map and
// pointer access, never across a forward pass.
type Registry struct {
	mu       sync.RWMutex
	entries  map[int]*entry
	activeID int

	opts    Options
	factory sessionFactory
	log     *slog.Logger

	closeEnv atomic.Bool
}

// New creates an empty registry. Models are added by LoadDefault and
// RegisterTrained; there is no eviction.
func New(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		entries: make(map[int]*entry),
		opts:    opts,
		log:     log,
	}
	r.factory = func(path string) (invoker, []int64, error) {
		if err := ensureEnvironment(opts.ONNXLibraryPath); err != nil {
			return nil, nil, fmt.Errorf("initializing onnxruntime: %w", err)
		}
		r.closeEnv.Store(true)
		return newORTSession(path)
	}
	return r
}

// DefaultModelPath returns the configured default artifact location.
func (r *Registry) DefaultModelPath() string {
	return filepath.Join(r.opts.ModelDir, r.opts.DefaultModelName)
}

// LoadDefault loads the configured default model, registers it under
// DefaultModelID, makes it active and warms it up. A missing artifact is not
// fatal: the registry stays empty and serving is deferred until a model is
// trained. The return value reports whether a model is now loaded.
func (r *Registry) LoadDefault() bool {
	path := r.DefaultModelPath()
	if _, err := os.Stat(path); err != nil {
		r.log.Warn("default model artifact not found", "path", path)
		return false
	}

	e, err := r.open(path, Metadata{Name: "DefaultModel", Version: "v1.0.0"})
	if err != nil {
		r.log.Error("loading default model failed", "path", path, "error", err)
		return false
	}
	e.id = DefaultModelID

	r.mu.Lock()
	r.entries[DefaultModelID] = e
	r.activeID = DefaultModelID
	r.mu.Unlock()

	r.warmUp(e)
	r.log.Info("default model loaded",
		"path", path, "model_id", DefaultModelID, "input_type", e.inputType)
	return true
}

// RegisterTrained persists a freshly trained artifact in the registry under
// the next unused id (max existing + 1, or 2 for an empty registry). The new
// model is not made active; active-model switching is a separate policy.
func (r *Registry) RegisterTrained(path, name string, meta map[string]any) (int, error) {
	e, err := r.open(path, Metadata{Name: name, Extra: meta})
	if err != nil {
		return 0, fmt.Errorf("registering trained model: %w", err)
	}

	r.mu.Lock()
	id := firstTrainedID
	for existing := range r.entries {
		if existing+1 > id {
			id = existing + 1
		}
	}
	e.id = id
	r.entries[id] = e
	r.mu.Unlock()

	r.warmUp(e)
	r.log.Info("trained model registered",
		"path", path, "model_id", id, "name", name, "input_type", e.inputType)
	return id, nil
}

// open builds a session for the artifact and classifies its input layout.
func (r *Registry) open(path string, meta Metadata) (*entry, error) {
	session, shape, err := r.factory(path)
	if err != nil {
		return nil, err
	}

	meta.Path = path
	meta.InputShape = shape
	return &entry{
		session:   session,
		inputType: classifyShape(shape),
		meta:      meta,
	}, nil
}

// classifyShape maps a declared input shape onto the closed InputType set:
// a 784 vector (with or without batch axis) is flat-vector, four axes is a
// batched image volume, anything else is unknown.
func classifyShape(dims []int64) InputType {
	switch {
	case len(dims) == 1 && dims[0] == flatInputLen:
		return InputTypeFlatVector
	case len(dims) == 2 && dims[1] == flatInputLen:
		return InputTypeFlatVector
	case len(dims) == 4:
		return InputTypeTensorCHW
	default:
		return InputTypeUnknown
	}
}

// warmUp issues three throwaway predictions on a zero tensor so lazy kernel
// compilation happens before the first real request. Failures are logged and
// swallowed; they never fail a load.
func (r *Registry) warmUp(e *entry) {
	var dummy *tensor.Tensor
	if e.inputType == InputTypeFlatVector {
		dummy = tensor.New(flatInputLen)
	} else {
		dummy = tensor.New(1, 28, 28, 1)
	}

	for i := 0; i < warmupRuns; i++ {
		if _, err := e.session.Invoke(dummy); err != nil {
			r.log.Warn("model warm-up failed", "model_id", e.id, "error", err)
			return
		}
	}
	r.log.Debug("model warm-up complete", "model_id", e.id)
}

// Predict routes a preprocessed tensor to the model with the given id, or to
// the active model when modelID is 0. The tensor is reshaped to the model's
// input layout before invocation.
func (r *Registry) Predict(t *tensor.Tensor, modelID int) (*Result, error) {
	r.mu.RLock()
	id := modelID
	if id == 0 {
		id = r.activeID
	}
	e := r.entries[id]
	r.mu.RUnlock()

	if e == nil {
		return nil, fmt.Errorf("%w: id %d", ErrModelUnavailable, id)
	}

	input, err := reshape(e.inputType, t)
	if err != nil {
		return nil, err
	}

	probs, err := e.session.Invoke(input)
	if err != nil {
		return nil, fmt.Errorf("model %d: %w", id, err)
	}

	digit, confidence := argmax(probs)
	return &Result{
		Digit:         digit,
		Confidence:    confidence,
		Probabilities: probs,
		ModelID:       id,
		InputType:     e.inputType,
	}, nil
}

// reshape adapts a tensor to the layout a model class expects. It is a pure
// function; anything the rules cannot handle is a shape mismatch.
func reshape(it InputType, t *tensor.Tensor) (*tensor.Tensor, error) {
	switch it {
	case InputTypeFlatVector:
		if t.Len() != flatInputLen {
			return nil, fmt.Errorf("%w: %d values cannot flatten to %d", ErrShapeMismatch, t.Len(), flatInputLen)
		}
		return t.Flatten(), nil

	case InputTypeTensorCHW, InputTypeUnknown:
		switch t.Rank() {
		case 2, 3:
			if t.Len() != flatInputLen {
				return nil, fmt.Errorf("%w: %d values do not form a 28x28x1 volume", ErrShapeMismatch, t.Len())
			}
			return t.WithBatch(), nil
		case 4:
			// Already batched, pass through unchanged.
			return t, nil
		default:
			return nil, fmt.Errorf("%w: rank %d input", ErrShapeMismatch, t.Rank())
		}

	default:
		return nil, fmt.Errorf("%w: unclassified input type %q", ErrShapeMismatch, it)
	}
}

// argmax returns the first maximal index, which also breaks ties by lowest
// digit.
func argmax(probs []float32) (int, float32) {
	if len(probs) == 0 {
		return 0, 0
	}
	best := 0
	for i, v := range probs {
		if v > probs[best] {
			best = i
		}
	}
	return best, probs[best]
}

// ActiveModelID returns the id predictions default to, 0 when none is set.
func (r *Registry) ActiveModelID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// ListModels returns a point-in-time summary of every entry. Pure read.
func (r *Registry) ListModels() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{
		TotalModels:   len(r.entries),
		ActiveModelID: r.activeID,
		Models:        make([]ModelInfo, 0, len(r.entries)),
	}
	for id, e := range r.entries {
		s.Models = append(s.Models, ModelInfo{
			ModelID:   id,
			IsActive:  id == r.activeID,
			Metadata:  e.meta,
			InputType: e.inputType,
		})
	}
	sort.Slice(s.Models, func(i, j int) bool { return s.Models[i].ModelID < s.Models[j].ModelID })
	return s
}

// Close destroys every session and, when this registry initialized it, the
// shared ONNX environment.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, e := range r.entries {
		e.session.Close()
	}
	r.entries = make(map[int]*entry)
	r.activeID = 0
	r.mu.Unlock()

	if r.closeEnv.Load() {
		ort.DestroyEnvironment()
	}
}
