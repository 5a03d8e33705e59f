package registry

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ihdrs/digitserver/internal/tensor"
)

// invoker is the forward-pass surface the registry needs from an inference
// session. Tests substitute recording stubs through the session factory.
type invoker interface {
	Invoke(t *tensor.Tensor) ([]float32, error)
	Close()
}

// sessionFactory opens a model artifact and returns its session together
// with the declared input shape.
type sessionFactory func(path string) (invoker, []int64, error)

var (
	ortOnce    sync.Once
	ortInitErr error
)

// ensureEnvironment initializes the shared ONNX Runtime environment exactly
// once per process.
func ensureEnvironment(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ortSession wraps an onnxruntime session with preallocated input and output
// tensors. The preallocated tensors are shared across calls, so Invoke holds
// a session-local mutex for the duration of the forward pass only.
type ortSession struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// newORTSession opens the artifact at path, inspects its declared input and
// output shapes, and builds a session around fixed-size tensors. Dynamic axes
// (batch) are pinned to 1: the registry always runs single-item batches.
func newORTSession(path string) (invoker, []int64, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, fmt.Errorf("inspecting model %s: %w", path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, nil, fmt.Errorf("model %s declares no input or output", path)
	}

	declared := []int64(inputs[0].Dimensions)
	inShape := concreteShape(declared)
	outShape := concreteShape(outputs[0].Dimensions)

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inShape...))
	if err != nil {
		return nil, nil, fmt.Errorf("creating input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, nil, fmt.Errorf("creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, nil, fmt.Errorf("creating session for %s: %w", path, err)
	}

	return &ortSession{session: session, input: inputTensor, output: outputTensor}, declared, nil
}

// concreteShape replaces dynamic axes with 1 so tensors can be preallocated.
func concreteShape(dims []int64) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

func (s *ortSession) Invoke(t *tensor.Tensor) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.input.GetData()
	if len(t.Data) != len(buf) {
		return nil, fmt.Errorf("%w: got %d values, session expects %d", ErrShapeMismatch, len(t.Data), len(buf))
	}
	copy(buf, t.Data)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return out, nil
}

func (s *ortSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
	}
}
