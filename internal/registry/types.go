package registry

import "errors"

// InputType classifies what layout a loaded model expects on its input.
// The registry derives it from the model's declared input shape and uses it
// to reshape incoming tensors, so callers never need to know whether a model
// is dense-only or convolutional.
type InputType string

const (
	// InputTypeFlatVector marks models that take the flattened 784-value image.
	InputTypeFlatVector InputType = "flat-vector"
	// InputTypeTensorCHW marks models that take a 4-axis batched image volume.
	InputTypeTensorCHW InputType = "tensor-chw"
	// InputTypeUnknown marks models whose declared shape fits neither class.
	InputTypeUnknown InputType = "unknown"
)

var (
	// ErrModelUnavailable is returned when the requested or active model id
	// has no registry entry. Distinct from ErrShapeMismatch so callers can
	// tell "no model" from "bad input".
	ErrModelUnavailable = errors.New("registry: model unavailable")

	// ErrShapeMismatch is returned when an input tensor cannot be adapted to
	// the resolved model's expected layout.
	ErrShapeMismatch = errors.New("registry: input shape mismatch")
)

// Result is a single prediction. The HTTP layer re-serializes these fields
// verbatim.
type Result struct {
	Digit         int       `json:"digit"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"all_probabilities"`
	ModelID       int       `json:"model_id"`
	InputType     InputType `json:"input_type"`
}

// Metadata describes one loaded model.
type Metadata struct {
	Name       string         `json:"name"`
	Version    string         `json:"version,omitempty"`
	Path       string         `json:"path"`
	InputShape []int64        `json:"input_shape"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ModelInfo is the per-model element of a ListModels summary.
type ModelInfo struct {
	ModelID   int       `json:"model_id"`
	IsActive  bool      `json:"is_active"`
	Metadata  Metadata  `json:"metadata"`
	InputType InputType `json:"input_type"`
}

// Summary is the read-only view returned by ListModels.
type Summary struct {
	TotalModels   int         `json:"total_models"`
	ActiveModelID int         `json:"active_model_id"`
	Models        []ModelInfo `json:"models"`
}
