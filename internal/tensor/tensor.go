// Package tensor provides the float32 tensor value shared between the
// preprocessing pipeline and the model registry.
package tensor

import "fmt"

// Tensor is a dense row-major float32 array with an explicit shape.
// Instances are treated as immutable once built.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: shape, Data: make([]float32, n)}
}

// New2D wraps a row-major height×width grid.
func New2D(height, width int, data []float32) (*Tensor, error) {
	if len(data) != height*width {
		return nil, fmt.Errorf("tensor: %d values do not fill a %dx%d grid", len(data), height, width)
	}
	return &Tensor{Shape: []int{height, width}, Data: data}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// At returns the value at row y, column x of a rank-2 tensor.
func (t *Tensor) At(y, x int) float32 {
	return t.Data[y*t.Shape[1]+x]
}

// Flatten returns a rank-1 view of the same data.
func (t *Tensor) Flatten() *Tensor {
	return &Tensor{Shape: []int{len(t.Data)}, Data: t.Data}
}

// WithBatch returns a single-batch NHWC view of a rank-2 or rank-3 tensor.
// A height×width grid becomes 1×height×width×1.
func (t *Tensor) WithBatch() *Tensor {
	switch len(t.Shape) {
	case 2:
		return &Tensor{Shape: []int{1, t.Shape[0], t.Shape[1], 1}, Data: t.Data}
	case 3:
		return &Tensor{Shape: []int{1, t.Shape[0], t.Shape[1], t.Shape[2]}, Data: t.Data}
	default:
		return t
	}
}
