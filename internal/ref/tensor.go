// Package ref is a host-side reference engine: it evaluates operator
// graphs on the CPU with float64 tensors. It stands in for the opaque
// native kernels where numeric results are needed, such as equivalence
// and gradient tests, and provides the simulated session the availability
// gate probes against in environments without the real backend.
package ref

import (
	"fmt"

	"github.com/born-ml/accel/internal/graph"
)

// Tensor is a dense row-major float64 tensor.
type Tensor struct {
	shape  []int
	stride []int
	data   []float64
}

// New returns a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	s := append([]int(nil), shape...)
	return &Tensor{
		shape:  s,
		stride: graph.Shape(s).ComputeStrides(),
		data:   make([]float64, graph.Shape(s).NumElements()),
	}
}

// FromValues wraps data in a tensor of the given shape. The slice is used
// directly, not copied.
func FromValues(shape []int, data []float64) *Tensor {
	s := append([]int(nil), shape...)
	if want := graph.Shape(s).NumElements(); len(data) != want {
		panic(fmt.Sprintf("ref: %d values for shape %v (want %d)", len(data), shape, want))
	}
	return &Tensor{shape: s, stride: graph.Shape(s).ComputeStrides(), data: data}
}

// Shape returns the tensor's dimensions.
func (t *Tensor) Shape() []int { return t.shape }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Data returns the backing slice in row-major order.
func (t *Tensor) Data() []float64 { return t.data }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("ref: %d indices for rank-%d tensor", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("ref: index %d out of range [0,%d) at axis %d", x, t.shape[i], i))
		}
		off += x * t.stride[i]
	}
	return off
}

// At returns the element at the given indices.
func (t *Tensor) At(idx ...int) float64 { return t.data[t.offset(idx)] }

// Set stores v at the given indices.
func (t *Tensor) Set(v float64, idx ...int) { t.data[t.offset(idx)] = v }

// AddAt accumulates v into the element at the given indices.
func (t *Tensor) AddAt(v float64, idx ...int) { t.data[t.offset(idx)] += v }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.data, t.data)
	return c
}

// forEach walks every multi-index of the given extents in row-major order.
func forEach(extents []int, fn func(idx []int)) {
	if len(extents) == 0 {
		fn(nil)
		return
	}
	idx := make([]int, len(extents))
	for {
		fn(idx)
		axis := len(extents) - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < extents[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			return
		}
	}
}

// concatIdx builds a full index from leading entries plus a spatial tail.
func concatIdx(lead []int, tail []int) []int {
	out := make([]int, 0, len(lead)+len(tail))
	out = append(out, lead...)
	return append(out, tail...)
}
