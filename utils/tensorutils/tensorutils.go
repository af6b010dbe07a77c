// Package tensorutils provides utilities for working with dense
// tensors that carry a leading batch axis and, optionally, a time
// axis directly after it.
package tensorutils

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Slice implements a struct that can be used for slicing tensors.
//
// Given a tensor T and a Slice S, T.Slice(..., S, ...) is equivalent to
// T[..., S.start:S.end:S.step, ...]
type Slice struct {
	start, end, step int
}

// Start returns the start index for the tensor slice
func (s Slice) Start() int {
	return s.start
}

// End returns the ending index for the tensor slice
func (s Slice) End() int {
	return s.end
}

// Step returns the step for the tensor slice
func (s Slice) Step() int {
	return s.step
}

// NewSlice returns a new Slice that can be used to slice tensors
func NewSlice(start, stop, step int) Slice {
	return Slice{start, stop, step}
}

// Prod returns the product of the dims. An empty dims has product 1.
func Prod(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// New returns a new float64 tensor with the given shape and backing
// data. The data is used directly, not copied.
func New(shape []int, data []float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Zeros returns a new float64 tensor of zeros with the given shape
func Zeros(shape ...int) *tensor.Dense {
	return New(shape, make([]float64, Prod(shape)))
}

// Scalar wraps a single float64 in a shape-{1} tensor
func Scalar(v float64) *tensor.Dense {
	return New([]int{1}, []float64{v})
}

// Data returns the float64 backing slice of t
func Data(t *tensor.Dense) []float64 {
	return t.Data().([]float64)
}

// Clone returns a deep copy of t
func Clone(t *tensor.Dense) *tensor.Dense {
	data := Data(t)
	out := make([]float64, len(data))
	copy(out, data)
	return New(append([]int{}, t.Shape()...), out)
}

// TimeSlice takes a [B, T, ...] tensor and returns the [B, ...] tensor
// at time index idx.
func TimeSlice(t *tensor.Dense, idx int) *tensor.Dense {
	shape := t.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("timeSlice: tensor has no time axis: shape %v",
			shape))
	}
	b, steps := shape[0], shape[1]
	if idx < 0 || idx >= steps {
		panic(fmt.Sprintf("timeSlice: index %v out of range [0, %v)", idx,
			steps))
	}
	rest := Prod(shape[2:])
	data := Data(t)
	out := make([]float64, b*rest)
	for i := 0; i < b; i++ {
		src := (i*steps + idx) * rest
		copy(out[i*rest:(i+1)*rest], data[src:src+rest])
	}
	return New(append([]int{b}, shape[2:]...), out)
}

// TimeWindow takes a [B, T, ...] tensor and returns the [B, h, ...]
// tensor containing the first h timesteps.
func TimeWindow(t *tensor.Dense, h int) *tensor.Dense {
	shape := t.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("timeWindow: tensor has no time axis: shape %v",
			shape))
	}
	b, steps := shape[0], shape[1]
	if h < 0 || h > steps {
		panic(fmt.Sprintf("timeWindow: window %v out of range [0, %v]", h,
			steps))
	}
	rest := Prod(shape[2:])
	data := Data(t)
	out := make([]float64, b*h*rest)
	for i := 0; i < b; i++ {
		src := i * steps * rest
		copy(out[i*h*rest:(i+1)*h*rest], data[src:src+h*rest])
	}
	newShape := append([]int{b, h}, shape[2:]...)
	return New(newShape, out)
}

// RepeatAcrossTime takes a [B, ...] tensor and tiles it n times along
// a new time axis, returning a [B, n, ...] tensor.
func RepeatAcrossTime(t *tensor.Dense, n int) *tensor.Dense {
	shape := t.Shape()
	b := shape[0]
	rest := Prod(shape[1:])
	data := Data(t)
	out := make([]float64, b*n*rest)
	for i := 0; i < b; i++ {
		row := data[i*rest : (i+1)*rest]
		for j := 0; j < n; j++ {
			copy(out[(i*n+j)*rest:(i*n+j+1)*rest], row)
		}
	}
	newShape := append([]int{b, n}, shape[1:]...)
	return New(newShape, out)
}

// AddTimeAxis takes a [B, ...] tensor and returns it reshaped to
// [B, 1, ...]. The backing data is copied.
func AddTimeAxis(t *tensor.Dense) *tensor.Dense {
	return RepeatAcrossTime(t, 1)
}
