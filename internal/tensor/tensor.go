package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// ErrShape reports a tensor whose shape does not fit the operation.
var ErrShape = errors.New("shape error")

// Tensor is a dense row-major tensor of float32 values.
//
// Image-like tensors use NCHW layout: batch, channels, height, width.
// Embeddings use [batch, tokens, dim]. Data always holds exactly
// Numel() values; views returned by Batch and Reshape share it.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, n),
	}
}

// FromData wraps data in a tensor. It checks that len(data) matches the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, Errorf("negative dimension in %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, Errorf("data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Errorf builds an error wrapping ErrShape.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...))
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.Data) }

// Dims returns the rank of the tensor.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// NCHW unpacks a rank-4 shape.
func (t *Tensor) NCHW() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, Errorf("expected NCHW tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromData(t.Data, shape...)
}

// Batch returns a view of sample i along the leading dimension. The view keeps
// a leading dimension of size 1.
func (t *Tensor) Batch(i int) *Tensor {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		panic("batch index out of range")
	}
	per := len(t.Data) / t.Shape[0]
	shape := slices.Clone(t.Shape)
	shape[0] = 1
	return &Tensor{Shape: shape, Data: t.Data[i*per : (i+1)*per]}
}

// Concat joins tensors along the leading dimension. All trailing dimensions
// must agree.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, Errorf("concat of zero tensors")
	}
	first := ts[0]
	if first.Dims() == 0 {
		return nil, Errorf("concat of scalar tensor")
	}
	lead := 0
	size := 0
	for _, t := range ts {
		if t.Dims() != first.Dims() || !slices.Equal(t.Shape[1:], first.Shape[1:]) {
			return nil, Errorf("concat shapes %v and %v differ", first.Shape, t.Shape)
		}
		lead += t.Shape[0]
		size += len(t.Data)
	}
	shape := slices.Clone(first.Shape)
	shape[0] = lead
	out := &Tensor{Shape: shape, Data: make([]float32, 0, size)}
	for _, t := range ts {
		out.Data = append(out.Data, t.Data...)
	}
	return out, nil
}

// Chunk2 splits t into two equal halves along the leading dimension. The
// halves are copies.
func Chunk2(t *Tensor) (*Tensor, *Tensor, error) {
	if t.Dims() == 0 || t.Shape[0]%2 != 0 {
		return nil, nil, Errorf("cannot split shape %v into two halves", t.Shape)
	}
	half := len(t.Data) / 2
	shape := slices.Clone(t.Shape)
	shape[0] /= 2
	a := &Tensor{Shape: shape, Data: slices.Clone(t.Data[:half])}
	b := &Tensor{Shape: slices.Clone(shape), Data: slices.Clone(t.Data[half:])}
	return a, b, nil
}

// Repeat concatenates n copies of t along the leading dimension.
func Repeat(t *Tensor, n int) (*Tensor, error) {
	if n < 1 {
		return nil, Errorf("repeat count %d", n)
	}
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = t
	}
	return Concat(parts...)
}
