package tensor

import (
	"math"
)

// Add returns a + b element-wise.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, Errorf("add shapes %v and %v differ", a.Shape, b.Shape)
	}
	out := a.Clone()
	AddInPlace(out.Data, b.Data)
	return out, nil
}

// Sub returns a - b element-wise.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, Errorf("sub shapes %v and %v differ", a.Shape, b.Shape)
	}
	out := a.Clone()
	for i := range out.Data {
		out.Data[i] -= b.Data[i]
	}
	return out, nil
}

// Scale returns t * s.
func Scale(t *Tensor, s float32) *Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= s
	}
	return out
}

// AddInPlace adds src to dst element-wise.
func AddInPlace(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Axpy computes dst += alpha * x.
func Axpy(dst []float32, alpha float32, x []float32) {
	for i := range dst {
		dst[i] += alpha * x[i]
	}
}

// Clamp limits every element to [lo, hi] in place.
func Clamp(t *Tensor, lo, hi float32) {
	for i, v := range t.Data {
		switch {
		case v < lo:
			t.Data[i] = lo
		case v > hi:
			t.Data[i] = hi
		}
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// SiluInPlace applies SiLU to every element of t.
func SiluInPlace(t *Tensor) {
	for i, v := range t.Data {
		t.Data[i] = Silu(v)
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MaxAbsDiff returns the largest absolute element difference between a and b.
func MaxAbsDiff(a, b *Tensor) (float32, error) {
	if !a.SameShape(b) {
		return 0, Errorf("compare shapes %v and %v differ", a.Shape, b.Shape)
	}
	var m float32
	for i := range a.Data {
		d := a.Data[i] - b.Data[i]
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m, nil
}
