package tensor

import (
	"gonum.org/v1/gonum/stat"
)

// SampleStd returns the unbiased standard deviation of every sample along the
// leading dimension, computed over all remaining dimensions.
func SampleStd(t *Tensor) ([]float64, error) {
	if t.Dims() == 0 || t.Shape[0] == 0 {
		return nil, Errorf("std of shape %v", t.Shape)
	}
	n := t.Shape[0]
	per := len(t.Data) / n
	buf := make([]float64, per)
	out := make([]float64, n)
	for i := range n {
		for j, v := range t.Data[i*per : (i+1)*per] {
			buf[j] = float64(v)
		}
		out[i] = stat.StdDev(buf, nil)
	}
	return out, nil
}
