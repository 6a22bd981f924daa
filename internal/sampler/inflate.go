package sampler

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/settings"
	"github.com/samcharles93/redilate/internal/tensor"
)

// InflateConv returns a new convolution whose k x k kernels are mapped to
// k' x k' kernels by r, which has shape (k'^2, k^2). Channels and stride are
// kept and padding grows by (k'-k)/2 so the output size does not change.
func InflateConv(c *nn.Conv2d, r *mat.Dense) (*nn.Conv2d, error) {
	rows, cols := r.Dims()
	k := c.KernelSize()
	if cols != k*k {
		return nil, settings.Errorf("transform has %d columns, kernel %dx%d needs %d", cols, k, k, k*k)
	}
	kp := 0
	for kp*kp < rows {
		kp++
	}
	if kp*kp != rows {
		return nil, settings.Errorf("transform has %d rows, not a square kernel", rows)
	}
	if kp < k {
		return nil, settings.Errorf("inflated kernel %d is smaller than %d", kp, k)
	}
	if (kp-k)%2 != 0 {
		return nil, settings.Errorf("inflating kernel %d to %d changes parity", k, kp)
	}

	oc, ic := c.OutChannels(), c.InChannels()
	flat := make([]float64, oc*ic*k*k)
	for i, v := range c.Weight.Data {
		flat[i] = float64(v)
	}
	w := mat.NewDense(oc*ic, k*k, flat)
	var inflated mat.Dense
	inflated.Mul(w, r.T())

	weight := tensor.New(oc, ic, kp, kp)
	for i := range oc * ic {
		row := inflated.RawRowView(i)
		for j, v := range row {
			weight.Data[i*kp*kp+j] = float32(v)
		}
	}
	return nn.FromWeights(weight, c.Bias.Clone(), c.Stride, c.Padding+(kp-k)/2)
}

// Inflate returns a deep copy of net with every layer listed in s replaced by
// its inflated version. net itself is not modified.
func Inflate(net nn.Network, s *settings.InflateSettings) (nn.Network, error) {
	if !s.Enabled() {
		return nil, settings.Errorf("no inflation transform configured")
	}
	out := net.Clone()
	for _, name := range s.Order {
		c, ok := out.Conv(name)
		if !ok {
			return nil, settings.Errorf("inflate layer %s not found in network", name)
		}
		inflated, err := InflateConv(c, s.Transform)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", name, err)
		}
		if err := out.ReplaceConv(name, inflated); err != nil {
			return nil, err
		}
	}
	return out, nil
}
