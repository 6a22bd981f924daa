package nn

import (
	"sync"

	"github.com/samcharles93/redilate/internal/tensor"
)

// Forwarder computes a convolution layer's output. The layer's own weights
// are always available through c; implementations may transform the input
// around a call to c.Direct.
type Forwarder interface {
	Forward(c *Conv2d, x *tensor.Tensor) (*tensor.Tensor, error)
}

// Direct is the native forward strategy.
type Direct struct{}

// Forward implements Forwarder.
func (Direct) Forward(c *Conv2d, x *tensor.Tensor) (*tensor.Tensor, error) {
	return c.Direct(x)
}

// Conv2d is a square-kernel 2-D convolution whose forward strategy can be
// swapped at run time.
type Conv2d struct {
	Weight  *tensor.Tensor // [out, in, k, k]
	Bias    *tensor.Tensor // [out], may be nil
	Stride  int
	Padding int

	mu  sync.Mutex
	fwd Forwarder
}

// NewConv2d allocates a zero-weight convolution.
func NewConv2d(in, out, kernel, stride, padding int, bias bool) *Conv2d {
	c := &Conv2d{
		Weight:  tensor.New(out, in, kernel, kernel),
		Stride:  stride,
		Padding: padding,
		fwd:     Direct{},
	}
	if bias {
		c.Bias = tensor.New(out)
	}
	return c
}

// FromWeights builds a convolution around existing parameters.
func FromWeights(weight, bias *tensor.Tensor, stride, padding int) (*Conv2d, error) {
	if weight.Dims() != 4 || weight.Shape[2] != weight.Shape[3] {
		return nil, tensor.Errorf("conv weight must be [out, in, k, k], got %v", weight.Shape)
	}
	if bias != nil && bias.Numel() != weight.Shape[0] {
		return nil, tensor.Errorf("conv bias has %d values for %d outputs", bias.Numel(), weight.Shape[0])
	}
	return &Conv2d{Weight: weight, Bias: bias, Stride: stride, Padding: padding, fwd: Direct{}}, nil
}

func (c *Conv2d) InChannels() int  { return c.Weight.Shape[1] }
func (c *Conv2d) OutChannels() int { return c.Weight.Shape[0] }
func (c *Conv2d) KernelSize() int  { return c.Weight.Shape[2] }

// Forward runs the currently installed strategy.
func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return c.Forwarder().Forward(c, x)
}

// Direct runs the native convolution, bypassing any installed strategy.
func (c *Conv2d) Direct(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(x, c.Weight, c.Bias, c.params())
}

// Forwarder returns the installed strategy.
func (c *Conv2d) Forwarder() Forwarder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fwd == nil {
		return Direct{}
	}
	return c.fwd
}

// Swap installs f and returns the strategy it replaced.
func (c *Conv2d) Swap(f Forwarder) Forwarder {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.fwd
	if prev == nil {
		prev = Direct{}
	}
	c.fwd = f
	return prev
}

// OutputSize returns the spatial size the native convolution produces for an
// h x w input.
func (c *Conv2d) OutputSize(h, w int) (int, int) {
	k := c.KernelSize()
	p := c.params()
	return tensor.ConvOutputSize(h, k, p), tensor.ConvOutputSize(w, k, p)
}

// Clone deep-copies the parameters. The clone starts with the strategy that
// is installed on c.
func (c *Conv2d) Clone() *Conv2d {
	return &Conv2d{
		Weight:  c.Weight.Clone(),
		Bias:    c.Bias.Clone(),
		Stride:  c.Stride,
		Padding: c.Padding,
		fwd:     c.Forwarder(),
	}
}

func (c *Conv2d) params() tensor.ConvParams {
	return tensor.ConvParams{Stride: c.Stride, Padding: c.Padding}
}
