// Package nn holds the layer types shared by the reference networks and the
// sampler: a convolution with a swappable forward strategy, group norm,
// linear layers and the Network contract.
package nn

import (
	"context"

	"github.com/samcharles93/redilate/internal/tensor"
)

// Network is a convolutional noise-prediction network whose convolution
// layers can be addressed by hierarchical name.
type Network interface {
	// Forward predicts noise for the NCHW latent batch x at the given
	// timestep, conditioned on text embeddings emb [n, tokens, dim].
	Forward(ctx context.Context, x *tensor.Tensor, timestep int, emb *tensor.Tensor) (*tensor.Tensor, error)

	// Conv returns the convolution layer registered under name.
	Conv(name string) (*Conv2d, bool)

	// ConvNames lists every addressable convolution in forward order.
	ConvNames() []string

	// ReplaceConv swaps the layer registered under name for c.
	ReplaceConv(name string, c *Conv2d) error

	// Clone returns an independent deep copy.
	Clone() Network

	InChannels() int

	// DownsampleFactor is the total spatial reduction between the input and
	// the innermost feature map; latent sizes must be divisible by it.
	DownsampleFactor() int
}
