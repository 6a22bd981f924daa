package sampler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/tensor"
)

var errForward = errors.New("forward failure")

// testNet is a three-layer convolutional network with named layers.
type testNet struct {
	names  []string
	convs  map[string]*nn.Conv2d
	calls  *int
	failAt int // forward call index that fails, -1 for never
	onCall func(n *testNet)
}

func newTestNet(seed uint64) *testNet {
	rng := tensor.NewRNG(seed)
	n := &testNet{
		names: []string{"conv_in", "mid.conv", "conv_out"},
		convs: map[string]*nn.Conv2d{
			"conv_in":  nn.NewConv2d(4, 6, 3, 1, 1, true),
			"mid.conv": nn.NewConv2d(6, 6, 3, 1, 1, true),
			"conv_out": nn.NewConv2d(6, 4, 1, 1, 0, true),
		},
		calls:  new(int),
		failAt: -1,
	}
	for _, name := range n.names {
		nn.InitConv(rng, n.convs[name])
		rng.FillNormal(n.convs[name].Bias.Data, 0.1)
	}
	return n
}

func (n *testNet) Forward(ctx context.Context, x *tensor.Tensor, timestep int, emb *tensor.Tensor) (*tensor.Tensor, error) {
	call := *n.calls
	*n.calls++
	if n.onCall != nil {
		n.onCall(n)
	}
	if call == n.failAt {
		return nil, errForward
	}
	h, err := n.convs["conv_in"].Forward(x)
	if err != nil {
		return nil, err
	}
	tensor.SiluInPlace(h)
	if h, err = n.convs["mid.conv"].Forward(h); err != nil {
		return nil, err
	}
	tensor.SiluInPlace(h)
	if h, err = n.convs["conv_out"].Forward(h); err != nil {
		return nil, err
	}
	if emb.Shape[0] != h.Shape[0] {
		return nil, tensor.Errorf("embedding batch %d for latent batch %d", emb.Shape[0], h.Shape[0])
	}
	per := len(h.Data) / h.Shape[0]
	eper := len(emb.Data) / emb.Shape[0]
	for b := 0; b < h.Shape[0]; b++ {
		var m float32
		for _, v := range emb.Data[b*eper : (b+1)*eper] {
			m += v
		}
		m = m/float32(eper) + 0.001*float32(timestep)
		for i := range h.Data[b*per : (b+1)*per] {
			h.Data[b*per+i] += m
		}
	}
	return h, nil
}

func (n *testNet) Conv(name string) (*nn.Conv2d, bool) {
	c, ok := n.convs[name]
	return c, ok
}

func (n *testNet) ConvNames() []string { return slices.Clone(n.names) }

func (n *testNet) ReplaceConv(name string, c *nn.Conv2d) error {
	if _, ok := n.convs[name]; !ok {
		return fmt.Errorf("no layer %s", name)
	}
	n.convs[name] = c
	return nil
}

func (n *testNet) Clone() nn.Network {
	out := &testNet{
		names:  slices.Clone(n.names),
		convs:  make(map[string]*nn.Conv2d, len(n.convs)),
		calls:  n.calls,
		failAt: n.failAt,
		onCall: n.onCall,
	}
	for k, c := range n.convs {
		out.convs[k] = c.Clone()
	}
	return out
}

func (n *testNet) InChannels() int       { return 4 }
func (n *testNet) DownsampleFactor() int { return 1 }

// fakeEncoder embeds each prompt as a constant derived from its length.
type fakeEncoder struct{}

func (fakeEncoder) Encode(_ context.Context, prompts []string) (*tensor.Tensor, error) {
	out := tensor.New(len(prompts), 2, 3)
	per := 6
	for i, p := range prompts {
		for j := range per {
			out.Data[i*per+j] = 0.01 * float32(len(p)+j)
		}
	}
	return out, nil
}

// fakeScheduler is a fixed-step Euler update.
type fakeScheduler struct{}

func (fakeScheduler) SetTimesteps(n int) ([]int, error) {
	ts := make([]int, n)
	for i := range ts {
		ts[i] = (n - i) * 10
	}
	return ts, nil
}

func (fakeScheduler) InitNoiseSigma() float32 { return 1 }

func (fakeScheduler) ScaleModelInput(x *tensor.Tensor, _ int) *tensor.Tensor { return x }

func (fakeScheduler) Step(noise *tensor.Tensor, _ int, latents *tensor.Tensor) (*tensor.Tensor, error) {
	if !noise.SameShape(latents) {
		return nil, tensor.Errorf("noise %v for latents %v", noise.Shape, latents.Shape)
	}
	out := latents.Clone()
	tensor.Axpy(out.Data, -0.1, noise.Data)
	return out, nil
}

// fakeDecoder keeps the first three latent channels.
type fakeDecoder struct{}

func (fakeDecoder) Decode(_ context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := z.NCHW()
	if err != nil {
		return nil, err
	}
	out := tensor.New(n, 3, h, w)
	for b := range n {
		copy(out.Data[b*3*h*w:(b+1)*3*h*w], z.Data[b*c*h*w:b*c*h*w+3*h*w])
	}
	return out, nil
}

func (fakeDecoder) ScaleFactor() int       { return 1 }
func (fakeDecoder) ScalingFactor() float32 { return 1 }
