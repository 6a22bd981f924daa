// Package unet is a small convolutional noise-prediction network laid out
// like a diffusers UNet2DConditionModel: residual down and up blocks with skip
// connections, a middle block and sinusoidal timestep embedding. Text
// conditioning is pooled over tokens and added to the time embedding.
package unet

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/safetensors"
	"github.com/samcharles93/redilate/internal/tensor"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "diffusion_pytorch_model.safetensors"

	normEps = 1e-5
)

// Config mirrors the config.json fields the network uses.
type Config struct {
	InChannels        int   `json:"in_channels"`
	OutChannels       int   `json:"out_channels"`
	BlockOutChannels  []int `json:"block_out_channels"`
	NormNumGroups     int   `json:"norm_num_groups"`
	CrossAttentionDim int   `json:"cross_attention_dim"`
	SampleSize        int   `json:"sample_size"`
}

func DefaultConfig() Config {
	return Config{
		InChannels:        4,
		OutChannels:       4,
		BlockOutChannels:  []int{32, 64},
		NormNumGroups:     8,
		CrossAttentionDim: 32,
		SampleSize:        32,
	}
}

func (c Config) validate() error {
	if c.InChannels <= 0 || c.OutChannels <= 0 || len(c.BlockOutChannels) == 0 || c.CrossAttentionDim <= 0 {
		return fmt.Errorf("unet config: invalid layout %+v", c)
	}
	if c.NormNumGroups <= 0 {
		return fmt.Errorf("unet config: norm_num_groups %d must be positive", c.NormNumGroups)
	}
	for _, ch := range c.BlockOutChannels {
		if ch <= 0 || ch%c.NormNumGroups != 0 {
			return fmt.Errorf("unet config: block channels %d not divisible by %d groups", ch, c.NormNumGroups)
		}
	}
	return nil
}

func (c Config) timeDim() int { return 4 * c.BlockOutChannels[0] }

type layerKind int

const (
	convLayer layerKind = iota
	normLayer
	linearLayer
)

// layer describes one parameterised layer of the network.
type layer struct {
	name           string
	kind           layerKind
	in, out        int
	kernel, stride int
}

// block is a residual block; shortcut is empty when in == out.
type block struct {
	prefix   string
	in, out  int
	shortcut bool
}

// structure lists the residual blocks and samplers in forward order.
type structure struct {
	down     []block
	downConv []string // "" when the level has no downsampler
	mid      block
	up       []block
	upConv   []string
}

func (c Config) structure() structure {
	ch := c.BlockOutChannels
	levels := len(ch)
	var s structure
	prev := ch[0]
	for i, out := range ch {
		p := fmt.Sprintf("down_blocks.%d.resnets.0", i)
		s.down = append(s.down, block{prefix: p, in: prev, out: out, shortcut: prev != out})
		conv := ""
		if i < levels-1 {
			conv = fmt.Sprintf("down_blocks.%d.downsamplers.0.conv", i)
		}
		s.downConv = append(s.downConv, conv)
		prev = out
	}
	s.mid = block{prefix: "mid_block.resnets.0", in: prev, out: prev}
	for j := range levels {
		level := levels - 1 - j
		in := prev + ch[level]
		out := ch[level]
		p := fmt.Sprintf("up_blocks.%d.resnets.0", j)
		s.up = append(s.up, block{prefix: p, in: in, out: out, shortcut: in != out})
		conv := ""
		if j < levels-1 {
			conv = fmt.Sprintf("up_blocks.%d.upsamplers.0.conv", j)
		}
		s.upConv = append(s.upConv, conv)
		prev = out
	}
	return s
}

func (c Config) layout() []layer {
	td := c.timeDim()
	ch0 := c.BlockOutChannels[0]
	ls := []layer{
		{name: "time_embedding.linear_1", kind: linearLayer, in: ch0, out: td},
		{name: "time_embedding.linear_2", kind: linearLayer, in: td, out: td},
		{name: "encoder_hid_proj", kind: linearLayer, in: c.CrossAttentionDim, out: td},
		{name: "conv_in", kind: convLayer, in: c.InChannels, out: ch0, kernel: 3, stride: 1},
	}
	res := func(b block) {
		ls = append(ls,
			layer{name: b.prefix + ".norm1", kind: normLayer, in: b.in},
			layer{name: b.prefix + ".conv1", kind: convLayer, in: b.in, out: b.out, kernel: 3, stride: 1},
			layer{name: b.prefix + ".time_emb_proj", kind: linearLayer, in: td, out: b.out},
			layer{name: b.prefix + ".norm2", kind: normLayer, in: b.out},
			layer{name: b.prefix + ".conv2", kind: convLayer, in: b.out, out: b.out, kernel: 3, stride: 1},
		)
		if b.shortcut {
			ls = append(ls, layer{name: b.prefix + ".conv_shortcut", kind: convLayer, in: b.in, out: b.out, kernel: 1, stride: 1})
		}
	}
	s := c.structure()
	for i, b := range s.down {
		res(b)
		if s.downConv[i] != "" {
			ls = append(ls, layer{name: s.downConv[i], kind: convLayer, in: b.out, out: b.out, kernel: 3, stride: 2})
		}
	}
	res(s.mid)
	for j, b := range s.up {
		res(b)
		if s.upConv[j] != "" {
			ls = append(ls, layer{name: s.upConv[j], kind: convLayer, in: b.out, out: b.out, kernel: 3, stride: 1})
		}
	}
	return append(ls,
		layer{name: "conv_norm_out", kind: normLayer, in: ch0},
		layer{name: "conv_out", kind: convLayer, in: ch0, out: c.OutChannels, kernel: 3, stride: 1},
	)
}

// UNet implements nn.Network. Convolutions are addressed by their diffusers
// parameter prefix, e.g. "down_blocks.1.resnets.0.conv2".
type UNet struct {
	cfg       Config
	shape     structure
	convNames []string
	convs     map[string]*nn.Conv2d
	norms     map[string]*nn.GroupNorm
	linears   map[string]*nn.Linear
}

var _ nn.Network = (*UNet)(nil)

func newEmpty(cfg Config) *UNet {
	return &UNet{
		cfg:     cfg,
		shape:   cfg.structure(),
		convs:   make(map[string]*nn.Conv2d),
		norms:   make(map[string]*nn.GroupNorm),
		linears: make(map[string]*nn.Linear),
	}
}

// New builds a network with seeded weights.
func New(cfg Config, seed uint64) (*UNet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := tensor.NewRNG(seed)
	u := newEmpty(cfg)
	for _, l := range cfg.layout() {
		switch l.kind {
		case convLayer:
			c := nn.NewConv2d(l.in, l.out, l.kernel, l.stride, l.kernel/2, true)
			nn.InitConv(rng, c)
			u.convs[l.name] = c
			u.convNames = append(u.convNames, l.name)
		case normLayer:
			u.norms[l.name] = nn.NewGroupNorm(cfg.NormNumGroups, l.in)
		case linearLayer:
			lin := nn.NewLinear(l.in, l.out)
			nn.InitLinear(rng, lin)
			u.linears[l.name] = lin
		}
	}
	// start near the identity on the residual path
	for name, c := range u.convs {
		if strings.HasSuffix(name, ".conv2") {
			for i := range c.Weight.Data {
				c.Weight.Data[i] *= 0.1
			}
		}
	}
	return u, nil
}

// Load reads config.json and weights from a diffusers unet directory.
func Load(dir string) (*UNet, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	u := newEmpty(cfg)
	for _, l := range cfg.layout() {
		switch l.kind {
		case convLayer:
			c, err := nn.LoadConv2d(f, l.name, l.stride)
			if err != nil {
				return nil, err
			}
			if c.InChannels() != l.in || c.OutChannels() != l.out || c.KernelSize() != l.kernel {
				return nil, tensor.Errorf("%s has shape %v, want [%d %d %d %d]", l.name, c.Weight.Shape, l.out, l.in, l.kernel, l.kernel)
			}
			u.convs[l.name] = c
			u.convNames = append(u.convNames, l.name)
		case normLayer:
			g, err := nn.LoadGroupNorm(f, l.name, cfg.NormNumGroups, normEps)
			if err != nil {
				return nil, err
			}
			if len(g.Weight) != l.in {
				return nil, tensor.Errorf("%s has %d channels, want %d", l.name, len(g.Weight), l.in)
			}
			u.norms[l.name] = g
		case linearLayer:
			lin, err := nn.LoadLinear(f, l.name)
			if err != nil {
				return nil, err
			}
			if lin.Weight.Shape[0] != l.out || lin.Weight.Shape[1] != l.in {
				return nil, tensor.Errorf("%s has shape %v, want [%d %d]", l.name, lin.Weight.Shape, l.out, l.in)
			}
			u.linears[l.name] = lin
		}
	}
	return u, nil
}

// Save writes config.json and weights to dir in the layout Load reads.
func (u *UNet) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(u.cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), raw, 0o644); err != nil {
		return err
	}
	var named []safetensors.Named
	for _, l := range u.cfg.layout() {
		switch l.kind {
		case convLayer:
			named = append(named, u.convs[l.name].Named(l.name)...)
		case normLayer:
			named = append(named, u.norms[l.name].Named(l.name)...)
		case linearLayer:
			named = append(named, u.linears[l.name].Named(l.name)...)
		}
	}
	return safetensors.WriteFile(filepath.Join(dir, WeightsFile), named, safetensors.WriteOptions{})
}

func (u *UNet) Config() Config { return u.cfg }

func (u *UNet) Conv(name string) (*nn.Conv2d, bool) {
	c, ok := u.convs[name]
	return c, ok
}

func (u *UNet) ConvNames() []string { return slices.Clone(u.convNames) }

func (u *UNet) ReplaceConv(name string, c *nn.Conv2d) error {
	old, ok := u.convs[name]
	if !ok {
		return fmt.Errorf("unet has no convolution %s", name)
	}
	if c.InChannels() != old.InChannels() || c.OutChannels() != old.OutChannels() || c.Stride != old.Stride {
		return tensor.Errorf("replacement for %s has shape %v stride %d, want %v stride %d",
			name, c.Weight.Shape, c.Stride, old.Weight.Shape, old.Stride)
	}
	u.convs[name] = c
	return nil
}

func (u *UNet) Clone() nn.Network {
	out := newEmpty(u.cfg)
	out.convNames = slices.Clone(u.convNames)
	for k, c := range u.convs {
		out.convs[k] = c.Clone()
	}
	for k, g := range u.norms {
		out.norms[k] = g.Clone()
	}
	for k, l := range u.linears {
		out.linears[k] = l.Clone()
	}
	return out
}

func (u *UNet) InChannels() int { return u.cfg.InChannels }

func (u *UNet) DownsampleFactor() int { return 1 << (len(u.cfg.BlockOutChannels) - 1) }

// Forward predicts noise for x [n, in, h, w] given emb [n or 1, tokens, dim].
func (u *UNet) Forward(ctx context.Context, x *tensor.Tensor, timestep int, emb *tensor.Tensor) (*tensor.Tensor, error) {
	n, c, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	if c != u.cfg.InChannels {
		return nil, tensor.Errorf("unet expects %d input channels, got %d", u.cfg.InChannels, c)
	}
	if f := u.DownsampleFactor(); h%f != 0 || w%f != 0 {
		return nil, tensor.Errorf("unet input %dx%d is not divisible by %d", h, w, f)
	}
	temb, err := u.conditioning(timestep, emb, n)
	if err != nil {
		return nil, err
	}

	if x, err = u.conv("conv_in", x); err != nil {
		return nil, err
	}
	var skips []*tensor.Tensor
	for i, b := range u.shape.down {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if x, err = u.resnet(b, x, temb); err != nil {
			return nil, err
		}
		skips = append(skips, x)
		if name := u.shape.downConv[i]; name != "" {
			if x, err = u.conv(name, x); err != nil {
				return nil, err
			}
		}
	}
	if x, err = u.resnet(u.shape.mid, x, temb); err != nil {
		return nil, err
	}
	for j, b := range u.shape.up {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		skip := skips[len(skips)-1]
		skips = skips[:len(skips)-1]
		if x, err = tensor.ConcatChannels(x, skip); err != nil {
			return nil, err
		}
		if x, err = u.resnet(b, x, temb); err != nil {
			return nil, err
		}
		if name := u.shape.upConv[j]; name != "" {
			if x, err = tensor.Nearest(x, 2*x.Shape[2], 2*x.Shape[3]); err != nil {
				return nil, err
			}
			if x, err = u.conv(name, x); err != nil {
				return nil, err
			}
		}
	}

	if x, err = u.norms["conv_norm_out"].Forward(x); err != nil {
		return nil, err
	}
	tensor.SiluInPlace(x)
	return u.conv("conv_out", x)
}

func (u *UNet) conv(name string, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := u.convs[name].Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return y, nil
}

// conditioning returns silu(time embedding + pooled text projection) as
// [n, timeDim].
func (u *UNet) conditioning(timestep int, emb *tensor.Tensor, n int) (*tensor.Tensor, error) {
	if emb == nil || emb.Dims() != 3 || emb.Shape[2] != u.cfg.CrossAttentionDim {
		var shape []int
		if emb != nil {
			shape = emb.Shape
		}
		return nil, tensor.Errorf("unet expects text embeddings [n, tokens, %d], got %v", u.cfg.CrossAttentionDim, shape)
	}
	if emb.Shape[0] != n && emb.Shape[0] != 1 {
		return nil, tensor.Errorf("text embeddings batch %d for latent batch %d", emb.Shape[0], n)
	}

	t, err := u.linears["time_embedding.linear_1"].Forward(timestepEmbedding(timestep, u.cfg.BlockOutChannels[0]))
	if err != nil {
		return nil, err
	}
	tensor.SiluInPlace(t)
	if t, err = u.linears["time_embedding.linear_2"].Forward(t); err != nil {
		return nil, err
	}

	text, err := u.linears["encoder_hid_proj"].Forward(meanTokens(emb))
	if err != nil {
		return nil, err
	}
	td := u.cfg.timeDim()
	out := tensor.New(n, td)
	for b := range n {
		row := out.Data[b*td : (b+1)*td]
		copy(row, t.Data)
		tb := b
		if text.Shape[0] == 1 {
			tb = 0
		}
		tensor.AddInPlace(row, text.Data[tb*td:(tb+1)*td])
	}
	tensor.SiluInPlace(out)
	return out, nil
}

func (u *UNet) resnet(b block, x, temb *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := u.norms[b.prefix+".norm1"].Forward(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.prefix, err)
	}
	tensor.SiluInPlace(h)
	if h, err = u.conv(b.prefix+".conv1", h); err != nil {
		return nil, err
	}
	proj, err := u.linears[b.prefix+".time_emb_proj"].Forward(temb)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.prefix, err)
	}
	if err := tensor.AddChannelBias(h, proj); err != nil {
		return nil, fmt.Errorf("%s: %w", b.prefix, err)
	}
	if h, err = u.norms[b.prefix+".norm2"].Forward(h); err != nil {
		return nil, fmt.Errorf("%s: %w", b.prefix, err)
	}
	tensor.SiluInPlace(h)
	if h, err = u.conv(b.prefix+".conv2", h); err != nil {
		return nil, err
	}
	residual := x
	if b.shortcut {
		if residual, err = u.conv(b.prefix+".conv_shortcut", x); err != nil {
			return nil, err
		}
	}
	return tensor.Add(h, residual)
}

// timestepEmbedding is the sinusoidal embedding with flip_sin_to_cos and no
// frequency shift: cosines first, then sines.
func timestepEmbedding(timestep, dim int) *tensor.Tensor {
	half := dim / 2
	emb := tensor.New(1, dim)
	logMax := math.Log(10000.0)
	for i := range half {
		freq := math.Exp(-logMax * float64(i) / float64(half))
		angle := float64(timestep) * freq
		emb.Data[i] = float32(math.Cos(angle))
		emb.Data[half+i] = float32(math.Sin(angle))
	}
	return emb
}

// meanTokens pools [n, tokens, dim] to [n, dim].
func meanTokens(emb *tensor.Tensor) *tensor.Tensor {
	n, tokens, dim := emb.Shape[0], emb.Shape[1], emb.Shape[2]
	out := tensor.New(n, dim)
	for b := range n {
		dst := out.Data[b*dim : (b+1)*dim]
		for t := range tokens {
			off := (b*tokens + t) * dim
			tensor.AddInPlace(dst, emb.Data[off:off+dim])
		}
		for i := range dst {
			dst[i] /= float32(tokens)
		}
	}
	return out
}
