// Package vae holds the reference latent decoder and tiled decoding.
package vae

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/safetensors"
	"github.com/samcharles93/redilate/internal/tensor"
)

const (
	ConfigFile  = "config.json"
	WeightsFile = "diffusion_pytorch_model.safetensors"
)

// Config mirrors the fields of a diffusers AutoencoderKL config.json that the
// decoder uses. Each entry of BlockOutChannels after the first adds one 2x
// upsampling stage.
type Config struct {
	LatentChannels   int     `json:"latent_channels"`
	OutChannels      int     `json:"out_channels"`
	BlockOutChannels []int   `json:"block_out_channels"`
	ScalingFactor    float32 `json:"scaling_factor"`
}

func DefaultConfig() Config {
	return Config{
		LatentChannels:   4,
		OutChannels:      3,
		BlockOutChannels: []int{32, 32, 16, 16},
		ScalingFactor:    0.18215,
	}
}

func (c Config) validate() error {
	if c.LatentChannels <= 0 || c.OutChannels <= 0 || len(c.BlockOutChannels) == 0 {
		return fmt.Errorf("vae config: invalid channel layout %+v", c)
	}
	if c.ScalingFactor <= 0 {
		return fmt.Errorf("vae config: scaling_factor %v must be positive", c.ScalingFactor)
	}
	return nil
}

// Decoder maps latents to RGB images in roughly [-1, 1]. Every layer acts on
// one spatial position at a time, so tiled decoding matches whole-image
// decoding.
type Decoder struct {
	cfg       Config
	postQuant *nn.Conv2d
	convIn    *nn.Conv2d
	ups       []*nn.Conv2d
	convOut   *nn.Conv2d
}

// New builds a decoder with seeded weights.
func New(cfg Config, seed uint64) (*Decoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := tensor.NewRNG(seed)
	ch := cfg.BlockOutChannels
	d := &Decoder{
		cfg:       cfg,
		postQuant: nn.NewConv2d(cfg.LatentChannels, cfg.LatentChannels, 1, 1, 0, true),
		convIn:    nn.NewConv2d(cfg.LatentChannels, ch[0], 1, 1, 0, true),
		convOut:   nn.NewConv2d(ch[len(ch)-1], cfg.OutChannels, 1, 1, 0, true),
	}
	for i := 1; i < len(ch); i++ {
		d.ups = append(d.ups, nn.NewConv2d(ch[i-1], ch[i], 1, 1, 0, true))
	}
	for _, c := range d.convs() {
		nn.InitConv(rng, c)
	}
	return d, nil
}

// Load reads config.json and weights from a diffusers vae directory.
func Load(dir string) (*Decoder, error) {
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

	d := &Decoder{cfg: cfg}
	if d.postQuant, err = nn.LoadConv2d(f, "post_quant_conv", 1); err != nil {
		return nil, err
	}
	if d.convIn, err = nn.LoadConv2d(f, "decoder.conv_in", 1); err != nil {
		return nil, err
	}
	for i := 1; i < len(cfg.BlockOutChannels); i++ {
		c, err := nn.LoadConv2d(f, fmt.Sprintf("decoder.up_blocks.%d.upsamplers.0.conv", i-1), 1)
		if err != nil {
			return nil, err
		}
		d.ups = append(d.ups, c)
	}
	if d.convOut, err = nn.LoadConv2d(f, "decoder.conv_out", 1); err != nil {
		return nil, err
	}
	return d, nil
}

// Save writes config.json and weights to dir in the layout Load reads.
func (d *Decoder) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(d.cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), raw, 0o644); err != nil {
		return err
	}
	var named []safetensors.Named
	named = append(named, d.postQuant.Named("post_quant_conv")...)
	named = append(named, d.convIn.Named("decoder.conv_in")...)
	for i, c := range d.ups {
		named = append(named, c.Named(fmt.Sprintf("decoder.up_blocks.%d.upsamplers.0.conv", i))...)
	}
	named = append(named, d.convOut.Named("decoder.conv_out")...)
	return safetensors.WriteFile(filepath.Join(dir, WeightsFile), named, safetensors.WriteOptions{})
}

func (d *Decoder) convs() []*nn.Conv2d {
	out := []*nn.Conv2d{d.postQuant, d.convIn}
	out = append(out, d.ups...)
	return append(out, d.convOut)
}

// Decode maps latents [n, latent, h, w] to images [n, out, h*s, w*s].
func (d *Decoder) Decode(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := d.postQuant.Forward(z)
	if err != nil {
		return nil, fmt.Errorf("post_quant_conv: %w", err)
	}
	if x, err = d.convIn.Forward(x); err != nil {
		return nil, fmt.Errorf("conv_in: %w", err)
	}
	tensor.SiluInPlace(x)
	for i, up := range d.ups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, _, h, w, err := x.NCHW()
		if err != nil {
			return nil, err
		}
		if x, err = tensor.Nearest(x, 2*h, 2*w); err != nil {
			return nil, err
		}
		if x, err = up.Forward(x); err != nil {
			return nil, fmt.Errorf("up block %d: %w", i, err)
		}
		tensor.SiluInPlace(x)
	}
	if x, err = d.convOut.Forward(x); err != nil {
		return nil, fmt.Errorf("conv_out: %w", err)
	}
	return x, nil
}

// ScaleFactor is the spatial upscaling between latent and image.
func (d *Decoder) ScaleFactor() int { return 1 << len(d.ups) }

// ScalingFactor is the latent normalisation constant.
func (d *Decoder) ScalingFactor() float32 { return d.cfg.ScalingFactor }

func (d *Decoder) LatentChannels() int { return d.cfg.LatentChannels }
