// Package modelstore resolves a model location to the components of a
// sampling pipeline.
//
// A location is either a diffusers-style directory with unet, vae,
// text_encoder and scheduler subdirectories, or "seed:<n>", which builds the
// reference components with seeded weights.
package modelstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samcharles93/redilate/internal/sampler"
	"github.com/samcharles93/redilate/internal/scheduler"
	"github.com/samcharles93/redilate/internal/textenc"
	"github.com/samcharles93/redilate/internal/unet"
	"github.com/samcharles93/redilate/internal/vae"
)

const (
	DefaultLocation = "seed:0"

	UNetDir        = "unet"
	VAEDir         = "vae"
	TextEncoderDir = "text_encoder"
	SchedulerDir   = "scheduler"

	seedPrefix = "seed:"
)

var ErrLocation = errors.New("invalid model location")

// Model holds loaded components.
type Model struct {
	Location    string
	UNet        *unet.UNet
	TextEncoder *textenc.Encoder
	Scheduler   *scheduler.DDIM
	VAE         *vae.Decoder
}

// Components returns the model as pipeline collaborators.
func (m *Model) Components() sampler.Components {
	return sampler.Components{
		Network:     m.UNet,
		TextEncoder: m.TextEncoder,
		Scheduler:   m.Scheduler,
		Decoder:     m.VAE,
	}
}

// Load resolves location. An empty location is DefaultLocation.
func Load(location string) (*Model, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		location = DefaultLocation
	}
	if rest, ok := strings.CutPrefix(location, seedPrefix); ok {
		seed, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrLocation, location, err)
		}
		return Seeded(seed)
	}
	return LoadDir(location)
}

// Seeded builds the reference components. Each component draws from its own
// seed so that resizing one does not change the others.
func Seeded(seed uint64) (*Model, error) {
	u, err := unet.New(unet.DefaultConfig(), seed)
	if err != nil {
		return nil, err
	}
	te, err := textenc.New(textenc.DefaultConfig(), seed+1)
	if err != nil {
		return nil, err
	}
	sch, err := scheduler.New(scheduler.DefaultConfig())
	if err != nil {
		return nil, err
	}
	dec, err := vae.New(vae.DefaultConfig(), seed+2)
	if err != nil {
		return nil, err
	}
	return &Model{
		Location:    seedPrefix + strconv.FormatUint(seed, 10),
		UNet:        u,
		TextEncoder: te,
		Scheduler:   sch,
		VAE:         dec,
	}, nil
}

// LoadDir reads a diffusers-style model directory.
func LoadDir(dir string) (*Model, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLocation, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrLocation, dir)
	}

	m := &Model{Location: dir}
	if m.UNet, err = unet.Load(filepath.Join(dir, UNetDir)); err != nil {
		return nil, fmt.Errorf("load unet: %w", err)
	}
	if m.TextEncoder, err = textenc.Load(filepath.Join(dir, TextEncoderDir)); err != nil {
		return nil, fmt.Errorf("load text encoder: %w", err)
	}
	cfg, err := scheduler.LoadConfig(filepath.Join(dir, SchedulerDir))
	if err != nil {
		return nil, fmt.Errorf("load scheduler: %w", err)
	}
	if m.Scheduler, err = scheduler.New(cfg); err != nil {
		return nil, err
	}
	if m.VAE, err = vae.Load(filepath.Join(dir, VAEDir)); err != nil {
		return nil, fmt.Errorf("load vae: %w", err)
	}
	if m.UNet.Config().CrossAttentionDim != m.TextEncoder.Config().HiddenSize {
		return nil, fmt.Errorf("unet cross_attention_dim %d does not match text encoder hidden_size %d",
			m.UNet.Config().CrossAttentionDim, m.TextEncoder.Config().HiddenSize)
	}
	if m.UNet.Config().OutChannels != m.VAE.LatentChannels() {
		return nil, fmt.Errorf("unet out_channels %d does not match vae latent_channels %d",
			m.UNet.Config().OutChannels, m.VAE.LatentChannels())
	}
	return m, nil
}

// Save writes m in the layout LoadDir reads.
func (m *Model) Save(dir string) error {
	if err := m.UNet.Save(filepath.Join(dir, UNetDir)); err != nil {
		return err
	}
	if err := m.TextEncoder.Save(filepath.Join(dir, TextEncoderDir)); err != nil {
		return err
	}
	if err := m.Scheduler.Config().Save(filepath.Join(dir, SchedulerDir)); err != nil {
		return err
	}
	return m.VAE.Save(filepath.Join(dir, VAEDir))
}
