// Package config reads the YAML run configuration of a sampling job.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/redilate/internal/sampler"
	"github.com/samcharles93/redilate/internal/settings"
	"github.com/samcharles93/redilate/internal/vae"
)

// ErrConfiguration is returned for unreadable or invalid run configs.
var ErrConfiguration = settings.ErrConfiguration

// Output image formats.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

// Run is a sampling job. Settings file paths that are relative are resolved
// against the directory of the config file.
type Run struct {
	Model string `yaml:"model"`

	DilateSettings      string `yaml:"dilate_settings"`
	NdcfgDilateSettings string `yaml:"ndcfg_dilate_settings"`
	InflateSettings     string `yaml:"inflate_settings"`
	InflateTransform    string `yaml:"inflate_transform"`

	DilateTau      int     `yaml:"dilate_tau"`
	NdcfgTau       int     `yaml:"ndcfg_tau"`
	InflateTau     int     `yaml:"inflate_tau"`
	InflateDivisor float64 `yaml:"inflate_divisor"`
	Progressive    bool    `yaml:"progressive"`

	LatentHeight       int `yaml:"latent_height"`
	LatentWidth        int `yaml:"latent_width"`
	Height             int `yaml:"height"` // pixels; overrides latent_height when set
	Width              int `yaml:"width"`  // pixels; overrides latent_width when set
	NumInferenceSteps  int `yaml:"num_inference_steps"`
	InferenceBatchSize int `yaml:"inference_batch_size"`
	NumItersPerPrompt  int `yaml:"num_iters_per_prompt"`

	GuidanceScale   float64 `yaml:"guidance_scale"`
	GuidanceRescale float64 `yaml:"guidance_rescale"`
	NegativePrompt  string  `yaml:"negative_prompt"`
	Seed            uint64  `yaml:"seed"`

	TileSize    int `yaml:"vae_tile_size"`
	TileOverlap int `yaml:"vae_tile_overlap"`

	OutputDir string `yaml:"output_dir"`
	Format    string `yaml:"format"`
	KeepGoing bool   `yaml:"keep_going"`
}

// Default returns the values used for keys a config file leaves out.
func Default() Run {
	tiling := vae.DefaultTilingConfig()
	return Run{
		Model:              "seed:0",
		InflateDivisor:     sampler.DefaultInflateDivisor,
		LatentHeight:       64,
		LatentWidth:        64,
		NumInferenceSteps:  50,
		InferenceBatchSize: 1,
		NumItersPerPrompt:  1,
		GuidanceScale:      7.5,
		Seed:               23,
		TileSize:           tiling.TileSize,
		TileOverlap:        tiling.Overlap,
		OutputDir:          "outputs",
		Format:             FormatJPEG,
	}
}

// Load reads path on top of Default. Unknown keys are rejected.
func Load(path string) (Run, error) {
	return LoadOnto(path, Default())
}

// LoadOnto reads path on top of base, keeping base values for keys the file
// leaves out.
func LoadOnto(path string, base Run) (Run, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Run{}, settings.Errorf("run config: %v", err)
	}
	r, err := ParseOnto(bytes.NewReader(raw), base)
	if err != nil {
		return Run{}, settings.Errorf("run config %s: %v", path, err)
	}
	r.resolvePaths(filepath.Dir(path))
	return r, nil
}

// Parse decodes a YAML run config on top of Default.
func Parse(rd io.Reader) (Run, error) {
	return ParseOnto(rd, Default())
}

// ParseOnto decodes a YAML run config on top of base.
func ParseOnto(rd io.Reader, base Run) (Run, error) {
	r := base
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return Run{}, settings.Errorf("%v", err)
	}
	r.Format = NormalizeFormat(r.Format)
	return r, nil
}

func (r *Run) resolvePaths(base string) {
	for _, p := range []*string{&r.DilateSettings, &r.NdcfgDilateSettings, &r.InflateSettings, &r.InflateTransform} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// NormalizeFormat maps aliases such as "jpg" to the canonical format name.
func NormalizeFormat(f string) string {
	switch f = strings.ToLower(strings.TrimSpace(f)); f {
	case "jpg":
		return FormatJPEG
	case "tif":
		return FormatTIFF
	default:
		return f
	}
}

// Schedule returns the window parameters.
func (r Run) Schedule() sampler.ScheduleParams {
	return sampler.ScheduleParams{
		Steps:          r.NumInferenceSteps,
		DilateTau:      r.DilateTau,
		NdcfgTau:       r.NdcfgTau,
		InflateTau:     r.InflateTau,
		Progressive:    r.Progressive,
		InflateDivisor: r.InflateDivisor,
	}
}

// LatentSize returns the latent resolution for a decoder that upsamples by
// scale. Pixel sizes, when given, must be multiples of scale.
func (r Run) LatentSize(scale int) (h, w int, err error) {
	h, w = r.LatentHeight, r.LatentWidth
	if r.Height > 0 {
		if r.Height%scale != 0 {
			return 0, 0, settings.Errorf("height %d is not a multiple of the decoder scale %d", r.Height, scale)
		}
		h = r.Height / scale
	}
	if r.Width > 0 {
		if r.Width%scale != 0 {
			return 0, 0, settings.Errorf("width %d is not a multiple of the decoder scale %d", r.Width, scale)
		}
		w = r.Width / scale
	}
	return h, w, nil
}

func (r Run) Tiling() vae.TilingConfig {
	return vae.TilingConfig{TileSize: r.TileSize, Overlap: r.TileOverlap}
}

// Validate checks every field that does not need the model.
func (r Run) Validate() error {
	var errs []error
	if err := r.Schedule().Validate(); err != nil {
		errs = append(errs, err)
	}
	if r.LatentHeight <= 0 || r.LatentWidth <= 0 {
		errs = append(errs, settings.Errorf("latent size %dx%d must be positive", r.LatentHeight, r.LatentWidth))
	}
	if r.Height < 0 || r.Width < 0 {
		errs = append(errs, settings.Errorf("image size %dx%d must not be negative", r.Height, r.Width))
	}
	if r.InferenceBatchSize <= 0 {
		errs = append(errs, settings.Errorf("inference_batch_size %d must be positive", r.InferenceBatchSize))
	}
	if r.NumItersPerPrompt <= 0 {
		errs = append(errs, settings.Errorf("num_iters_per_prompt %d must be positive", r.NumItersPerPrompt))
	}
	if r.GuidanceRescale < 0 || r.GuidanceRescale > 1 {
		errs = append(errs, settings.Errorf("guidance_rescale %v must be in [0, 1]", r.GuidanceRescale))
	}
	if err := r.Tiling().Validate(); err != nil {
		errs = append(errs, settings.Errorf("vae tiling: %v", err))
	}
	switch r.Format {
	case FormatPNG, FormatJPEG, FormatBMP, FormatTIFF:
	default:
		errs = append(errs, settings.Errorf("unknown output format %q", r.Format))
	}
	if r.InflateSettings != "" && r.InflateTransform == "" {
		errs = append(errs, settings.Errorf("inflate_settings requires inflate_transform"))
	}
	return errors.Join(errs...)
}

// SamplerConfig validates r and loads the settings files it names.
func (r Run) SamplerConfig() (sampler.Config, error) {
	if err := r.Validate(); err != nil {
		return sampler.Config{}, err
	}
	dilate, err := settings.LoadDilateSettings(r.DilateSettings)
	if err != nil {
		return sampler.Config{}, err
	}
	vanilla, err := settings.LoadDilateSettings(r.NdcfgDilateSettings)
	if err != nil {
		return sampler.Config{}, err
	}
	inflate, err := settings.LoadInflateSettings(r.InflateSettings, r.InflateTransform)
	if err != nil {
		return sampler.Config{}, err
	}
	return sampler.Config{
		Schedule:        r.Schedule(),
		Dilate:          dilate,
		VanillaDilate:   vanilla,
		Inflate:         inflate,
		GuidanceScale:   r.GuidanceScale,
		GuidanceRescale: r.GuidanceRescale,
		Tiling:          r.Tiling(),
	}, nil
}
