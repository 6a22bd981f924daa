package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/redilate/internal/config"
)

// Config represents the user configuration file (~/.config/redilate/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model string `yaml:"model"`

	// Sampling defaults
	Steps           *int     `yaml:"steps"`
	Seed            *uint64  `yaml:"seed"`
	GuidanceScale   *float64 `yaml:"guidance_scale"`
	GuidanceRescale *float64 `yaml:"guidance_rescale"`
	LatentHeight    *int     `yaml:"latent_height"`
	LatentWidth     *int     `yaml:"latent_width"`

	// Output
	OutputDir string `yaml:"output_dir"`
	Format    string `yaml:"format"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "redilate", "config.yaml")
}

// applyRunDefaults copies user defaults into r. They sit below the run
// config file and the command line.
func applyRunDefaults(cfg Config, r *config.Run) {
	if cfg.Model != "" {
		r.Model = cfg.Model
	}
	if cfg.Steps != nil {
		r.NumInferenceSteps = *cfg.Steps
	}
	if cfg.Seed != nil {
		r.Seed = *cfg.Seed
	}
	if cfg.GuidanceScale != nil {
		r.GuidanceScale = *cfg.GuidanceScale
	}
	if cfg.GuidanceRescale != nil {
		r.GuidanceRescale = *cfg.GuidanceRescale
	}
	if cfg.LatentHeight != nil {
		r.LatentHeight = *cfg.LatentHeight
	}
	if cfg.LatentWidth != nil {
		r.LatentWidth = *cfg.LatentWidth
	}
	if cfg.OutputDir != "" {
		r.OutputDir = cfg.OutputDir
	}
	if cfg.Format != "" {
		r.Format = config.NormalizeFormat(cfg.Format)
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
