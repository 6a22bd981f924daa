package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/redilate/internal/config"
)

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "model: /models/sd15\nsteps: 30\nseed: 0\nformat: jpg\nserver_address: 0.0.0.0:9000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := loadConfigFile(path)
	if cfg.Model != "/models/sd15" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Steps == nil || *cfg.Steps != 30 {
		t.Fatalf("steps not read: %v", cfg.Steps)
	}
	if cfg.Seed == nil || *cfg.Seed != 0 {
		t.Fatalf("explicit zero seed must be kept: %v", cfg.Seed)
	}
	if cfg.GuidanceScale != nil {
		t.Fatalf("unset guidance scale must stay nil")
	}

	r := config.Default()
	applyRunDefaults(cfg, &r)
	if r.Model != "/models/sd15" || r.NumInferenceSteps != 30 || r.Seed != 0 || r.Format != config.FormatJPEG {
		t.Fatalf("defaults not applied: %+v", r)
	}
	if r.GuidanceScale != config.Default().GuidanceScale {
		t.Fatalf("unset values must keep built-in defaults, got guidance %v", r.GuidanceScale)
	}
}

func TestLoadConfigFileMissingOrInvalid(t *testing.T) {
	dir := t.TempDir()
	if cfg := loadConfigFile(filepath.Join(dir, "missing.yaml")); cfg != (Config{}) {
		t.Fatalf("missing file should give zero config, got %+v", cfg)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("steps: [1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if cfg := loadConfigFile(bad); cfg != (Config{}) {
		t.Fatalf("invalid file should give zero config, got %+v", cfg)
	}
}

func TestFormatRate(t *testing.T) {
	for r, want := range map[float64]string{0: "-", 2: "2", 1.5: "1.5"} {
		if got := formatRate(r); got != want {
			t.Fatalf("formatRate(%v) = %q, want %q", r, got, want)
		}
	}
}
