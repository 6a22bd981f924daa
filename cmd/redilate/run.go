package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/redilate/internal/config"
	"github.com/samcharles93/redilate/internal/logger"
	"github.com/samcharles93/redilate/internal/modelstore"
	"github.com/samcharles93/redilate/internal/sampler"
)

// loadRun layers the run configuration: built-in defaults, then the user
// config, then the --config file, then --model.
func loadRun(cmd *cli.Command) (config.Run, error) {
	r := config.Default()
	applyRunDefaults(LoadConfig(), &r)
	if runConfigPath != "" {
		var err error
		if r, err = config.LoadOnto(runConfigPath, r); err != nil {
			return config.Run{}, err
		}
	}
	if cmd.IsSet("model") {
		r.Model = modelLocation
	}
	return r, nil
}

// buildPipeline loads the settings files and the model named by r.
func buildPipeline(ctx context.Context, r config.Run) (*modelstore.Model, *sampler.Pipeline, error) {
	log := logger.FromContext(ctx)
	cfg, err := r.SamplerConfig()
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	m, err := modelstore.Load(r.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}
	log.Info("model loaded", "model", m.Location, "elapsed", time.Since(start).Round(time.Millisecond))
	p, err := sampler.New(m.Components(), cfg)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("pipeline ready",
		"dilate_layers", cfg.Dilate.Len(),
		"ndcfg_layers", cfg.VanillaDilate.Len(),
		"inflate", cfg.Inflate.Enabled(),
	)
	return m, p, nil
}
