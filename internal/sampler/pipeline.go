// Package sampler generates images above a denoising network's native
// resolution by adapting the receptive field of selected convolution layers
// while sampling.
package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/redilate/internal/logger"
	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/settings"
	"github.com/samcharles93/redilate/internal/tensor"
	"github.com/samcharles93/redilate/internal/vae"
)

// TextEncoder maps prompts to embeddings [n, tokens, dim].
type TextEncoder interface {
	Encode(ctx context.Context, prompts []string) (*tensor.Tensor, error)
}

// Scheduler is the denoising update rule.
type Scheduler interface {
	SetTimesteps(n int) ([]int, error)
	InitNoiseSigma() float32
	ScaleModelInput(x *tensor.Tensor, t int) *tensor.Tensor
	Step(noise *tensor.Tensor, t int, latents *tensor.Tensor) (*tensor.Tensor, error)
}

// Decoder maps latents to images.
type Decoder interface {
	Decode(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error)
	ScaleFactor() int
	ScalingFactor() float32
}

// Components are the collaborators of a pipeline.
type Components struct {
	Network     nn.Network
	TextEncoder TextEncoder
	Scheduler   Scheduler
	Decoder     Decoder
}

// Config holds the sampling configuration shared by all runs of a pipeline.
type Config struct {
	Schedule        ScheduleParams
	Dilate          *settings.DilateSettings
	VanillaDilate   *settings.DilateSettings
	Inflate         *settings.InflateSettings
	GuidanceScale   float64
	GuidanceRescale float64
	Tiling          vae.TilingConfig
}

// Request describes one run.
type Request struct {
	Prompts        []string
	NegativePrompt string

	// Latents are the initial noise [len(Prompts), channels, h, w].
	Latents *tensor.Tensor

	// Progress, if set, is called after every completed step.
	Progress func(step, total int)
}

// Result is the output of a run.
type Result struct {
	RunID   string
	Images  *tensor.Tensor // [n, 3, H, W] in [0, 1]
	Latents *tensor.Tensor // final latents before decoding
	Elapsed time.Duration
}

// Pipeline runs the denoising loop. A pipeline is not safe for concurrent
// use: network layers are patched in place during each step.
type Pipeline struct {
	comps Components
	cfg   Config
	pred  *Predictor
}

// New validates the configuration against the network.
func New(comps Components, cfg Config) (*Pipeline, error) {
	if comps.Network == nil || comps.TextEncoder == nil || comps.Scheduler == nil || comps.Decoder == nil {
		return nil, settings.Errorf("pipeline requires network, text encoder, scheduler and decoder")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Tiling.Validate(); err != nil {
		return nil, settings.Errorf("tiling: %v", err)
	}
	if cfg.GuidanceRescale < 0 || cfg.GuidanceRescale > 1 {
		return nil, settings.Errorf("guidance rescale %v must be in [0, 1]", cfg.GuidanceRescale)
	}
	// the base network is never modified and inflation is deterministic, so
	// the variants are shared by every run
	pred, err := NewPredictor(comps.Network, cfg.Schedule, cfg.Dilate, cfg.VanillaDilate, cfg.Inflate, GuidanceEnabled(cfg.GuidanceScale))
	if err != nil {
		return nil, err
	}
	return &Pipeline{comps: comps, cfg: cfg, pred: pred}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Generate runs Init -> Stepping -> Decoding -> Done. Failures are returned
// as *RunError carrying the stage and step.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := logger.FromContext(ctx).With("run_id", runID)
	ctx = logger.WithContext(ctx, log)

	res, err := p.generate(ctx, req)
	if err != nil {
		// the run is now in StageFailed; the error keeps the stage it left
		log.Error("run failed", "stage", StageFailed, "error", err)
		return nil, err
	}
	res.RunID = runID
	res.Elapsed = time.Since(start)
	log.Info("run finished", "samples", len(req.Prompts), "elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

func (p *Pipeline) generate(ctx context.Context, req Request) (*Result, error) {
	log := logger.FromContext(ctx)
	cfg := p.cfg
	cfgOn := GuidanceEnabled(cfg.GuidanceScale)

	// init
	log.Debug("stage", "stage", StageInit)
	latents, emb, timesteps, pred, err := p.init(ctx, req, cfgOn)
	if err != nil {
		return nil, runError(StageInit, -1, err)
	}
	log.Info("sampling",
		"samples", len(req.Prompts),
		"latent", fmt.Sprintf("%dx%d", latents.Shape[2], latents.Shape[3]),
		"steps", len(timesteps),
		"guidance", cfg.GuidanceScale,
	)

	// stepping
	log.Debug("stage", "stage", StageStepping)
	for i, t := range timesteps {
		if err := ctx.Err(); err != nil {
			return nil, runError(StageStepping, i, err)
		}
		if latents, err = p.step(ctx, pred, latents, emb, i, t, cfgOn); err != nil {
			return nil, runError(StageStepping, i, err)
		}
		if req.Progress != nil {
			req.Progress(i+1, len(timesteps))
		}
	}

	// decoding
	log.Debug("stage", "stage", StageDecoding)
	images, err := p.decode(ctx, latents)
	if err != nil {
		return nil, runError(StageDecoding, -1, err)
	}
	log.Debug("stage", "stage", StageDone)
	return &Result{Images: images, Latents: latents}, nil
}

func (p *Pipeline) init(ctx context.Context, req Request, cfgOn bool) (*tensor.Tensor, *tensor.Tensor, []int, *Predictor, error) {
	net := p.comps.Network
	if len(req.Prompts) == 0 {
		return nil, nil, nil, nil, settings.Errorf("no prompts")
	}
	if req.Latents == nil {
		return nil, nil, nil, nil, tensor.Errorf("no initial latents")
	}
	n, c, h, w, err := req.Latents.NCHW()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if n != len(req.Prompts) || c != net.InChannels() {
		return nil, nil, nil, nil, tensor.Errorf("latents %v do not match %d prompts with %d channels", req.Latents.Shape, len(req.Prompts), net.InChannels())
	}
	if f := net.DownsampleFactor(); h%f != 0 || w%f != 0 {
		return nil, nil, nil, nil, tensor.Errorf("latent size %dx%d is not divisible by %d", h, w, f)
	}

	emb, err := p.comps.TextEncoder.Encode(ctx, req.Prompts)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode prompts: %w", err)
	}
	if cfgOn {
		neg := make([]string, len(req.Prompts))
		for i := range neg {
			neg[i] = req.NegativePrompt
		}
		uncond, err := p.comps.TextEncoder.Encode(ctx, neg)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode negative prompt: %w", err)
		}
		if emb, err = tensor.Concat(uncond, emb); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	timesteps, err := p.comps.Scheduler.SetTimesteps(p.cfg.Schedule.Steps)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	latents := tensor.Scale(req.Latents, p.comps.Scheduler.InitNoiseSigma())
	return latents, emb, timesteps, p.pred, nil
}

func (p *Pipeline) step(ctx context.Context, pred *Predictor, latents, emb *tensor.Tensor, i, t int, cfgOn bool) (*tensor.Tensor, error) {
	in := latents
	if cfgOn {
		var err error
		if in, err = tensor.Concat(latents, latents); err != nil {
			return nil, err
		}
	}
	in = p.comps.Scheduler.ScaleModelInput(in, t)

	adapted, vanilla, err := pred.Predict(ctx, in, t, i, emb)
	if err != nil {
		return nil, err
	}
	noise, err := Combine(adapted, vanilla, p.cfg.GuidanceScale, p.cfg.GuidanceRescale)
	if err != nil {
		return nil, err
	}
	next, err := p.comps.Scheduler.Step(noise, t, latents)
	if err != nil {
		return nil, fmt.Errorf("scheduler step: %w", err)
	}
	if !next.SameShape(latents) {
		return nil, tensor.Errorf("scheduler returned %v for latents %v", next.Shape, latents.Shape)
	}
	return next, nil
}

func (p *Pipeline) decode(ctx context.Context, latents *tensor.Tensor) (*tensor.Tensor, error) {
	dec := p.comps.Decoder
	z := tensor.Scale(latents, 1/dec.ScalingFactor())
	img, err := vae.DecodeTiled(ctx, z, p.cfg.Tiling, dec.ScaleFactor(), dec.Decode)
	if err != nil {
		return nil, err
	}
	for i, v := range img.Data {
		img.Data[i] = v/2 + 0.5
	}
	tensor.Clamp(img, 0, 1)
	return img, nil
}
