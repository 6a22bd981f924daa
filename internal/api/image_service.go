package api

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/redilate/internal/imageio"
	"github.com/samcharles93/redilate/internal/logger"
	"github.com/samcharles93/redilate/internal/sampler"
	"github.com/samcharles93/redilate/internal/tensor"
)

// Generator runs one sampling request.
type Generator interface {
	Generate(ctx context.Context, req sampler.Request) (*sampler.Result, error)
}

type ImageServiceConfig struct {
	Model          string
	LatentChannels int
	LatentHeight   int
	LatentWidth    int
	// MaxImages caps n per request.
	MaxImages int
}

// ImageService turns API requests into sampling runs. Runs are serialized:
// the pipeline patches network layers in place.
type ImageService struct {
	gen   Generator
	cfg   ImageServiceConfig
	mu    sync.Mutex
	clock func() time.Time
	seed  func() uint64
}

func NewImageService(gen Generator, cfg ImageServiceConfig) *ImageService {
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 4
	}
	return &ImageService{
		gen:   gen,
		cfg:   cfg,
		clock: time.Now,
		seed:  rand.Uint64,
	}
}

func (s *ImageService) Model() string { return s.cfg.Model }

func (s *ImageService) validate(req *ImageGenerationRequest) (int, error) {
	if req.Prompt == "" {
		return 0, newInvalidParam("prompt", "prompt is required")
	}
	if req.Model != "" && req.Model != s.cfg.Model {
		return 0, newInvalidParam("model", fmt.Sprintf("model %q is not loaded", req.Model))
	}
	if req.ResponseFormat != "" && req.ResponseFormat != "b64_json" {
		return 0, newInvalidParam("response_format", fmt.Sprintf("response_format %q is not supported", req.ResponseFormat))
	}
	n := 1
	if req.N != nil {
		n = *req.N
	}
	if n < 1 || n > s.cfg.MaxImages {
		return 0, newInvalidParam("n", fmt.Sprintf("n must be between 1 and %d", s.cfg.MaxImages))
	}
	return n, nil
}

func (s *ImageService) Generate(ctx context.Context, req *ImageGenerationRequest) (*ImageGenerationResponse, error) {
	n, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	seed := s.seed()
	if req.Seed != nil {
		seed = *req.Seed
	}
	prompts := slices.Repeat([]string{req.Prompt}, n)
	latents := tensor.Randn(seed, n, s.cfg.LatentChannels, s.cfg.LatentHeight, s.cfg.LatentWidth)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("image request", "n", n, "seed", seed)
	res, err := s.gen.Generate(ctx, sampler.Request{
		Prompts:        prompts,
		NegativePrompt: req.NegativePrompt,
		Latents:        latents,
	})
	if err != nil {
		return nil, err
	}

	imgs, err := imageio.ToImages(res.Images)
	if err != nil {
		return nil, err
	}
	out := &ImageGenerationResponse{
		ID:      "img-" + res.RunID,
		Created: s.clock().Unix(),
		Seed:    seed,
		Data:    make([]ImageData, 0, len(imgs)),
	}
	for _, img := range imgs {
		b64, err := imageio.EncodeBase64PNG(img)
		if err != nil {
			return nil, err
		}
		out.Data = append(out.Data, ImageData{B64JSON: b64, RevisedPrompt: req.Prompt})
	}
	return out, nil
}
