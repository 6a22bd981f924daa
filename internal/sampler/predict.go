package sampler

import (
	"context"
	"fmt"

	"github.com/samcharles93/redilate/internal/logger"
	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/settings"
	"github.com/samcharles93/redilate/internal/tensor"
)

// variants holds the networks a run may call. The inflated copies are built
// once per predictor and only when inflation is configured.
type variants struct {
	base            nn.Network
	inflated        nn.Network
	inflatedVanilla nn.Network
}

func buildVariants(base nn.Network, p ScheduleParams, inflate *settings.InflateSettings, vanilla bool) (*variants, error) {
	v := &variants{base: base}
	if !inflate.Enabled() || p.InflateTau == 0 {
		return v, nil
	}
	var err error
	if v.inflated, err = Inflate(base, inflate); err != nil {
		return nil, err
	}
	if vanilla && p.NdcfgTau > 0 {
		if v.inflatedVanilla, err = Inflate(base, inflate); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Predictor runs the adapted and vanilla branches of one denoising step.
type Predictor struct {
	params  ScheduleParams
	adapted *settings.DilateSettings
	vanilla *settings.DilateSettings
	inflate *settings.InflateSettings
	nets    *variants
	patcher *Patcher

	// runVanilla is false when guidance is disabled; the vanilla prediction
	// would never be read.
	runVanilla bool
}

// NewPredictor validates the settings against net and builds the network
// variants. net is used as the base variant and is never modified outside a
// prediction call.
func NewPredictor(net nn.Network, p ScheduleParams, adapted, vanilla *settings.DilateSettings, inflate *settings.InflateSettings, runVanilla bool) (*Predictor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if adapted == nil {
		adapted = settings.NewDilateSettings()
	}
	if vanilla == nil {
		vanilla = settings.NewDilateSettings()
	}
	if inflate == nil {
		inflate = &settings.InflateSettings{Layers: map[string]struct{}{}}
	}
	for _, s := range []*settings.DilateSettings{adapted, vanilla} {
		for _, name := range s.Names() {
			if _, ok := net.Conv(name); !ok {
				return nil, settings.Errorf("dilate layer %s not found in network", name)
			}
		}
	}
	for _, name := range inflate.Order {
		if _, ok := net.Conv(name); !ok {
			return nil, settings.Errorf("inflate layer %s not found in network", name)
		}
	}
	nets, err := buildVariants(net, p, inflate, runVanilla)
	if err != nil {
		return nil, err
	}
	return &Predictor{
		params:     p,
		adapted:    adapted,
		vanilla:    vanilla,
		inflate:    inflate,
		nets:       nets,
		patcher:    NewPatcher(),
		runVanilla: runVanilla,
	}, nil
}

// adaptedNet selects the network for the adapted branch at step.
func (pr *Predictor) adaptedNet(step int) nn.Network {
	if pr.params.InflateActive(step) && pr.nets.inflated != nil {
		return pr.nets.inflated
	}
	return pr.nets.base
}

func (pr *Predictor) vanillaNet(step int) nn.Network {
	if pr.params.InflateActive(step) && pr.nets.inflatedVanilla != nil {
		return pr.nets.inflatedVanilla
	}
	return pr.nets.base
}

// Predict returns the adapted-branch noise prediction and, while the vanilla
// window is open, the vanilla-branch prediction. vanilla is nil otherwise.
func (pr *Predictor) Predict(ctx context.Context, latents *tensor.Tensor, timestep, step int, emb *tensor.Tensor) (adapted, vanilla *tensor.Tensor, err error) {
	log := logger.FromContext(ctx)

	net := pr.adaptedNet(step)
	rateFn := func(name string, step int) float64 {
		return pr.params.AdaptedRate(name, step, pr.adapted, pr.inflate)
	}
	err = pr.patcher.WithPatches(net, pr.adapted, step, rateFn, func(rec *PatchRecord) error {
		if rec.Len() > 0 {
			log.Debug("adapted branch", "step", step, "rates", rec.Rates())
		}
		var ferr error
		adapted, ferr = net.Forward(ctx, latents, timestep, emb)
		return ferr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("adapted branch: %w", err)
	}
	if err := checkPrediction(adapted, latents); err != nil {
		return nil, nil, fmt.Errorf("adapted branch: %w", err)
	}

	if !pr.runVanilla || !pr.params.VanillaActive(step) {
		return adapted, nil, nil
	}

	net = pr.vanillaNet(step)
	rateFn = func(name string, step int) float64 {
		return pr.params.VanillaRate(name, step, pr.vanilla, pr.inflate)
	}
	err = pr.patcher.WithPatches(net, pr.vanilla, step, rateFn, func(rec *PatchRecord) error {
		if rec.Len() > 0 {
			log.Debug("vanilla branch", "step", step, "rates", rec.Rates())
		}
		var ferr error
		vanilla, ferr = net.Forward(ctx, latents, timestep, emb)
		return ferr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("vanilla branch: %w", err)
	}
	if err := checkPrediction(vanilla, latents); err != nil {
		return nil, nil, fmt.Errorf("vanilla branch: %w", err)
	}
	return adapted, vanilla, nil
}

func checkPrediction(pred, latents *tensor.Tensor) error {
	if pred == nil || !pred.SameShape(latents) {
		var shape []int
		if pred != nil {
			shape = pred.Shape
		}
		return tensor.Errorf("prediction shape %v does not match latents %v", shape, latents.Shape)
	}
	return nil
}
