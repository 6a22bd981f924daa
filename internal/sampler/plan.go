package sampler

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/redilate/internal/nn"
)

// StepPlan lists the effective per-layer rates of one denoising step.
type StepPlan struct {
	Step         int                                     `json:"step"`
	Inflate      bool                                    `json:"inflate"`
	Vanilla      bool                                    `json:"vanilla"`
	Adapted      *orderedmap.OrderedMap[string, float64] `json:"adapted"`
	VanillaRates *orderedmap.OrderedMap[string, float64] `json:"vanilla_rates,omitempty"` // nil when the vanilla branch is off
}

// Plan evaluates the schedule for every step without touching the network.
// Only layers with a configured rate, or listed for inflation, appear; layers
// keep the network's forward order. A rate of 0 means the layer runs
// unmodified at that step.
func Plan(net nn.Network, cfg Config) []StepPlan {
	var names []string
	for _, name := range net.ConvNames() {
		_, adapted := cfg.Dilate.Rate(name)
		_, vanilla := cfg.VanillaDilate.Rate(name)
		if adapted || vanilla || cfg.Inflate.Has(name) {
			names = append(names, name)
		}
	}

	p := cfg.Schedule
	cfgOn := GuidanceEnabled(cfg.GuidanceScale)
	out := make([]StepPlan, p.Steps)
	for step := range p.Steps {
		sp := StepPlan{
			Step:    step,
			Inflate: cfg.Inflate.Enabled() && p.InflateActive(step),
			Vanilla: cfgOn && p.VanillaActive(step),
			Adapted: orderedmap.New[string, float64](),
		}
		for _, name := range names {
			sp.Adapted.Set(name, p.AdaptedRate(name, step, cfg.Dilate, cfg.Inflate))
		}
		if sp.Vanilla {
			sp.VanillaRates = orderedmap.New[string, float64]()
			for _, name := range names {
				sp.VanillaRates.Set(name, p.VanillaRate(name, step, cfg.VanillaDilate, cfg.Inflate))
			}
		}
		out[step] = sp
	}
	return out
}
