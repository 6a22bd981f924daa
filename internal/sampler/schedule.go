package sampler

import (
	"math"

	"github.com/samcharles93/redilate/internal/settings"
)

// DefaultInflateDivisor divides the dilation rate of inflated layers while
// the inflation window is open.
const DefaultInflateDivisor = 2

// ScheduleParams controls when receptive-field adaptation is active.
type ScheduleParams struct {
	Steps       int  // total denoising steps
	DilateTau   int  // adapted-branch dilation is active for steps < DilateTau
	NdcfgTau    int  // vanilla branch runs for steps < NdcfgTau
	InflateTau  int  // inflated kernels are used for steps < InflateTau
	Progressive bool // decay rates linearly towards 2 across the window

	// InflateDivisor is a tuning knob; 0 means DefaultInflateDivisor.
	InflateDivisor float64
}

// Validate rejects negative or out of range parameters.
func (p ScheduleParams) Validate() error {
	if p.Steps <= 0 {
		return settings.Errorf("inference steps %d must be positive", p.Steps)
	}
	taus := []struct {
		name string
		v    int
	}{{"dilate_tau", p.DilateTau}, {"ndcfg_tau", p.NdcfgTau}, {"inflate_tau", p.InflateTau}}
	for _, tau := range taus {
		if tau.v < 0 {
			return settings.Errorf("%s %d must be >= 0", tau.name, tau.v)
		}
	}
	if p.InflateDivisor < 0 || math.IsNaN(p.InflateDivisor) {
		return settings.Errorf("inflate divisor %v must be positive", p.InflateDivisor)
	}
	return nil
}

func (p ScheduleParams) divisor() float64 {
	if p.InflateDivisor == 0 {
		return DefaultInflateDivisor
	}
	return p.InflateDivisor
}

// InflateActive reports whether step lies inside the inflation window.
func (p ScheduleParams) InflateActive(step int) bool {
	return step < p.InflateTau
}

// VanillaActive reports whether the vanilla branch runs at step.
func (p ScheduleParams) VanillaActive(step int) bool {
	return step < p.NdcfgTau
}

// Rate returns the effective dilation rate of a layer at step with the
// default inflation divisor. A result of 0 means the layer is inactive.
func Rate(name string, step int, s *settings.DilateSettings, tau int, progressive, inflateActive bool) float64 {
	return rate(name, step, s, tau, progressive, inflateActive, DefaultInflateDivisor)
}

func rate(name string, step int, s *settings.DilateSettings, tau int, progressive, inflateActive bool, divisor float64) float64 {
	base, ok := s.Rate(name)
	if !ok || tau <= 0 || step >= tau {
		return 0
	}
	r := base
	if progressive {
		frac := float64(tau-step) / float64(tau)
		r = math.Max(math.Ceil(base*frac), 2)
	}
	if inflateActive {
		r /= divisor
	}
	return r
}

// AdaptedRate is the rate of name in the adapted branch at step.
func (p ScheduleParams) AdaptedRate(name string, step int, s *settings.DilateSettings, inflate *settings.InflateSettings) float64 {
	return rate(name, step, s, p.DilateTau, p.Progressive, p.InflateActive(step) && inflate.Has(name), p.divisor())
}

// VanillaRate is the rate of name in the vanilla branch at step.
func (p ScheduleParams) VanillaRate(name string, step int, s *settings.DilateSettings, inflate *settings.InflateSettings) float64 {
	return rate(name, step, s, p.NdcfgTau, p.Progressive, p.InflateActive(step) && inflate.Has(name), p.divisor())
}
