package sampler

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/settings"
	"github.com/samcharles93/redilate/internal/tensor"
)

// RateFunc returns the effective dilation rate of a layer at a step.
type RateFunc func(name string, step int) float64

// dilatedConv emulates a dilated receptive field by running the layer's
// native convolution on a downscaled input and resizing the result back to
// the size the native convolution would have produced.
type dilatedConv struct {
	rate float64
}

func (d *dilatedConv) Forward(c *nn.Conv2d, x *tensor.Tensor) (*tensor.Tensor, error) {
	_, _, h, w, err := x.NCHW()
	if err != nil {
		return nil, err
	}
	dh := max(int(math.Floor(float64(h)/d.rate)), 1)
	dw := max(int(math.Floor(float64(w)/d.rate)), 1)
	small, err := tensor.Bilinear(x, dh, dw)
	if err != nil {
		return nil, err
	}
	y, err := c.Direct(small)
	if err != nil {
		return nil, err
	}
	oh, ow := c.OutputSize(h, w)
	return tensor.Bilinear(y, oh, ow)
}

// PatchRecord holds the strategies displaced by one Patch call.
type PatchRecord struct {
	net       nn.Network
	order     []string
	prev      map[string]nn.Forwarder
	installed map[string]nn.Forwarder
	rates     map[string]float64
}

// Rates returns the rate installed on each patched layer.
func (r *PatchRecord) Rates() map[string]float64 {
	out := make(map[string]float64, len(r.rates))
	for k, v := range r.rates {
		out[k] = v
	}
	return out
}

// Len returns the number of patched layers.
func (r *PatchRecord) Len() int { return len(r.order) }

// Patcher installs and removes dilation strategies. It allows at most one
// active record per network.
type Patcher struct {
	mu     sync.Mutex
	active map[nn.Network]*PatchRecord
}

func NewPatcher() *Patcher {
	return &Patcher{active: map[nn.Network]*PatchRecord{}}
}

// Patch installs a dilation strategy on every layer of s whose rate at step
// is above 1. Layers with lower rates are left untouched.
func (p *Patcher) Patch(net nn.Network, s *settings.DilateSettings, step int, rateFn RateFunc) (*PatchRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[net]; busy {
		return nil, fmt.Errorf("%w: network already has an active patch", ErrPatchRestoration)
	}

	rec := &PatchRecord{
		net:       net,
		prev:      map[string]nn.Forwarder{},
		installed: map[string]nn.Forwarder{},
		rates:     map[string]float64{},
	}
	for _, name := range s.Names() {
		c, ok := net.Conv(name)
		if !ok {
			return nil, errors.Join(settings.Errorf("dilate layer %s not found in network", name), restore(net, rec))
		}
		r := rateFn(name, step)
		if r <= 1 {
			continue
		}
		f := &dilatedConv{rate: r}
		rec.prev[name] = c.Swap(f)
		rec.installed[name] = f
		rec.rates[name] = r
		rec.order = append(rec.order, name)
	}
	p.active[net] = rec
	return rec, nil
}

// Unpatch restores every layer in rec. Restoration is attempted for all
// layers even when some fail.
func (p *Patcher) Unpatch(net nn.Network, rec *PatchRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec == nil {
		return nil
	}
	if rec.net != net || p.active[net] != rec {
		return fmt.Errorf("%w: record does not belong to this network", ErrPatchRestoration)
	}
	delete(p.active, net)
	return restore(net, rec)
}

// Active reports whether net currently has an active record.
func (p *Patcher) Active(net nn.Network) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[net]
	return ok
}

func restore(net nn.Network, rec *PatchRecord) error {
	var errs []error
	for i := len(rec.order) - 1; i >= 0; i-- {
		name := rec.order[i]
		c, ok := net.Conv(name)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: layer %s disappeared", ErrPatchRestoration, name))
			continue
		}
		if cur := c.Swap(rec.prev[name]); cur != rec.installed[name] {
			errs = append(errs, fmt.Errorf("%w: layer %s was repatched during the call", ErrPatchRestoration, name))
		}
	}
	return errors.Join(errs...)
}

// WithPatches patches net, runs fn and restores net afterwards, also when fn
// fails or panics.
func (p *Patcher) WithPatches(net nn.Network, s *settings.DilateSettings, step int, rateFn RateFunc, fn func(*PatchRecord) error) (err error) {
	rec, err := p.Patch(net, s, step, rateFn)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := p.Unpatch(net, rec); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()
	return fn(rec)
}
