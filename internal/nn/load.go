package nn

import (
	"fmt"

	"github.com/samcharles93/redilate/internal/safetensors"
	"github.com/samcharles93/redilate/internal/tensor"
)

// LoadConv2d reads "<prefix>.weight" and the optional "<prefix>.bias". The
// padding preserves spatial size for odd kernels at stride 1.
func LoadConv2d(f *safetensors.File, prefix string, stride int) (*Conv2d, error) {
	w, err := f.Load(prefix + ".weight")
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", prefix, err)
	}
	var b *tensor.Tensor
	if _, ok := f.Tensor(prefix + ".bias"); ok {
		if b, err = f.Load(prefix + ".bias"); err != nil {
			return nil, fmt.Errorf("load %s: %w", prefix, err)
		}
	}
	if w.Dims() != 4 {
		return nil, tensor.Errorf("%s.weight has shape %v", prefix, w.Shape)
	}
	return FromWeights(w, b, stride, w.Shape[2]/2)
}

// LoadLinear reads "<prefix>.weight" [out, in] and "<prefix>.bias".
func LoadLinear(f *safetensors.File, prefix string) (*Linear, error) {
	w, err := f.Load(prefix + ".weight")
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", prefix, err)
	}
	if w.Dims() != 2 {
		return nil, tensor.Errorf("%s.weight has shape %v", prefix, w.Shape)
	}
	l := &Linear{Weight: w}
	if _, ok := f.Tensor(prefix + ".bias"); ok {
		if l.Bias, err = f.Load(prefix + ".bias"); err != nil {
			return nil, fmt.Errorf("load %s: %w", prefix, err)
		}
	}
	return l, nil
}

// LoadGroupNorm reads the affine parameters of a group norm layer.
func LoadGroupNorm(f *safetensors.File, prefix string, groups int, eps float32) (*GroupNorm, error) {
	w, err := f.Load(prefix + ".weight")
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", prefix, err)
	}
	b, err := f.Load(prefix + ".bias")
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", prefix, err)
	}
	return &GroupNorm{Groups: groups, Eps: eps, Weight: w.Data, Bias: b.Data}, nil
}

// Named returns the parameters of c under prefix.
func (c *Conv2d) Named(prefix string) []safetensors.Named {
	out := []safetensors.Named{{Name: prefix + ".weight", Tensor: c.Weight}}
	if c.Bias != nil {
		out = append(out, safetensors.Named{Name: prefix + ".bias", Tensor: c.Bias})
	}
	return out
}

func (l *Linear) Named(prefix string) []safetensors.Named {
	out := []safetensors.Named{{Name: prefix + ".weight", Tensor: l.Weight}}
	if l.Bias != nil {
		out = append(out, safetensors.Named{Name: prefix + ".bias", Tensor: l.Bias})
	}
	return out
}

func (g *GroupNorm) Named(prefix string) []safetensors.Named {
	w, _ := tensor.FromData(g.Weight, len(g.Weight))
	b, _ := tensor.FromData(g.Bias, len(g.Bias))
	return []safetensors.Named{
		{Name: prefix + ".weight", Tensor: w},
		{Name: prefix + ".bias", Tensor: b},
	}
}

// InitConv fills c with seeded fan-in scaled weights and zero bias.
func InitConv(rng *tensor.RNG, c *Conv2d) {
	k := c.KernelSize()
	rng.FillKaiming(c.Weight.Data, c.InChannels()*k*k)
	if c.Bias != nil {
		clear(c.Bias.Data)
	}
}

// InitLinear fills l with seeded fan-in scaled weights and zero bias.
func InitLinear(rng *tensor.RNG, l *Linear) {
	rng.FillKaiming(l.Weight.Data, l.Weight.Shape[1])
	if l.Bias != nil {
		clear(l.Bias.Data)
	}
}
