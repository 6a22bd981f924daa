package nn

import (
	"github.com/samcharles93/redilate/internal/tensor"
)

// GroupNorm holds the affine parameters of a group normalisation layer.
type GroupNorm struct {
	Groups int
	Eps    float32
	Weight []float32
	Bias   []float32
}

// NewGroupNorm returns an identity-initialised group norm over channels.
func NewGroupNorm(groups, channels int) *GroupNorm {
	g := &GroupNorm{
		Groups: groups,
		Eps:    1e-5,
		Weight: make([]float32, channels),
		Bias:   make([]float32, channels),
	}
	for i := range g.Weight {
		g.Weight[i] = 1
	}
	return g
}

func (g *GroupNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GroupNorm(x, g.Groups, g.Weight, g.Bias, g.Eps)
}

func (g *GroupNorm) Clone() *GroupNorm {
	return &GroupNorm{
		Groups: g.Groups,
		Eps:    g.Eps,
		Weight: append([]float32(nil), g.Weight...),
		Bias:   append([]float32(nil), g.Bias...),
	}
}

// Linear is a dense layer with weight [out, in].
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLinear allocates a zero-weight linear layer.
func NewLinear(in, out int) *Linear {
	return &Linear{Weight: tensor.New(out, in), Bias: tensor.New(out)}
}

// Forward maps x [n, in] to [n, out].
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, in := l.Weight.Shape[0], l.Weight.Shape[1]
	if x.Dims() != 2 || x.Shape[1] != in {
		return nil, tensor.Errorf("linear expects [n, %d], got %v", in, x.Shape)
	}
	n := x.Shape[0]
	y := tensor.New(n, out)
	for b := 0; b < n; b++ {
		row := x.Data[b*in : (b+1)*in]
		dst := y.Data[b*out : (b+1)*out]
		for o := 0; o < out; o++ {
			v := tensor.Dot(l.Weight.Data[o*in:(o+1)*in], row)
			if l.Bias != nil {
				v += l.Bias.Data[o]
			}
			dst[o] = v
		}
	}
	return y, nil
}

func (l *Linear) Clone() *Linear {
	return &Linear{Weight: l.Weight.Clone(), Bias: l.Bias.Clone()}
}
