package tensor

import (
	"math"
	"math/rand/v2"
)

// RNG is a seeded source of standard normal samples. Two RNGs created with the
// same seed produce the same sequence.
type RNG struct {
	r *rand.Rand
}

// NewRNG returns a generator seeded with seed.
func NewRNG(seed uint64) *RNG {
	return &RNG{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Normal returns one standard normal sample.
func (g *RNG) Normal() float32 {
	return float32(g.r.NormFloat64())
}

// Uniform returns a sample in [lo, hi).
func (g *RNG) Uniform(lo, hi float32) float32 {
	return lo + (hi-lo)*g.r.Float32()
}

// Randn returns a tensor of standard normal samples.
func (g *RNG) Randn(shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = g.Normal()
	}
	return t
}

// FillNormal fills dst with normal samples of the given standard deviation.
func (g *RNG) FillNormal(dst []float32, std float32) {
	for i := range dst {
		dst[i] = g.Normal() * std
	}
}

// FillKaiming fills a weight buffer using a fan-in scaled uniform
// distribution, the default initialisation of convolution and linear layers.
func (g *RNG) FillKaiming(dst []float32, fanIn int) {
	if fanIn <= 0 {
		fanIn = 1
	}
	bound := float32(1 / math.Sqrt(float64(fanIn)))
	for i := range dst {
		dst[i] = g.Uniform(-bound, bound)
	}
}

// Randn is a convenience wrapper drawing one tensor from a fresh generator.
func Randn(seed uint64, shape ...int) *Tensor {
	return NewRNG(seed).Randn(shape...)
}
