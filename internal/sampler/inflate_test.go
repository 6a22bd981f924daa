package sampler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/settings"
	"github.com/samcharles93/redilate/internal/tensor"
)

// centreEmbed maps a k x k kernel to the centre of a kp x kp kernel.
func centreEmbed(k, kp int) *mat.Dense {
	r := mat.NewDense(kp*kp, k*k, nil)
	off := (kp - k) / 2
	for y := range k {
		for x := range k {
			r.Set((y+off)*kp+(x+off), y*k+x, 1)
		}
	}
	return r
}

func TestInflateConvCentreEmbeddingPreservesOutput(t *testing.T) {
	t.Parallel()
	c := nn.NewConv2d(3, 5, 3, 1, 1, true)
	rng := tensor.NewRNG(9)
	nn.InitConv(rng, c)
	rng.FillNormal(c.Bias.Data, 0.5)

	inflated, err := InflateConv(c, centreEmbed(3, 5))
	require.NoError(t, err)
	require.Equal(t, 5, inflated.KernelSize())
	require.Equal(t, c.InChannels(), inflated.InChannels())
	require.Equal(t, c.OutChannels(), inflated.OutChannels())
	require.Equal(t, 2, inflated.Padding)

	x := tensor.Randn(4, 2, 3, 9, 7)
	want, err := c.Forward(x)
	require.NoError(t, err)
	got, err := inflated.Forward(x)
	require.NoError(t, err)
	require.Equal(t, want.Shape, got.Shape)
	diff, err := tensor.MaxAbsDiff(want, got)
	require.NoError(t, err)
	require.Less(t, diff, float32(1e-5))
}

func TestInflateConvDeterministic(t *testing.T) {
	t.Parallel()
	c := nn.NewConv2d(2, 2, 3, 1, 1, false)
	nn.InitConv(tensor.NewRNG(1), c)
	r := mat.NewDense(25, 9, nil)
	rng := tensor.NewRNG(2)
	for i := range 25 {
		for j := range 9 {
			r.Set(i, j, float64(rng.Normal()))
		}
	}
	a, err := InflateConv(c, r)
	require.NoError(t, err)
	b, err := InflateConv(c, r)
	require.NoError(t, err)
	require.Equal(t, a.Weight.Data, b.Weight.Data)
	require.Nil(t, a.Bias)
}

func TestInflateConvRejectsBadTransforms(t *testing.T) {
	t.Parallel()
	c := nn.NewConv2d(1, 1, 3, 1, 1, false)
	tests := map[string]*mat.Dense{
		"wrong columns":   mat.NewDense(25, 4, nil),
		"non-square rows": mat.NewDense(24, 9, nil),
		"shrinking":       mat.NewDense(1, 9, nil),
		"parity change":   mat.NewDense(16, 9, nil),
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := InflateConv(c, r)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestInflateCopiesNetwork(t *testing.T) {
	t.Parallel()
	base := newTestNet(3)
	s := &settings.InflateSettings{
		Layers:    map[string]struct{}{"mid.conv": {}},
		Order:     []string{"mid.conv"},
		Transform: centreEmbed(3, 5),
	}
	out, err := Inflate(base, s)
	require.NoError(t, err)

	orig, _ := base.Conv("mid.conv")
	require.Equal(t, 3, orig.KernelSize())
	got, _ := out.Conv("mid.conv")
	require.Equal(t, 5, got.KernelSize())

	// centre embedding keeps the function
	x := tensor.Randn(5, 1, 4, 6, 6)
	emb := tensor.New(1, 2, 3)
	a, err := base.Forward(context.Background(), x, 1, emb)
	require.NoError(t, err)
	b, err := out.Forward(context.Background(), x, 1, emb)
	require.NoError(t, err)
	diff, _ := tensor.MaxAbsDiff(a, b)
	require.Less(t, diff, float32(1e-4))
}

func TestInflateMissingLayer(t *testing.T) {
	t.Parallel()
	s := &settings.InflateSettings{
		Layers:    map[string]struct{}{"nope": {}},
		Order:     []string{"nope"},
		Transform: centreEmbed(3, 5),
	}
	_, err := Inflate(newTestNet(1), s)
	require.ErrorIs(t, err, ErrConfiguration)
}
