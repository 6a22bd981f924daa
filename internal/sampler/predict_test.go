package sampler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/settings"
	"github.com/samcharles93/redilate/internal/tensor"
)

func inflateMid() *settings.InflateSettings {
	return &settings.InflateSettings{
		Layers:    map[string]struct{}{"mid.conv": {}},
		Order:     []string{"mid.conv"},
		Transform: centreEmbed(3, 5),
	}
}

func TestPredictSelectsNetworkPerBranch(t *testing.T) {
	t.Parallel()
	base := newTestNet(2)
	var seen []*testNet
	base.onCall = func(n *testNet) { seen = append(seen, n) }

	params := ScheduleParams{Steps: 4, NdcfgTau: 4, InflateTau: 2}
	pr, err := NewPredictor(base, params, nil, nil, inflateMid(), true)
	require.NoError(t, err)

	inflated, ok := pr.nets.inflated.(*testNet)
	require.True(t, ok)
	inflatedVanilla, ok := pr.nets.inflatedVanilla.(*testNet)
	require.True(t, ok)
	require.NotSame(t, base, inflated)
	require.NotSame(t, base, inflatedVanilla)
	require.NotSame(t, inflated, inflatedVanilla)

	latents := tensor.Randn(1, 2, 4, 6, 6)
	emb := tensor.New(2, 2, 3)
	for step := range params.Steps {
		seen = seen[:0]
		adapted, vanilla, err := pr.Predict(context.Background(), latents, 10, step, emb)
		require.NoError(t, err)
		require.NotNil(t, adapted)
		require.NotNil(t, vanilla)
		require.Len(t, seen, 2)

		wantAdapted, wantVanilla := base, base
		if step < params.InflateTau {
			wantAdapted, wantVanilla = inflated, inflatedVanilla
		}
		require.Same(t, wantAdapted, seen[0], "adapted branch at step %d", step)
		require.Same(t, wantVanilla, seen[1], "vanilla branch at step %d", step)
	}

	c, _ := base.Conv("mid.conv")
	require.Equal(t, 3, c.KernelSize())
}

func TestPredictBranchesUseTheirOwnSettings(t *testing.T) {
	t.Parallel()
	base := newTestNet(4)
	params := ScheduleParams{Steps: 10, DilateTau: 10, NdcfgTau: 3, Progressive: true}

	var pr *Predictor
	var rates []map[string]float64
	base.onCall = func(n *testNet) {
		pr.patcher.mu.Lock()
		defer pr.patcher.mu.Unlock()
		rates = append(rates, pr.patcher.active[n].Rates())
	}
	var err error
	pr, err = NewPredictor(base, params, dilate(t, "mid.conv", 4.0), dilate(t, "conv_in", 6.0), nil, true)
	require.NoError(t, err)

	tests := []struct {
		step    int
		adapted float64
		vanilla float64 // 0 when the vanilla branch is closed
	}{
		{0, 4, 6},
		{1, 4, 4},
		{2, 4, 2},
		{3, 3, 0},
		{5, 2, 0},
	}
	latents := tensor.Randn(3, 2, 4, 8, 8)
	emb := tensor.New(2, 2, 3)
	for _, tc := range tests {
		rates = rates[:0]
		_, vanilla, err := pr.Predict(context.Background(), latents, 10, tc.step, emb)
		require.NoError(t, err)

		want := []map[string]float64{{"mid.conv": tc.adapted}}
		if tc.vanilla > 0 {
			want = append(want, map[string]float64{"conv_in": tc.vanilla})
			require.NotNil(t, vanilla)
		} else {
			require.Nil(t, vanilla)
		}
		require.Equal(t, want, rates, "step %d", tc.step)
	}
	require.False(t, pr.patcher.Active(base))
}

// cloneCountingNet counts deep copies of the wrapped network.
type cloneCountingNet struct {
	*testNet
	clones *int
}

func (n cloneCountingNet) Clone() nn.Network {
	*n.clones++
	return n.testNet.Clone()
}

func TestPipelineBuildsVariantsOnce(t *testing.T) {
	t.Parallel()
	net := cloneCountingNet{testNet: newTestNet(6), clones: new(int)}
	cfg := testConfig(t, 4)
	cfg.GuidanceScale = 2
	cfg.Schedule.NdcfgTau = 2
	cfg.Schedule.InflateTau = 2
	cfg.Inflate = inflateMid()

	p, err := New(testComponents(net), cfg)
	require.NoError(t, err)
	require.Equal(t, 2, *net.clones)

	for range 2 {
		_, err := p.Generate(context.Background(), Request{Prompts: []string{"x"}, Latents: tensor.Randn(8, 1, 4, 4, 4)})
		require.NoError(t, err)
	}
	require.Equal(t, 2, *net.clones)
}
