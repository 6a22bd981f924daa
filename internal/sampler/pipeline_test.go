package sampler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/redilate/internal/nn"
	"github.com/samcharles93/redilate/internal/tensor"
	"github.com/samcharles93/redilate/internal/vae"
)

func testComponents(net nn.Network) Components {
	return Components{
		Network:     net,
		TextEncoder: fakeEncoder{},
		Scheduler:   fakeScheduler{},
		Decoder:     fakeDecoder{},
	}
}

func testConfig(t *testing.T, steps int) Config {
	t.Helper()
	return Config{
		Schedule:      ScheduleParams{Steps: steps},
		Dilate:        dilate(t, "mid.conv", 2.0),
		VanillaDilate: dilate(t, "mid.conv", 2.0),
		GuidanceScale: 1,
		Tiling:        vae.DefaultTilingConfig(),
	}
}

func TestPipelineMatchesPlainLoopWhenWindowsClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prompts := []string{"a red fox"}
	noise := tensor.Randn(11, 1, 4, 8, 8)

	p, err := New(testComponents(newTestNet(2)), testConfig(t, 2))
	require.NoError(t, err)
	res, err := p.Generate(ctx, Request{Prompts: prompts, Latents: noise})
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)

	// the same loop written out by hand
	net := newTestNet(2)
	sched := fakeScheduler{}
	emb, err := fakeEncoder{}.Encode(ctx, prompts)
	require.NoError(t, err)
	timesteps, err := sched.SetTimesteps(2)
	require.NoError(t, err)
	latents := tensor.Scale(noise, sched.InitNoiseSigma())
	for _, ts := range timesteps {
		pred, err := net.Forward(ctx, sched.ScaleModelInput(latents, ts), ts, emb)
		require.NoError(t, err)
		latents, err = sched.Step(pred, ts, latents)
		require.NoError(t, err)
	}
	require.Equal(t, latents.Data, res.Latents.Data)

	require.Equal(t, []int{1, 3, 8, 8}, res.Images.Shape)
	for _, v := range res.Images.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestPipelineDeterministic(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 4)
	cfg.Schedule.DilateTau = 3
	cfg.Schedule.NdcfgTau = 2
	cfg.Schedule.Progressive = true
	cfg.GuidanceScale = 5
	cfg.GuidanceRescale = 0.7

	run := func() *Result {
		p, err := New(testComponents(newTestNet(3)), cfg)
		require.NoError(t, err)
		res, err := p.Generate(context.Background(), Request{
			Prompts:        []string{"one", "three"},
			NegativePrompt: "blurry",
			Latents:        tensor.Randn(4, 2, 4, 6, 10),
		})
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	require.NotEqual(t, a.RunID, b.RunID)
	require.Equal(t, a.Latents.Data, b.Latents.Data)
	require.Equal(t, a.Images.Data, b.Images.Data)
}

func TestPipelineRestoresLayersAfterRun(t *testing.T) {
	t.Parallel()
	net := newTestNet(3)
	cfg := testConfig(t, 3)
	cfg.Schedule.DilateTau = 3
	cfg.Schedule.NdcfgTau = 3
	cfg.Dilate = dilate(t, "conv_in", 3.0, "mid.conv", 2.0)
	cfg.GuidanceScale = 3

	p, err := New(testComponents(net), cfg)
	require.NoError(t, err)
	_, err = p.Generate(context.Background(), Request{Prompts: []string{"x"}, Latents: tensor.Randn(1, 1, 4, 8, 8)})
	require.NoError(t, err)
	for _, name := range net.ConvNames() {
		c, _ := net.Conv(name)
		_, direct := c.Forwarder().(nn.Direct)
		require.True(t, direct, name)
	}
}

func TestPipelineVanillaWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		guidance float64
		ndcfgTau int
		want     int
	}{
		{"guided", 2, 2, 4 + 2},
		{"guided window beyond steps", 2, 10, 4 + 4},
		{"vanilla closed", 2, 0, 4},
		{"unguided", 1, 4, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			net := newTestNet(1)
			cfg := testConfig(t, 4)
			cfg.Schedule.NdcfgTau = tc.ndcfgTau
			cfg.GuidanceScale = tc.guidance
			p, err := New(testComponents(net), cfg)
			require.NoError(t, err)
			_, err = p.Generate(context.Background(), Request{Prompts: []string{"x"}, Latents: tensor.Randn(1, 1, 4, 4, 4)})
			require.NoError(t, err)
			require.Equal(t, tc.want, *net.calls)
		})
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	t.Parallel()
	comps := testComponents(newTestNet(1))

	cfg := testConfig(t, 2)
	cfg.Dilate = dilate(t, "down_blocks.9.conv", 2.0)
	_, err := New(comps, cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	cfg = testConfig(t, 2)
	cfg.GuidanceRescale = 1.5
	_, err = New(comps, cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	cfg = testConfig(t, 0)
	_, err = New(comps, cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = New(Components{Network: newTestNet(1)}, testConfig(t, 2))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestGenerateInitFailures(t *testing.T) {
	t.Parallel()
	p, err := New(testComponents(newTestNet(1)), testConfig(t, 2))
	require.NoError(t, err)

	tests := map[string]Request{
		"wrong channels": {Prompts: []string{"x"}, Latents: tensor.New(1, 3, 4, 4)},
		"wrong batch":    {Prompts: []string{"x"}, Latents: tensor.New(2, 4, 4, 4)},
		"not nchw":       {Prompts: []string{"x"}, Latents: tensor.New(4, 4, 4)},
	}
	for name, req := range tests {
		_, err := p.Generate(context.Background(), req)
		var re *RunError
		require.ErrorAs(t, err, &re, name)
		require.Equal(t, StageInit, re.Stage, name)
		require.ErrorIs(t, err, ErrShape, name)
	}

	_, err = p.Generate(context.Background(), Request{Latents: tensor.New(1, 4, 4, 4)})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestGenerateStepFailureCarriesStep(t *testing.T) {
	t.Parallel()
	net := newTestNet(1)
	net.failAt = 2
	p, err := New(testComponents(net), testConfig(t, 4))
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), Request{Prompts: []string{"x"}, Latents: tensor.Randn(1, 1, 4, 4, 4)})
	var re *RunError
	require.ErrorAs(t, err, &re)
	require.Equal(t, StageStepping, re.Stage)
	require.Equal(t, 2, re.Step)
	require.ErrorIs(t, err, errForward)
	require.Contains(t, err.Error(), "stepping step 2")
}

func TestGenerateHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := New(testComponents(newTestNet(1)), testConfig(t, 5))
	require.NoError(t, err)
	var seen []int
	_, err = p.Generate(ctx, Request{
		Prompts: []string{"x"},
		Latents: tensor.Randn(1, 1, 4, 4, 4),
		Progress: func(step, total int) {
			require.Equal(t, 5, total)
			seen = append(seen, step)
			if step == 2 {
				cancel()
			}
		},
	})
	require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	var re *RunError
	require.ErrorAs(t, err, &re)
	require.Equal(t, 2, re.Step)
	require.Equal(t, []int{1, 2}, seen)
}
