package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/redilate/internal/config"
	"github.com/samcharles93/redilate/internal/generate"
	"github.com/samcharles93/redilate/internal/logger"
)

func generateCmd() *cli.Command {
	var (
		prompt          string
		negativePrompt  string
		outputDir       string
		format          string
		seed            uint64
		steps           int
		guidanceScale   float64
		guidanceRescale float64
		batchSize       int
		iters           int
		latentHeight    int
		latentWidth     int
		height          int
		width           int
		dilatePath      string
		ndcfgPath       string
		inflatePath     string
		transformPath   string
		dilateTau       int
		ndcfgTau        int
		inflateTau      int
		progressive     bool
		keepGoing       bool
		tileSize        int
		tileOverlap     int
		quiet           bool
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Generate images for a prompt or a file of prompts",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text, or a file with one prompt per line",
				Required:    true,
				Destination: &prompt,
			},
			&cli.StringFlag{Name: "negative-prompt", Usage: "negative prompt for guidance", Destination: &negativePrompt},
			&cli.StringFlag{Name: "output-dir", Aliases: []string{"o", "out"}, Usage: "directory for images and prompt files", Destination: &outputDir},
			&cli.StringFlag{Name: "format", Usage: "image format (png, jpeg, bmp, tiff)", Destination: &format},
			&cli.Uint64Flag{Name: "seed", Usage: "base seed; iteration n uses seed+n", Destination: &seed},
			&cli.IntFlag{Name: "steps", Aliases: []string{"n"}, Usage: "number of denoising steps", Destination: &steps},
			&cli.FloatFlag{Name: "guidance-scale", Aliases: []string{"g"}, Usage: "classifier-free guidance scale (<= 1 disables guidance)", Destination: &guidanceScale},
			&cli.FloatFlag{Name: "guidance-rescale", Usage: "guidance rescale factor in [0, 1]", Destination: &guidanceRescale},
			&cli.IntFlag{Name: "batch-size", Usage: "prompts per run", Destination: &batchSize},
			&cli.IntFlag{Name: "iters", Usage: "runs per batch", Destination: &iters},
			&cli.IntFlag{Name: "latent-height", Usage: "latent height", Destination: &latentHeight},
			&cli.IntFlag{Name: "latent-width", Usage: "latent width", Destination: &latentWidth},
			&cli.IntFlag{Name: "height", Usage: "image height in pixels (overrides --latent-height)", Destination: &height},
			&cli.IntFlag{Name: "width", Usage: "image width in pixels (overrides --latent-width)", Destination: &width},
			&cli.StringFlag{Name: "dilate-settings", Usage: "dilation settings for the guided branch", Destination: &dilatePath},
			&cli.StringFlag{Name: "ndcfg-dilate-settings", Usage: "dilation settings for the vanilla branch", Destination: &ndcfgPath},
			&cli.StringFlag{Name: "inflate-settings", Usage: "layers to inflate, one per line", Destination: &inflatePath},
			&cli.StringFlag{Name: "inflate-transform", Usage: "kernel inflation transform (.txt, .safetensors, .pt)", Destination: &transformPath},
			&cli.IntFlag{Name: "dilate-tau", Usage: "steps with dilation in the guided branch", Destination: &dilateTau},
			&cli.IntFlag{Name: "ndcfg-tau", Usage: "steps with the vanilla branch", Destination: &ndcfgTau},
			&cli.IntFlag{Name: "inflate-tau", Usage: "steps with inflated kernels", Destination: &inflateTau},
			&cli.BoolFlag{Name: "progressive", Usage: "decay dilation rates across the window", Destination: &progressive},
			&cli.BoolFlag{Name: "keep-going", Usage: "continue after a failed run", Destination: &keepGoing},
			&cli.IntFlag{Name: "vae-tile-size", Usage: "VAE decoder tile size in latent pixels", Destination: &tileSize},
			&cli.IntFlag{Name: "vae-tile-overlap", Usage: "VAE decoder tile overlap in latent pixels", Destination: &tileOverlap},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not print the output table", Destination: &quiet},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			r, err := loadRun(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			overrides := []struct {
				flag  string
				apply func()
			}{
				{"negative-prompt", func() { r.NegativePrompt = negativePrompt }},
				{"output-dir", func() { r.OutputDir = outputDir }},
				{"format", func() { r.Format = config.NormalizeFormat(format) }},
				{"seed", func() { r.Seed = seed }},
				{"steps", func() { r.NumInferenceSteps = steps }},
				{"guidance-scale", func() { r.GuidanceScale = guidanceScale }},
				{"guidance-rescale", func() { r.GuidanceRescale = guidanceRescale }},
				{"batch-size", func() { r.InferenceBatchSize = batchSize }},
				{"iters", func() { r.NumItersPerPrompt = iters }},
				{"latent-height", func() { r.LatentHeight = latentHeight }},
				{"latent-width", func() { r.LatentWidth = latentWidth }},
				{"height", func() { r.Height = height }},
				{"width", func() { r.Width = width }},
				{"dilate-settings", func() { r.DilateSettings = dilatePath }},
				{"ndcfg-dilate-settings", func() { r.NdcfgDilateSettings = ndcfgPath }},
				{"inflate-settings", func() { r.InflateSettings = inflatePath }},
				{"inflate-transform", func() { r.InflateTransform = transformPath }},
				{"dilate-tau", func() { r.DilateTau = dilateTau }},
				{"ndcfg-tau", func() { r.NdcfgTau = ndcfgTau }},
				{"inflate-tau", func() { r.InflateTau = inflateTau }},
				{"progressive", func() { r.Progressive = progressive }},
				{"keep-going", func() { r.KeepGoing = keepGoing }},
				{"vae-tile-size", func() { r.TileSize = tileSize }},
				{"vae-tile-overlap", func() { r.TileOverlap = tileOverlap }},
			}
			for _, o := range overrides {
				if c.IsSet(o.flag) {
					o.apply()
				}
			}

			prompts, err := generate.ReadPrompts(prompt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, p, err := buildPipeline(ctx, r)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			lh, lw, err := r.LatentSize(m.VAE.ScaleFactor())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			job := generate.Job{
				Prompts:        prompts,
				NegativePrompt: r.NegativePrompt,
				BatchSize:      r.InferenceBatchSize,
				Iterations:     r.NumItersPerPrompt,
				Seed:           r.Seed,
				LatentChannels: m.UNet.InChannels(),
				LatentHeight:   lh,
				LatentWidth:    lw,
				OutputDir:      r.OutputDir,
				Format:         r.Format,
				KeepGoing:      r.KeepGoing,
				Progress: func(run, runs, step, total int) {
					log.Debug("step", "run", run+1, "runs", runs, "step", step, "steps", total)
				},
			}
			sum, err := generate.Run(ctx, p, job)
			if sum != nil {
				if !quiet {
					printOutputs(sum)
				}
				log.Info("generation finished",
					"images", len(sum.Outputs),
					"runs", sum.Runs,
					"failed", sum.Failed,
					"elapsed", sum.Elapsed,
				)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func printOutputs(sum *generate.Summary) {
	if len(sum.Outputs) == 0 {
		return
	}
	var data [][]string
	for _, out := range sum.Outputs {
		data = append(data, []string{strconv.Itoa(out.Index), strconv.FormatUint(out.Seed, 10), out.ImagePath, out.Prompt})
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "SEED", "FILE", "PROMPT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
}
