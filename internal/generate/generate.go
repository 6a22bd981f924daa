// Package generate drives batches of sampling runs and writes the results.
package generate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samcharles93/redilate/internal/imageio"
	"github.com/samcharles93/redilate/internal/logger"
	"github.com/samcharles93/redilate/internal/sampler"
	"github.com/samcharles93/redilate/internal/tensor"
)

// Generator runs one sampling request.
type Generator interface {
	Generate(ctx context.Context, req sampler.Request) (*sampler.Result, error)
}

// ReadPrompts treats arg as a file of prompts, one per line, when such a file
// exists and as a literal prompt otherwise. Blank lines are skipped.
func ReadPrompts(arg string) ([]string, error) {
	info, err := os.Stat(arg)
	if err != nil || info.IsDir() {
		if strings.TrimSpace(arg) == "" {
			return nil, errors.New("empty prompt")
		}
		return []string{arg}, nil
	}
	f, err := os.Open(arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var prompts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if p := strings.TrimSpace(sc.Text()); p != "" {
			prompts = append(prompts, p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts %s: %w", arg, err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("prompt file %s is empty", arg)
	}
	return prompts, nil
}

// Job describes a batch run.
type Job struct {
	Prompts        []string
	NegativePrompt string

	// BatchSize prompts share one run; each batch runs Iterations times with
	// seed Seed+n for iteration n.
	BatchSize  int
	Iterations int
	Seed       uint64

	LatentChannels int
	LatentHeight   int
	LatentWidth    int

	OutputDir string
	Format    string

	// KeepGoing continues with the next run after a failure.
	KeepGoing bool

	// Progress, if set, receives per-step progress of the current run.
	Progress func(run, runs, step, steps int)
}

func (j Job) validate() error {
	switch {
	case len(j.Prompts) == 0:
		return errors.New("no prompts")
	case j.BatchSize <= 0:
		return fmt.Errorf("batch size %d must be positive", j.BatchSize)
	case j.Iterations <= 0:
		return fmt.Errorf("iterations %d must be positive", j.Iterations)
	case j.LatentChannels <= 0 || j.LatentHeight <= 0 || j.LatentWidth <= 0:
		return fmt.Errorf("latent shape %dx%dx%d must be positive", j.LatentChannels, j.LatentHeight, j.LatentWidth)
	case j.OutputDir == "":
		return errors.New("no output directory")
	}
	return nil
}

// Output is one written image.
type Output struct {
	Index      int
	Prompt     string
	Seed       uint64
	RunID      string
	ImagePath  string
	PromptPath string
}

// Summary reports a finished job.
type Summary struct {
	Outputs []Output
	Runs    int
	Failed  int
	Elapsed time.Duration
}

// Run executes the job. Outputs are numbered from 1 in the order they are
// written. With KeepGoing, failures are collected and returned together
// after all runs.
func Run(ctx context.Context, g Generator, job Job) (*Summary, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	start := time.Now()

	batches := (len(job.Prompts) + job.BatchSize - 1) / job.BatchSize
	runs := batches * job.Iterations
	sum := &Summary{}
	var failures []error

	for b := range batches {
		lo := b * job.BatchSize
		hi := min(lo+job.BatchSize, len(job.Prompts))
		prompts := job.Prompts[lo:hi]
		for n := range job.Iterations {
			if err := ctx.Err(); err != nil {
				sum.Elapsed = time.Since(start)
				return sum, err
			}
			seed := job.Seed + uint64(n)
			run := sum.Runs
			sum.Runs++

			req := sampler.Request{
				Prompts:        prompts,
				NegativePrompt: job.NegativePrompt,
				Latents:        tensor.Randn(seed, len(prompts), job.LatentChannels, job.LatentHeight, job.LatentWidth),
			}
			if job.Progress != nil {
				req.Progress = func(step, steps int) { job.Progress(run, runs, step, steps) }
			}

			res, err := g.Generate(ctx, req)
			if err == nil {
				err = writeOutputs(job, res, prompts, seed, sum)
			}
			if err != nil {
				err = fmt.Errorf("batch %d iteration %d (seed %d): %w", b, n, seed, err)
				if !job.KeepGoing || ctx.Err() != nil {
					sum.Failed++
					sum.Elapsed = time.Since(start)
					return sum, err
				}
				log.Warn("run failed, continuing", "batch", b, "iteration", n, "seed", seed, "error", err)
				sum.Failed++
				failures = append(failures, err)
			}
		}
	}
	sum.Elapsed = time.Since(start)
	return sum, errors.Join(failures...)
}

func writeOutputs(job Job, res *sampler.Result, prompts []string, seed uint64, sum *Summary) error {
	imgs, err := imageio.ToImages(res.Images)
	if err != nil {
		return err
	}
	if len(imgs) != len(prompts) {
		return fmt.Errorf("got %d images for %d prompts", len(imgs), len(prompts))
	}
	for i, img := range imgs {
		idx := len(sum.Outputs) + 1
		name := strconv.Itoa(idx)
		out := Output{
			Index:      idx,
			Prompt:     prompts[i],
			Seed:       seed,
			RunID:      res.RunID,
			ImagePath:  filepath.Join(job.OutputDir, name+imageio.Ext(job.Format)),
			PromptPath: filepath.Join(job.OutputDir, name+".txt"),
		}
		if err := imageio.WriteFile(out.ImagePath, img, job.Format); err != nil {
			return err
		}
		if err := imageio.WritePrompt(out.PromptPath, out.Prompt); err != nil {
			return err
		}
		sum.Outputs = append(sum.Outputs, out)
	}
	return nil
}
