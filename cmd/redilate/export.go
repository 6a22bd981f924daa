package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/redilate/internal/logger"
	"github.com/samcharles93/redilate/internal/modelstore"
)

func exportCmd() *cli.Command {
	var (
		location string
		outDir   string
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Write a model as a diffusers-style directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory, or seed:<n> for the built-in reference model",
				Value:       modelstore.DefaultLocation,
				Destination: &location,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory",
				Required:    true,
				Destination: &outDir,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := modelstore.Load(location)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			if err := m.Save(outDir); err != nil {
				return cli.Exit(fmt.Sprintf("error: save model: %v", err), 1)
			}
			logger.FromContext(ctx).Info("model exported", "model", m.Location, "dir", outDir)
			return nil
		},
	}
}
