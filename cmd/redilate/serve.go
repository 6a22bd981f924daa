package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/redilate/internal/api"
	"github.com/samcharles93/redilate/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxImages   int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the REST API (images/generations)",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-images",
				Usage:       "maximum images per request",
				Value:       4,
				Destination: &maxImages,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			r, err := loadRun(cmd)
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

			service := api.NewImageService(p, api.ImageServiceConfig{
				Model:          m.Location,
				LatentChannels: m.UNet.InChannels(),
				LatentHeight:   lh,
				LatentWidth:    lw,
				MaxImages:      maxImages,
			})
			server := api.NewServer(service, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", m.Location)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
