package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/vitckpt/internal/api"
	"github.com/samcharles93/vitckpt/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		root        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve checkpoint inspection and adaptation over HTTP",
		Flags: append(policyFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "root",
				Usage:       "directory that request paths are resolved against",
				Value:       ".",
				Destination: &root,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "default seed for freshly initialized parameters",
				Destination: &seed,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr, &root)

			service := &api.CheckpointService{
				Root:   root,
				Policy: currentPolicy(cmd),
				Seed:   seed,
			}
			server := api.NewServer(service, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "root", root)
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
