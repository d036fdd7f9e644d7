package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/aerobyte/telemkv/app"
	"github.com/aerobyte/telemkv/config"
	"github.com/aerobyte/telemkv/ui"
)

func main() {
	cmd := &cli.Command{
		Name:  "telemkv",
		Usage: "Telemetry key/value log, flight segmentation and live fan-out",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the ingest pipeline and HTTP/WebSocket API",
				Flags:  config.Flags(),
				Action: app.Run,
			},
			{
				Name:  "monitor",
				Usage: "Terminal dashboard reading a snapshot directly, without a running server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "storage.path",
						Aliases: []string{"db"},
						Value:   "telemetry_data",
						Usage:   "Base `PATH` for the .meta/.keys/.data snapshot files",
					},
					&cli.DurationFlag{
						Name:  "refresh",
						Value: 2 * time.Second,
						Usage: "Dashboard refresh interval",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return ui.Run(c.String("storage.path"), c.Duration("refresh"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
