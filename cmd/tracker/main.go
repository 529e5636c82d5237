package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "tracker",
		Usage: "Lead tracking pipeline (event dispatch, conversions, retry queue)",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the tracking HTTP server",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runServe(ctx)
				},
			},
			{
				Name:  "queue",
				Usage: "Inspect the persisted conversion retry queue",
				Commands: []*cli.Command{
					{
						Name:  "status",
						Usage: "Print queued conversions as JSON",
						Action: func(ctx context.Context, _ *cli.Command) error {
							return runQueueStatus(ctx, os.Stdout)
						},
					},
					{
						Name:  "clear",
						Usage: "Remove every queued conversion",
						Action: func(ctx context.Context, _ *cli.Command) error {
							return runQueueClear(ctx)
						},
					},
				},
			},
			{
				Name:  "debug",
				Usage: "Tracking debug inspector",
				Commands: []*cli.Command{
					{
						Name:  "toggle",
						Usage: "Flip the persisted debug flag",
						Action: func(ctx context.Context, _ *cli.Command) error {
							return runDebugToggle(ctx, os.Stdout)
						},
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("tracker exited")
	}
}
