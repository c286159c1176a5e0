package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

var adminAddressFlag = &cli.StringFlag{
	Name:    "admin-address",
	Usage:   "address of the admin API",
	Value:   "localhost:8081",
	Sources: cli.EnvVars("OJP_ADMIN_ADDRESS"),
}

var timeoutFlag = &cli.DurationFlag{
	Name:    "timeout",
	Usage:   "example: 5s, 1m",
	Aliases: []string{"t"},
	Value:   5 * time.Second,
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:  "ojp",
		Usage: "database proxy with slow/fast slot admission",
		Commands: []*cli.Command{
			serveCommand(),
			{
				Name:  "status",
				Usage: "print the slot manager status",
				Flags: []cli.Flag{
					adminAddressFlag,
					timeoutFlag,
					&cli.BoolFlag{
						Name:  "dump",
						Usage: "dump the full statistics instead of the status line",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return printStatus(ctx, cmd.String("admin-address"), cmd.Duration("timeout"), cmd.Bool("dump"))
				},
			},
			{
				Name:  "enable",
				Usage: "turn admission control on",
				Flags: toggleFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return setEnabled(ctx, cmd, true)
				},
			},
			{
				Name:  "disable",
				Usage: "turn admission control off; every call is admitted",
				Flags: toggleFlags(),
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return setEnabled(ctx, cmd, false)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
