package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/kabili207/camgate/config"
	"github.com/kabili207/camgate/core/transfer"
	"github.com/kabili207/camgate/logging"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect to the broker and ingest camera transfers",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, err := build(ctx, cfg, log.Logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer g.Close()

			if err := g.Check(ctx); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return g.Gateway.Run(ctx)
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the config and reach the configured stores",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			g, err := build(c.Context, cfg, log.Logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer g.Close()

			if err := g.Check(c.Context); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintln(c.App.Writer, "ok")
			return nil
		},
	}
}

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Queue a command for delivery to a device",
		ArgsUsage: "<device-mac> <type>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "payload",
				Usage: "Command payload as JSON",
				Value: "{}",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("enqueue requires <device-mac> <type>", 2)
			}
			payload := json.RawMessage(c.String("payload"))
			if !json.Valid(payload) {
				return cli.Exit("--payload must be valid JSON", 2)
			}

			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := openMetadata(cfg, log.Logger)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			defer func() { _ = db.Close() }()

			id, err := db.EnqueueCommand(c.Context, transfer.DeviceID(c.Args().Get(0)), c.Args().Get(1), payload)
			if err != nil {
				return cli.Exit(fmt.Sprintf("enqueue: %v", err), 1)
			}
			fmt.Fprintln(c.App.Writer, id)
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "camgate %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

// setup loads the config and builds the process logger.
func setup(c *cli.Context) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), 2)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("logging: %v", err), 2)
	}
	slog.SetDefault(log.Logger)
	return cfg, log, nil
}
