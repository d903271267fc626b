// Command camgate runs the camera fleet ingest gateway.
//
// Usage:
//
//	camgate [--config camgate.yaml] [--log-level debug] <command>
//
// Commands:
//   - run: connect to the broker and ingest until SIGINT/SIGTERM
//   - check: validate the config and reach the configured stores
//   - enqueue: queue a command for a device
//   - version: print build information
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "camgate",
		Usage:          "Camera fleet MQTT ingest gateway",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "camgate.yaml",
				EnvVars: []string{"CAMGATE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override log.level: debug, info, warn, error",
				EnvVars: []string{"CAMGATE_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			checkCommand(),
			enqueueCommand(),
			versionCommand(),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
