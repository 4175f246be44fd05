// Package main provides the lavosctl CLI: issue resilient remote calls from the shell
// and run a local procedure gateway.
//
// Usage:
//
//	lavosctl [--config lavos.yaml] call get_kpis --param region=eu --null since
//	lavosctl [--config lavos.yaml] serve
//
// Exit codes:
//   - 0: success
//   - 1: the call failed or the command could not start
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "lavosctl",
		Usage:          "Call remote backend operations with timeouts and retries",
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				EnvVars: []string{"LAVOS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Backend URL or DSN, overrides transport.url",
				EnvVars: []string{"LAVOS_URL"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key, overrides transport.api_key",
				EnvVars: []string{"LAVOS_API_KEY"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, overrides logging.level",
			},
		},
		Commands: []*cli.Command{
			callCommand(),
			serveCommand(),
		},
	}
}

// exitErrHandler prints errors and preserves exit codes from cli.Exit.
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
