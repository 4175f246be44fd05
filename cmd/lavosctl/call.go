package main

import (
	"encoding/json"
	"fmt"
	"lavos-rpc/client"
	"strings"

	"github.com/urfave/cli/v2"
)

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Invoke a remote operation and print its outcome as JSON",
		ArgsUsage: "OPERATION",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "Parameter name=value; JSON values are decoded, anything else is a string",
			},
			&cli.StringSliceFlag{
				Name:  "null",
				Usage: "Parameter sent as an explicit null",
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Retries after the first attempt (default from config)",
				Value: -1,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-attempt timeout (default from config)",
			},
		},
		Action: callAction,
	}
}

func callAction(c *cli.Context) error {
	operation := c.Args().First()
	if operation == "" {
		return cli.Exit("call: OPERATION is required", 1)
	}
	params, err := parseParams(c.StringSlice("param"), c.StringSlice("null"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger, err := newLogger(cfg, c.App.ErrWriter)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer logger.Sync()

	inv, closer, err := newInvoker(c.Context, cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer closer.Close()

	cl := client.New(inv,
		client.WithLogger(logger),
		client.WithPolicy(cfg.Policy()),
		client.WithDefaults(cfg.RetryCount(), cfg.Calls.Timeout),
	)

	var opts []client.CallOption
	if n := c.Int("retries"); n >= 0 {
		opts = append(opts, client.WithRetryCount(n))
	}
	if d := c.Duration("timeout"); d > 0 {
		opts = append(opts, client.WithTimeout(d))
	}

	out := cl.Call(c.Context, operation, params, opts...)
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintln(c.App.Writer, string(b))
	if out.Error != nil {
		return cli.Exit("", 1)
	}
	return nil
}

// parseParams turns name=value pairs and null names into a parameter map.
func parseParams(pairs, nulls []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs)+len(nulls))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q, want name=value", pair)
		}
		var v any
		dec := json.NewDecoder(strings.NewReader(value))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil || dec.More() {
			v = value
		}
		params[name] = v
	}
	for _, name := range nulls {
		if name == "" {
			return nil, fmt.Errorf("empty --null name")
		}
		params[name] = nil
	}
	return params, nil
}
