// stackerctl sends one command to stackerd and prints the result.
//
// Usage:
//
//	stackerctl [flags] <system> <command> [arg ...] [key=value ...]
//	stackerctl [flags] pos
//	stackerctl [flags] demo [--iterations n] [--stages sam,cam,stmp]
//
// Numeric arguments are sent as numbers, everything else as strings.
// Examples:
//
//	stackerctl sam xr 0.5
//	stackerctl stmp rock 2 velocity=3
//	stackerctl sam goto load xr=1
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"stacker/client"
	"stacker/common"
	"stacker/config"
	"stacker/message"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var configPath, addr, codecName string
	var iterations int
	var stages []string

	flagSet := pflag.NewFlagSet("stackerctl", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to stacker.yaml (default: $STACKER_CONFIG)")
	flagSet.StringVar(&addr, "addr", "", "server address, overrides client.addr")
	flagSet.StringVar(&codecName, "codec", "", "cbor or json, overrides client.codec")
	flagSet.IntVar(&iterations, "iterations", 1, "demo iterations")
	flagSet.StringSliceVar(&stages, "stages", []string{"sam", "cam", "stmp"}, "stages the demo moves")
	flagSet.SetInterspersed(false)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		return errors.New("usage: stackerctl <system> <command> [args...] | pos | demo")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Client.Addr = addr
	}
	if codecName != "" {
		cfg.Client.Codec = codecName
	}

	logOpts, err := cfg.Log.CommonOptions()
	if err != nil {
		return err
	}
	logOpts.LogDir = ""
	c, err := common.New(logOpts)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	reg, closeRegistry, err := cfg.Registry.OpenRegistry()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeRegistry()) }()

	opts, err := cfg.ClientOptions(reg, c)
	if err != nil {
		return err
	}
	cli := client.NewClient(cfg.AuthToken, opts...)
	defer func() { err = multierr.Append(err, cli.Close()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "pos":
		pos, err := client.NewStacker(cli, 0).Pos(ctx)
		if err != nil {
			return err
		}
		return printJSON(pos)
	case "demo":
		return client.NewStacker(cli, 0).Demo(ctx, iterations, stages...)
	}

	if len(args) < 2 {
		return errors.New("usage: stackerctl <system> <command> [args...]")
	}
	positional, kwargs := parseArgs(args[2:])
	resp := cli.Send(ctx, &message.Command{System: args[0], Command: args[1], Args: positional, Kwargs: kwargs})
	if !resp.OK() {
		return fmt.Errorf("%s.%s failed: %s %s", args[0], args[1], resp.Reason, resp.Exception)
	}
	return printJSON(resp.ReturnValue)
}

// parseArgs splits command-line words into positional and keyword
// arguments, converting numbers.
func parseArgs(words []string) ([]any, map[string]any) {
	args := []any{}
	kwargs := map[string]any{}
	for _, w := range words {
		if k, v, ok := strings.Cut(w, "="); ok && k != "" {
			kwargs[k] = parseValue(v)
			continue
		}
		args = append(args, parseValue(w))
	}
	return args, kwargs
}

func parseValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true", "True":
		return true
	case "false", "False":
		return false
	}
	return s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
