// stackerd owns the stacker stages and serves commands from remote
// clients until interrupted.
//
// Usage:
//
//	stackerd [--config stacker.yaml] [--listen 0.0.0.0:5551]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stacker/common"
	"stacker/config"
	"stacker/middleware"
	"stacker/server"
	"stacker/stage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var configPath, listen, advertise, logLevel string

	flagSet := pflag.NewFlagSet("stackerd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to stacker.yaml (default: $STACKER_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "listen address, overrides server.listen")
	flagSet.StringVar(&advertise, "advertise", "", "address published in the registry, overrides server.advertise")
	flagSet.StringVar(&logLevel, "log-level", "", "log level, overrides log.level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if advertise != "" {
		cfg.Server.Advertise = advertise
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logOpts, err := cfg.Log.CommonOptions()
	if err != nil {
		return err
	}
	c, err := common.New(logOpts)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()
	log := c.Named("stackerd")

	if cfg.AuthToken == "" {
		log.Warn("no auth token configured; every command must carry an empty token")
	}

	reg, closeRegistry, err := cfg.Registry.OpenRegistry()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeRegistry()) }()

	opts := []server.Option{
		server.WithCommon(c),
		server.WithAuthToken(cfg.AuthToken),
		server.WithBindRetry(cfg.Server.BindRetry),
	}
	if reg != nil {
		opts = append(opts, server.WithRegistry(reg, cfg.Registry.Service, cfg.Registry.TTL))
	}
	svr := server.NewServer(opts...)
	if cfg.Server.LogCommands {
		svr.Use(middleware.LoggingMiddleware(c.Named("commands")))
	}
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}

	var stageOpts []stage.Option
	if cfg.Server.SimulateTravel {
		stageOpts = append(stageOpts, stage.WithTravel(time.Sleep))
	}
	stages, err := stage.NewTestingStages(c, stageOpts...)
	if err != nil {
		return err
	}
	for name, target := range stages.Targets() {
		if err := svr.Register(name, target); err != nil {
			return err
		}
	}
	log.Info("stages ready", zap.String("mode", cfg.Server.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := svr.Serve(ctx, "tcp", cfg.Server.Listen, cfg.Server.Advertise)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	log.Info("shutting down")
	return multierr.Append(serveErr, svr.Shutdown(5*time.Second))
}
