// stacker-http serves the stacker status page. It polls stackerd on
// every request through an uncached client.
//
// Usage:
//
//	stacker-http [--config stacker.yaml] [--listen 127.0.0.1:8000]
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stacker/client"
	"stacker/common"
	"stacker/config"
	"stacker/status"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var configPath, listen string

	flagSet := pflag.NewFlagSet("stacker-http", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to stacker.yaml (default: $STACKER_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address, overrides status.listen")
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
		cfg.Status.Listen = listen
	}
	cfg.Client.Name = "stackerHTTP"
	cfg.Client.PrintRemoteMsgs = false
	// Fail a page load quickly rather than retrying for minutes.
	cfg.Client.Retry.MaxAttempts = 3

	logOpts, err := cfg.Log.CommonOptions()
	if err != nil {
		return err
	}
	c, err := common.New(logOpts)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()
	log := c.Named("stacker-http")

	reg, closeRegistry, err := cfg.Registry.OpenRegistry()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeRegistry()) }()

	opts, err := cfg.ClientOptions(reg, c)
	if err != nil {
		return err
	}
	st := client.NewStacker(client.NewClient(cfg.AuthToken, opts...), 0)
	defer func() { err = multierr.Append(err, st.Close()) }()

	page := status.NewServer(st, log, cfg.Status.AllowedOrigins,
		status.WithRefresh(cfg.Status.Refresh),
		status.WithRecentChange(cfg.Status.RecentChange),
	)
	httpServer := &http.Server{
		Addr:              cfg.Status.Listen,
		Handler:           page.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("serving status page", zap.String("addr", cfg.Status.Listen))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
