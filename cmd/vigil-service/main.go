// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/vigil-proctoring/vigil/lib/config"
	"github.com/vigil-proctoring/vigil/lib/process"
	"github.com/vigil-proctoring/vigil/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		showVersion bool
	)
	flags := pflag.NewFlagSet("vigil-service", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "config file (default: $VIGIL_CONFIG, else built-in defaults)")
	flags.StringVar(&listen, "listen", "", "override server.listen")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("vigil-service %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if resumed, err := svc.controller.Recover(ctx); err != nil {
		logger.Error("recovering active sessions", "error", err)
	} else if resumed > 0 {
		logger.Info("active sessions resumed", "count", resumed)
	}

	reaperDone := make(chan error, 1)
	go func() { reaperDone <- svc.controller.Run(ctx) }()

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	server := &http.Server{
		Handler:           svc.api,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(listener) }()

	logger.Info("vigil service running",
		"listen", listener.Addr().String(),
		"environment", cfg.Environment,
		"version", version.Info(),
		"detector", svc.detector != nil,
		"mqtt", svc.bridge != nil,
	)

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	<-reaperDone
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	switch {
	case path != "":
		return config.LoadFile(path)
	case os.Getenv("VIGIL_CONFIG") != "":
		return config.Load()
	}
	return config.Builtin(), nil
}
