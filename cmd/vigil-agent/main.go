// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// vigil-agent runs on the test-taker's machine. It samples the camera
// and forwards frames and environment signals (read as JSON lines on
// stdin, typically from a browser bridge) to vigil-service for one
// session. Local presence hints are printed to stdout and never sent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vigil-proctoring/vigil/lib/biometric"
	"github.com/vigil-proctoring/vigil/lib/capture"
	"github.com/vigil-proctoring/vigil/lib/clock"
	"github.com/vigil-proctoring/vigil/lib/config"
	"github.com/vigil-proctoring/vigil/lib/process"
	"github.com/vigil-proctoring/vigil/lib/version"
)

type options struct {
	configPath  string
	serviceURL  string
	sessionID   string
	subject     string
	camera      string
	noStdin     bool
	showVersion bool
}

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var opts options
	flags := pflag.NewFlagSet("vigil-agent", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default: $VIGIL_CONFIG, else built-in defaults)")
	flags.StringVar(&opts.serviceURL, "service", "", "override capture.service_url")
	flags.StringVar(&opts.sessionID, "session", "", "session to report for (required)")
	flags.StringVar(&opts.subject, "subject", "", "subject name sent to the service (required)")
	flags.StringVar(&opts.camera, "camera", "", "override capture.camera_command")
	flags.BoolVar(&opts.noStdin, "no-stdin", false, "do not read environment events from stdin")
	flags.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("vigil-agent %s\n", version.Full())
		return nil
	}
	if opts.sessionID == "" || opts.subject == "" {
		return errors.New("--session and --subject are required")
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.serviceURL != "" {
		cfg.Capture.ServiceURL = opts.serviceURL
	}
	if opts.camera != "" {
		cfg.Capture.CameraCommand = opts.camera
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

	var stdin io.Reader
	if !opts.noStdin {
		stdin = os.Stdin
	}
	client, cleanup, err := newClient(ctx, cfg, opts, stdin, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	go printStatus(ctx, os.Stdout, client.Status())

	logger.Info("vigil agent running",
		"service", cfg.Capture.ServiceURL,
		"session_id", opts.sessionID,
		"version", version.Info(),
	)
	if err := client.Run(ctx); err != nil {
		return err
	}
	stats := client.Stats()
	logger.Info("vigil agent stopped",
		"signals", stats.Signals,
		"frames", stats.Frames,
		"capture_errors", stats.CaptureErrors,
		"delivery_errors", stats.DeliveryErrors,
	)
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

// newClient wires the camera, environment source, and service sink. A
// configured detector also runs locally for presence hints.
func newClient(ctx context.Context, cfg *config.Config, opts options, stdin io.Reader, logger *slog.Logger) (*capture.Client, func(), error) {
	wallClock := clock.Real()
	clientConfig := capture.Config{
		Camera: &capture.CommandCamera{
			Command: cfg.Capture.CameraCommand,
			Args:    cfg.Capture.CameraArgs,
			Timeout: cfg.Capture.CameraTimeout,
		},
		Sink: &capture.HTTPSink{
			BaseURL:   cfg.Capture.ServiceURL,
			SessionID: opts.sessionID,
			Subject:   opts.subject,
		},
		Clock:              wallClock,
		Logger:             logger,
		FrameInterval:      cfg.Capture.FrameInterval(),
		LocalCheckInterval: cfg.Capture.LocalCheckInterval(),
		RetryBackoff:       cfg.Capture.RetryBackoff(),
	}
	if stdin != nil {
		clientConfig.Environment = capture.NewLineEnvironment(ctx, stdin, wallClock.Now, logger)
	}

	cleanup := func() {}
	if cfg.Biometric.DetectorCommand != "" {
		detector, err := biometric.StartProcess(ctx, biometric.ProcessConfig{
			Command: cfg.Biometric.DetectorCommand,
			Args:    cfg.Biometric.DetectorArgs,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() {
			if err := detector.Close(); err != nil {
				logger.Warn("stopping local detector", "error", err)
			}
		}
		adapter, err := biometric.NewAdapter(detector, cfg.Biometric.Thresholds, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		clientConfig.LocalChecker = capture.FaceChecker{Adapter: adapter}
	}

	client, err := capture.NewClient(clientConfig)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return client, cleanup, nil
}

// printStatus writes a line whenever the local hint changes.
func printStatus(ctx context.Context, w io.Writer, status <-chan capture.LocalStatus) {
	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-status:
			line := formatStatus(s)
			if line == last {
				continue
			}
			last = line
			fmt.Fprintf(w, "%s  %s\n", s.At.Format("15:04:05"), line)
		}
	}
}

func formatStatus(s capture.LocalStatus) string {
	if s.Err != "" {
		return "camera check failed: " + s.Err
	}
	if s.Message != "" {
		return s.Message
	}
	return fmt.Sprintf("%d face(s) visible", s.FaceCount)
}
