// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/vigil-proctoring/vigil/lib/biometric"
	"github.com/vigil-proctoring/vigil/lib/clock"
	"github.com/vigil-proctoring/vigil/lib/config"
	"github.com/vigil-proctoring/vigil/lib/eventlog"
	"github.com/vigil-proctoring/vigil/lib/evidence"
	"github.com/vigil-proctoring/vigil/lib/exam"
	"github.com/vigil-proctoring/vigil/lib/fanout"
	"github.com/vigil-proctoring/vigil/lib/httpapi"
	"github.com/vigil-proctoring/vigil/lib/session"
	"github.com/vigil-proctoring/vigil/lib/sqlitepool"
)

// vigilService owns everything the HTTP API runs on.
type vigilService struct {
	logger     *slog.Logger
	pool       *sqlitepool.Pool
	hub        *fanout.Hub
	bridge     *fanout.MQTTBridge
	detector   *biometric.ProcessDetector
	controller *session.Controller
	api        *httpapi.Server
}

// newService opens storage and builds the controller and API. The
// detector process, when configured, lives as long as ctx.
func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *vigilService, err error) {
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	svc := &vigilService{logger: logger}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	svc.pool, err = sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Storage.Database,
		PoolSize: cfg.Storage.PoolSize,
		Schema:   eventlog.Schema + session.Schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	evidenceStore, err := evidence.OpenStore(cfg.Storage.Evidence, logger)
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalog(cfg.Storage.Exams, logger)
	if err != nil {
		return nil, err
	}

	svc.hub = fanout.NewHub(cfg.Fanout.Buffer, logger)
	if cfg.Fanout.MQTT.Broker != "" {
		svc.bridge, err = fanout.ConnectMQTT(cfg.Fanout.MQTT, logger)
		if err != nil {
			return nil, err
		}
		svc.hub.AddSink(svc.bridge)
	}

	var adapter *biometric.Adapter
	if cfg.Biometric.DetectorCommand != "" {
		svc.detector, err = biometric.StartProcess(ctx, biometric.ProcessConfig{
			Command: cfg.Biometric.DetectorCommand,
			Args:    cfg.Biometric.DetectorArgs,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		adapter, err = biometric.NewAdapter(svc.detector, cfg.Biometric.Thresholds, logger)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no face detector configured; frames will be logged as analysis_unavailable")
	}

	wallClock := clock.Real()
	recorder, err := eventlog.NewRecorder(eventlog.RecorderConfig{
		Store:  eventlog.NewStore(svc.pool, logger),
		Clock:  wallClock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	policy := cfg.Risk
	svc.controller, err = session.NewController(session.Config{
		Store:          session.NewStore(svc.pool),
		Recorder:       recorder,
		Hub:            svc.hub,
		Catalog:        catalog,
		Adapter:        adapter,
		Evidence:       evidenceStore,
		Policy:         &policy,
		Clock:          wallClock,
		Logger:         logger,
		AbandonAfter:   cfg.Sessions.AbandonAfter,
		ReapInterval:   cfg.Sessions.ReapInterval,
		InboundBuffer:  cfg.Sessions.InboundBuffer,
		OutboundBuffer: cfg.Sessions.OutboundBuffer,
	})
	if err != nil {
		return nil, err
	}

	svc.api, err = httpapi.New(httpapi.Config{
		Controller:       svc.controller,
		Catalog:          catalog,
		Hub:              svc.hub,
		Logger:           logger,
		ExportRecipients: cfg.Export.Recipients,
		IncludeFrames:    cfg.Export.IncludeFrames,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// loadCatalog serves the built-in sample when the exam directory is
// missing or holds no definitions.
func loadCatalog(dir string, logger *slog.Logger) (*exam.Catalog, error) {
	catalog, err := exam.LoadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		catalog = exam.NewCatalog()
	case err != nil:
		return nil, err
	}
	if len(catalog.List()) == 0 {
		sample := exam.Sample()
		if err := catalog.Add(sample); err != nil {
			return nil, fmt.Errorf("adding sample exam: %w", err)
		}
		logger.Info("no exam definitions found; serving the sample exam", "dir", dir, "exam_id", sample.ID)
	}
	return catalog, nil
}

// Close stops runs before closing the stores they write to.
func (s *vigilService) Close() {
	if s.controller != nil {
		s.controller.Close()
	}
	if s.detector != nil {
		if err := s.detector.Close(); err != nil {
			s.logger.Warn("stopping face detector", "error", err)
		}
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("closing database", "error", err)
		}
	}
}
