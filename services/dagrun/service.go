// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dagrun is the DAG execution service: it parses submitted
// descriptions, runs them on a shared engine, streams their events and
// records their outcomes.
package dagrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrun/services/dagrun/config"
	"github.com/AleutianAI/dagrun/services/dagrun/dag"
	"github.com/AleutianAI/dagrun/services/dagrun/engine"
	"github.com/AleutianAI/dagrun/services/dagrun/events"
	"github.com/AleutianAI/dagrun/services/dagrun/executor"
	"github.com/AleutianAI/dagrun/services/dagrun/history"
	"github.com/AleutianAI/dagrun/services/dagrun/parser"
	"github.com/AleutianAI/dagrun/services/dagrun/resource"
	"github.com/AleutianAI/dagrun/services/dagrun/retry"
	"github.com/AleutianAI/dagrun/services/dagrun/storage/badger"
	"github.com/AleutianAI/dagrun/services/dagrun/telemetry"
)

// ErrServiceClosed is returned by submissions after Close.
var ErrServiceClosed = errors.New("dagrun service is closed")

// historyWriteTimeout bounds the history write that follows each run.
const historyWriteTimeout = 5 * time.Second

// Service runs submitted DAGs.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	resources *resource.Manager
	engine    *engine.Engine
	executor  *executor.Executor
	hub       *events.Hub
	db        *badger.DB
	history   *history.Store
	metrics   *telemetry.Metrics

	// mu orders run registration against Close.
	mu        sync.RWMutex
	closed    bool
	active    sync.Map // run id -> *executor.Run
	runs      sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewService builds a service from cfg.
//
// Description:
//
//	Opens the history database (in memory unless cfg.History.Path is set),
//	starts the engine's worker pool and creates the executor. Metrics are
//	registered on the global meter provider; a registration failure is
//	logged and the service runs without service-level metrics.
//
// Outputs:
//
//	*Service - Ready service. Caller must call Close().
//	error - Non-nil if the config is invalid or a dependency fails to start.
func NewService(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := retry.Parse(cfg.Retry)
	if err != nil {
		return nil, err
	}
	policy, err := executor.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}

	histCfg := cfg.History
	histCfg.Logger = logger
	db, err := badger.Open(histCfg)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	store, err := history.NewStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	resources := resource.NewManager(resource.NewRegistry(), logger)
	eng, err := engine.New(engine.Config{
		EngineCount:          cfg.EngineCount,
		FailureInjectionRate: cfg.FailureInjectionRate,
		ResourceRetryDelay:   cfg.ResourceRetryDelay,
		Retry:                strategy,
		Resources:            resources,
		Logger:               logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	hub := events.NewHub(events.DefaultBuffer, logger)
	exec, err := executor.New(executor.Config{
		Runner:   eng,
		Policy:   policy,
		Observer: hub,
		Logger:   logger,
	})
	if err != nil {
		eng.Close()
		_ = db.Close()
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(otel.Meter("dagrun.service"))
	if err != nil {
		logger.Warn("service metrics disabled", slog.String("error", err.Error()))
		metrics = nil
	}

	logger.Info("dagrun service started",
		slog.Int("engine_count", cfg.EngineCount),
		slog.String("retry", strategy.String()),
		slog.String("failure_policy", policy.String()),
		slog.Bool("history_in_memory", histCfg.InMemory()))

	return &Service{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "service")),
		resources: resources,
		engine:    eng,
		executor:  exec,
		hub:       hub,
		db:        db,
		history:   store,
		metrics:   metrics,
	}, nil
}

// Parse validates a description without running it.
//
// Outputs:
//
//	*dag.ExecutionDag - The validated graph.
//	error - parser.ErrUnsupportedFormat, or an error matching dag.ErrValidation.
func (s *Service) Parse(format string, description []byte) (*dag.ExecutionDag, error) {
	p, err := parser.ForFormat(format, s.logger, parser.WithMaxNodes(s.cfg.MaxNodes))
	if err != nil {
		return nil, err
	}
	return p.Parse(description)
}

// ProcessRequest parses description and submits it for execution.
//
// Description:
//
//	Parsing and validation happen synchronously; a rejected description
//	returns an error and nothing runs. An accepted description returns a
//	Run handle immediately. When the run resolves its outcome is written
//	to history. Node failures are reported through Response.HasFailed,
//	never as an error here.
//
// Inputs:
//
//	ctx - Context for the run. Cancelling it stops dispatching.
//	format - "xml", "yaml" or "yml".
//	description - The raw document.
//
// Outputs:
//
//	*executor.Run - Handle that resolves when the run completes.
//	error - Validation, format, or ErrServiceClosed.
func (s *Service) ProcessRequest(ctx context.Context, format string, description []byte) (*executor.Run, error) {
	ctx, span := telemetry.StartSpan(ctx, "dagrun", "service.ProcessRequest",
		trace.WithAttributes(
			attribute.String("format", format),
			attribute.Int("bytes", len(description))))
	defer span.End()

	d, err := s.Parse(format, description)
	if err != nil {
		telemetry.RecordError(span, err)
		s.countSubmission(ctx, format, "rejected")
		if s.metrics != nil {
			s.metrics.ValidationFailuresTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", rejectionReason(err))))
		}
		telemetry.LoggerWithTrace(ctx, s.logger).Info("description rejected",
			slog.String("format", format), slog.String("error", err.Error()))
		return nil, err
	}

	run, err := s.Submit(ctx, d)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("run.id", run.ID()))
	telemetry.SetSpanOK(span)
	s.countSubmission(ctx, format, "accepted")
	return run, nil
}

// Submit runs an already validated graph and records its outcome.
func (s *Service) Submit(ctx context.Context, d *dag.ExecutionDag) (*executor.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrServiceClosed
	}

	s.runs.Add(1)
	run := s.executor.Submit(ctx, d)
	s.active.Store(run.ID(), run)
	if s.metrics != nil {
		s.metrics.RunsInFlight.Add(ctx, 1)
	}

	go func() {
		defer s.runs.Done()
		<-run.Done()
		resp, _ := run.Result()
		bg := context.WithoutCancel(ctx)
		if s.metrics != nil {
			s.metrics.RunsInFlight.Add(bg, -1)
		}
		s.record(bg, resp)
		s.active.Delete(run.ID())
	}()
	return run, nil
}

// Active returns the handle of a run that has not been recorded yet.
func (s *Service) Active(runID string) (*executor.Run, bool) {
	v, ok := s.active.Load(runID)
	if !ok {
		return nil, false
	}
	return v.(*executor.Run), true
}

// Run looks up a completed run's record.
func (s *Service) Run(ctx context.Context, runID string) (history.Record, error) {
	return s.history.Get(ctx, runID)
}

// Runs lists recent run records, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]history.Record, error) {
	return s.history.List(ctx, limit)
}

// Subscribe streams the events of runID.
func (s *Service) Subscribe(runID string) *events.Subscription {
	return s.hub.Subscribe(runID)
}

// Config returns the service configuration.
func (s *Service) Config() config.Config {
	return s.cfg
}

// RecordWatchSubmission counts a file submitted by the directory watcher.
func (s *Service) RecordWatchSubmission(ctx context.Context, accepted bool) {
	if s.metrics == nil {
		return
	}
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	s.metrics.WatchSubmissionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Close stops accepting runs, fails queued work, waits for running
// actions and history writes, then closes the history database.
// Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.engine.Close()
		s.runs.Wait()
		s.closeErr = s.db.Close()
		s.logger.Info("dagrun service stopped")
	})
	return s.closeErr
}

func (s *Service) record(ctx context.Context, resp executor.Response) {
	ctx, cancel := context.WithTimeout(ctx, historyWriteTimeout)
	defer cancel()

	rec := history.Record{
		RunID:     resp.RunID,
		Name:      resp.Name,
		Nodes:     resp.Nodes,
		HasFailed: resp.HasFailed,
		StartedAt: resp.StartedAt,
		Duration:  resp.Duration,
	}
	if resp.Err != nil {
		rec.Error = resp.Err.Error()
	}

	status := "ok"
	if err := s.history.Record(ctx, rec); err != nil {
		status = "error"
		s.logger.Error("history write failed", slog.String("run_id", resp.RunID), slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.HistoryWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (s *Service) countSubmission(ctx context.Context, format, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SubmissionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format),
		attribute.String("status", status)))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, parser.ErrUnsupportedFormat):
		return "format"
	case errors.Is(err, parser.ErrMalformed):
		return "malformed"
	case errors.Is(err, dag.ErrCycleDetected):
		return "cycle"
	case errors.Is(err, dag.ErrDuplicateNode):
		return "duplicate"
	case errors.Is(err, dag.ErrUnknownNodeReference):
		return "unknown_reference"
	case errors.Is(err, dag.ErrGraphTooLarge):
		return "too_large"
	}
	return "invalid"
}
