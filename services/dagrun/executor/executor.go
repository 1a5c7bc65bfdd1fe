// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor orchestrates DAG runs on top of the node engine.
//
// Each run gets a private in-degree table and ready queue, so any number of
// runs of the same or different graphs proceed independently while sharing
// one worker pool.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
	"github.com/AleutianAI/dagrun/services/dagrun/engine"
	"github.com/AleutianAI/dagrun/services/dagrun/events"
	"github.com/AleutianAI/dagrun/services/dagrun/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("dagrun.executor")
	meter  = otel.Meter("dagrun.executor")
)

// poison stops the dispatch loop.
const poison = -1

// NodeRunner executes single nodes asynchronously. *engine.Engine implements it.
type NodeRunner interface {
	ExecuteAsync(ctx context.Context, node dag.Node) <-chan engine.Outcome
}

// Config configures an Executor.
type Config struct {
	// Runner executes nodes. Required.
	Runner NodeRunner

	// Policy controls dispatched nodes after a failure.
	Policy FailurePolicy

	// Observer receives run events. Nil discards them.
	Observer events.Observer

	// Logger for run logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// Executor runs DAGs.
//
// Description:
//
//	Submit starts a run in its own goroutine. The run dispatches every node
//	whose dependencies have succeeded, decrements dependents' in-degrees as
//	nodes complete, and stops dispatching at the first permanent failure.
//	It resolves once every dispatched node is terminal.
//
// Thread Safety:
//
//	Safe for concurrent use. Runs share nothing but the runner.
type Executor struct {
	runner   NodeRunner
	policy   FailurePolicy
	observer events.Observer
	logger   *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce sync.Once
	runsTotal   metric.Int64Counter
	runsActive  metric.Int64UpDownCounter
	runLatency  metric.Float64Histogram
}

// New creates an executor.
//
// Outputs:
//
//	*Executor - The executor.
//	error - ErrNilRunner if cfg.Runner is nil.
func New(cfg Config) (*Executor, error) {
	if cfg.Runner == nil {
		return nil, ErrNilRunner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = events.Nop
	}

	e := &Executor{
		runner:   cfg.Runner,
		policy:   cfg.Policy,
		observer: observer,
		logger:   logger.With(slog.String("component", "executor")),
	}
	e.initMetrics()
	return e, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.runsTotal, err = meter.Int64Counter("dagrun_runs_total",
			metric.WithDescription("Completed DAG runs by result"),
		)
		if err != nil {
			initErrors = append(initErrors, "runs_total: "+err.Error())
		}

		e.runsActive, err = meter.Int64UpDownCounter("dagrun_runs_active",
			metric.WithDescription("DAG runs in progress"),
		)
		if err != nil {
			initErrors = append(initErrors, "runs_active: "+err.Error())
		}

		e.runLatency, err = meter.Float64Histogram("dagrun_run_duration_seconds",
			metric.WithDescription("Wall-clock DAG run duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some executor metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Policy returns the configured failure policy.
func (e *Executor) Policy() FailurePolicy {
	return e.policy
}

// Submit starts a run of d and returns immediately.
//
// Description:
//
//	Cancelling ctx stops dispatch and marks the run failed; nodes already
//	dispatched see the cancellation at their next scheduling point.
//
// Inputs:
//
//	ctx - Context for the whole run.
//	d - The validated graph. A nil graph resolves as failed.
//
// Outputs:
//
//	*Run - Handle that resolves when the run completes.
func (e *Executor) Submit(ctx context.Context, d *dag.ExecutionDag) *Run {
	run := newRun(uuid.NewString())
	go e.execute(ctx, run, d)
	return run
}

// Execute submits d and waits for the result.
func (e *Executor) Execute(ctx context.Context, d *dag.ExecutionDag) (Response, error) {
	return e.Submit(ctx, d).Wait(ctx)
}

// runState is the per-run mutable state shared by the dispatch loop and the
// completion goroutines.
type runState struct {
	id       string
	dag      *dag.ExecutionDag
	inDegree []atomic.Int32
	ready    chan int
	failed   atomic.Bool
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	logger   *slog.Logger
	span     trace.Span

	errOnce sync.Once
	err     error
}

// fail marks the run failed and stops dispatch.
func (s *runState) fail() {
	s.failed.Store(true)
	s.ready <- poison
}

// setErr records the first run-level error.
func (s *runState) setErr(err error) {
	s.errOnce.Do(func() { s.err = err })
}

func (e *Executor) execute(ctx context.Context, run *Run, d *dag.ExecutionDag) {
	started := time.Now()
	resp := Response{RunID: run.id, StartedAt: started}

	if d == nil {
		resp.HasFailed = true
		resp.Err = ErrNilDag
		e.logger.Error("run submitted without a dag", slog.String("run_id", run.id))
		run.resolve(resp)
		return
	}

	n := d.Len()
	resp.Name = d.Name()
	resp.Nodes = n

	ctx, span := tracer.Start(ctx, "executor.Run",
		trace.WithAttributes(
			attribute.String("run.id", run.id),
			attribute.String("dag.name", d.Name()),
			attribute.Int("dag.nodes", n),
			attribute.Int("dag.edges", d.EdgeCount()),
			attribute.String("policy", e.policy.String()),
		),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := telemetry.LoggerWithRun(ctx, e.logger, run.id)
	if e.runsActive != nil {
		e.runsActive.Add(ctx, 1)
	}
	e.emit(events.Event{RunID: run.id, Type: events.RunStarted, NodeID: poison})
	logger.Info("run started", slog.String("dag", d.Name()), slog.Int("nodes", n))

	state := &runState{
		id:       run.id,
		dag:      d,
		inDegree: make([]atomic.Int32, n),
		// Every node is pushed at most once, plus at most one poison per completion.
		ready:  make(chan int, 2*n+1),
		cancel: cancel,
		logger: logger,
		span:   span,
	}
	for id, deg := range d.InDegreeSnapshot() {
		state.inDegree[id].Store(int32(deg))
	}
	for _, id := range d.Roots() {
		state.ready <- id
	}

	dispatched := e.dispatch(ctx, runCtx, state)
	state.wg.Wait()

	resp.HasFailed = state.failed.Load()
	resp.Err = state.err
	resp.Duration = time.Since(started)

	result := "succeeded"
	if resp.HasFailed {
		result = "failed"
		if resp.Err != nil {
			telemetry.RecordError(span, resp.Err)
		} else {
			telemetry.RecordError(span, fmt.Errorf("run %s failed", run.id))
		}
	} else {
		telemetry.SetSpanOK(span)
	}
	span.SetAttributes(attribute.Int("run.dispatched", dispatched), attribute.Bool("run.has_failed", resp.HasFailed))

	if e.runsActive != nil {
		e.runsActive.Add(ctx, -1)
	}
	if e.runsTotal != nil {
		e.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if e.runLatency != nil {
		e.runLatency.Record(ctx, resp.Duration.Seconds())
	}

	logger.Info("run completed",
		slog.String("result", result),
		slog.Int("dispatched", dispatched),
		slog.Duration("duration", resp.Duration))
	e.emit(events.Event{RunID: run.id, Type: events.RunCompleted, NodeID: poison, HasFailed: resp.HasFailed, Error: errString(resp.Err)})
	run.resolve(resp)
}

// dispatch hands ready nodes to the runner until every node is dispatched,
// a failure poisons the queue, or ctx ends. Returns the number dispatched.
func (e *Executor) dispatch(ctx, runCtx context.Context, s *runState) int {
	n := s.dag.Len()
	dispatched := 0

	for dispatched < n {
		if ctx.Err() != nil {
			s.setErr(ctx.Err())
			s.failed.Store(true)
			return dispatched
		}

		var id int
		select {
		case id = <-s.ready:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			s.failed.Store(true)
			s.logger.Warn("run cancelled, stopping dispatch", slog.String("error", ctx.Err().Error()))
			return dispatched
		}

		if id == poison || s.failed.Load() {
			return dispatched
		}

		node, ok := s.dag.Node(id)
		if !ok {
			s.setErr(fmt.Errorf("%w: ready node %d not in graph", ErrInvariantViolation, id))
			s.failed.Store(true)
			return dispatched
		}

		dispatched++
		s.wg.Add(1)
		e.emit(events.Event{RunID: s.id, Type: events.NodeDispatched, NodeID: id})
		s.logger.Debug("dispatching node", slog.Int("node", id))

		outcome := e.runner.ExecuteAsync(runCtx, node)
		go e.complete(s, id, outcome)
	}
	return dispatched
}

// complete waits for one node's outcome and updates the run state.
func (e *Executor) complete(s *runState, id int, outcome <-chan engine.Outcome) {
	defer s.wg.Done()

	out := <-outcome
	if !out.Succeeded() {
		s.logger.Error("node failed", slog.Int("node", id), slog.Int("attempts", out.Attempts), slog.String("error", out.Err.Error()))
		telemetry.AddSpanEvent(s.span, "node_failed", attribute.Int("node.id", id), attribute.String("error", out.Err.Error()))
		e.emit(events.Event{RunID: s.id, Type: events.NodeFailed, NodeID: id, Attempts: out.Attempts, Error: out.Err.Error()})
		if e.policy == AbortPending {
			s.cancel()
		}
		s.fail()
		return
	}

	e.emit(events.Event{RunID: s.id, Type: events.NodeSucceeded, NodeID: id, Attempts: out.Attempts})

	for _, dep := range s.dag.Dependents(id) {
		remaining := s.inDegree[dep].Add(-1)
		switch {
		case remaining == 0:
			s.ready <- dep
		case remaining < 0:
			err := fmt.Errorf("%w: in-degree of node %d is %d after node %d completed", ErrInvariantViolation, dep, remaining, id)
			s.logger.Error("invariant violation, aborting run", slog.String("error", err.Error()))
			s.setErr(err)
			s.fail()
			return
		}
	}
}

func (e *Executor) emit(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.observer.Observe(ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
