// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs individual DAG nodes on a bounded worker pool.
//
// Every node execution goes through the shared schedule queue: a worker pops
// the highest-ranked eligible task, acquires the node's resources, runs the
// action and either reports the outcome or puts the task back with a delay.
// Tasks waiting out a delay sit in the queue and hold no worker; cancelling
// a task's context makes it eligible at once so it fails without waiting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
	"github.com/AleutianAI/dagrun/services/dagrun/resource"
	"github.com/AleutianAI/dagrun/services/dagrun/retry"
	"github.com/AleutianAI/dagrun/services/dagrun/schedule"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("dagrun.engine")
	meter  = otel.Meter("dagrun.engine")
)

// DefaultResourceRetryDelay is the wait before retrying a node whose
// resources were busy.
const DefaultResourceRetryDelay = 100 * time.Millisecond

// Config configures an Engine.
type Config struct {
	// EngineCount is the number of worker goroutines. Must be > 0.
	EngineCount int

	// FailureInjectionRate is the probability in [0,1] that an attempt fails
	// without running the action.
	FailureInjectionRate float64

	// ResourceRetryDelay is the wait after resource contention.
	// Zero selects DefaultResourceRetryDelay.
	ResourceRetryDelay time.Duration

	// Retry decides whether failed attempts are retried. Zero value never retries.
	Retry retry.Strategy

	// Resources arbitrates node resources. Nil creates a private manager.
	Resources *resource.Manager

	// Logger for engine logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// Outcome is the terminal result of one node execution.
type Outcome struct {
	// NodeID is the executed node.
	NodeID int

	// Attempts is how many times the action was attempted. Waits for busy
	// resources are not attempts.
	Attempts int

	// Err is nil on success, otherwise an *ExecutionError.
	Err error
}

// Succeeded reports whether the node completed successfully.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// task is one node execution moving through the queue.
type task struct {
	ctx      context.Context
	span     trace.Span
	node     dag.Node
	holder   string
	attempt  int // retry budget consumed so far
	attempts int // action invocations
	started  time.Time
	result   chan Outcome

	// ticket is the queue ticket of the current delayed wait, 0 when none.
	ticket   atomic.Uint64
	stopWake func() bool
}

// Engine executes nodes with retries, resource arbitration and failure injection.
//
// Description:
//
//	A fixed pool of EngineCount workers is shared by every caller. Work is
//	selected by node priority (lower first), then by how long the task has
//	been eligible, then FIFO.
//
// Thread Safety:
//
//	Safe for concurrent use. Many DAG runs may submit nodes at once.
type Engine struct {
	engineCount        int
	failureRate        float64
	resourceRetryDelay time.Duration
	strategy           retry.Strategy
	resources          *resource.Manager
	logger             *slog.Logger

	queue     *schedule.Queue[*task]
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Metrics (initialized lazily)
	metricsOnce     sync.Once
	attemptsTotal   metric.Int64Counter
	retriesTotal    metric.Int64Counter
	failuresTotal   metric.Int64Counter
	contentionTotal metric.Int64Counter
	activeNodes     metric.Int64UpDownCounter
	nodeLatency     metric.Float64Histogram
}

// New validates cfg and starts the worker pool.
//
// Inputs:
//
//	cfg - Engine configuration.
//
// Outputs:
//
//	*Engine - The running engine. Call Close to stop it.
//	error - ErrInvalidConfig if EngineCount <= 0 or the rate is outside [0,1].
func New(cfg Config) (*Engine, error) {
	if cfg.EngineCount <= 0 {
		return nil, fmt.Errorf("%w: engine count must be greater than 0, got %d", ErrInvalidConfig, cfg.EngineCount)
	}
	if !(cfg.FailureInjectionRate >= 0 && cfg.FailureInjectionRate <= 1) {
		return nil, fmt.Errorf("%w: failure injection rate must be in [0, 1], got %v", ErrInvalidConfig, cfg.FailureInjectionRate)
	}
	if cfg.ResourceRetryDelay < 0 {
		return nil, fmt.Errorf("%w: resource retry delay must be >= 0, got %s", ErrInvalidConfig, cfg.ResourceRetryDelay)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resources := cfg.Resources
	if resources == nil {
		resources = resource.NewManager(nil, logger)
	}
	delay := cfg.ResourceRetryDelay
	if delay == 0 {
		delay = DefaultResourceRetryDelay
	}

	e := &Engine{
		engineCount:        cfg.EngineCount,
		failureRate:        cfg.FailureInjectionRate,
		resourceRetryDelay: delay,
		strategy:           cfg.Retry,
		resources:          resources,
		logger:             logger.With(slog.String("component", "engine")),
		queue:              schedule.New[*task](),
	}
	e.initMetrics()

	e.wg.Add(e.engineCount)
	for i := 0; i < e.engineCount; i++ {
		go e.worker()
	}

	e.logger.Info("engine started",
		slog.Int("engine_count", e.engineCount),
		slog.Float64("failure_injection_rate", e.failureRate),
		slog.String("retry", e.strategy.String()))
	return e, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.attemptsTotal, err = meter.Int64Counter("dagrun_node_attempts_total",
			metric.WithDescription("Node action invocations by result"),
		)
		if err != nil {
			initErrors = append(initErrors, "attempts_total: "+err.Error())
		}

		e.retriesTotal, err = meter.Int64Counter("dagrun_node_retries_total",
			metric.WithDescription("Failed attempts scheduled for retry"),
		)
		if err != nil {
			initErrors = append(initErrors, "retries_total: "+err.Error())
		}

		e.failuresTotal, err = meter.Int64Counter("dagrun_node_failures_total",
			metric.WithDescription("Nodes that failed permanently"),
		)
		if err != nil {
			initErrors = append(initErrors, "failures_total: "+err.Error())
		}

		e.contentionTotal, err = meter.Int64Counter("dagrun_resource_contention_total",
			metric.WithDescription("Attempts deferred because resources were busy"),
		)
		if err != nil {
			initErrors = append(initErrors, "contention_total: "+err.Error())
		}

		e.activeNodes, err = meter.Int64UpDownCounter("dagrun_active_nodes",
			metric.WithDescription("Node executions submitted and not yet terminal"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		e.nodeLatency, err = meter.Float64Histogram("dagrun_node_duration_seconds",
			metric.WithDescription("Time from submission to terminal outcome"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// ExecuteAsync submits node and returns a channel that receives exactly one
// Outcome once the node is terminal.
//
// Description:
//
//	Never blocks. The node may wait in the queue for a worker, for its
//	resources, or for a retry delay. Cancelling ctx makes the node fail at
//	its next scheduling point without running again; an action that is
//	already running is not interrupted.
//
// Inputs:
//
//	ctx - Context passed to the node's action.
//	node - The node to execute.
//
// Outputs:
//
//	<-chan Outcome - Buffered channel; the send never blocks the engine.
func (e *Engine) ExecuteAsync(ctx context.Context, node dag.Node) <-chan Outcome {
	result := make(chan Outcome, 1)
	if node == nil {
		result <- Outcome{NodeID: -1, Err: &ExecutionError{NodeID: -1, Err: ErrNilNode}}
		return result
	}

	ctx, span := tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.Int("node.id", node.ID()),
			attribute.Int("node.priority", node.Priority()),
			attribute.StringSlice("node.resources", node.Resources()),
		),
	)

	t := &task{
		ctx:     ctx,
		span:    span,
		node:    node,
		holder:  uuid.NewString(),
		started: time.Now(),
		result:  result,
	}
	if e.activeNodes != nil {
		e.activeNodes.Add(ctx, 1)
	}
	t.stopWake = context.AfterFunc(ctx, func() {
		e.queue.Expedite(schedule.Ticket(t.ticket.Load()))
	})

	if err := e.queue.Push(t, node.Priority(), 0); err != nil {
		e.finish(t, ErrEngineClosed)
	}
	return result
}

// Pending returns the number of tasks waiting in the queue, delayed included.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// EngineCount returns the size of the worker pool.
func (e *Engine) EngineCount() int {
	return e.engineCount
}

// Close stops the workers and fails every queued task with ErrEngineClosed.
// Actions already running complete first. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		remaining := e.queue.Close()
		for _, t := range remaining {
			e.finish(t, ErrEngineClosed)
		}
		e.wg.Wait()
		e.logger.Info("engine stopped", slog.Int("abandoned", len(remaining)))
	})
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		t, err := e.queue.Pop(context.Background())
		if err != nil {
			return
		}
		e.step(t)
	}
}

// step performs one scheduling step of t: a resource acquisition and, if it
// succeeds, one attempt of the action.
func (e *Engine) step(t *task) {
	if err := t.ctx.Err(); err != nil {
		e.finish(t, err)
		return
	}

	logger := e.logger.With(slog.Int("node", t.node.ID()), slog.Int("attempt", t.attempt))
	resources := t.node.Resources()

	if !e.resources.AcquireAll(t.holder, resources) {
		if e.contentionTotal != nil {
			e.contentionTotal.Add(t.ctx, 1)
		}
		logger.Info("resources not available, retrying",
			slog.Any("resources", resources),
			slog.Duration("delay", e.resourceRetryDelay),
			slog.String("error", ErrResourceUnavailable.Error()))
		e.requeue(t, e.resourceRetryDelay)
		return
	}

	t.attempts++
	err := e.attempt(t)
	e.resources.ReleaseAll(t.holder, resources)

	if e.attemptsTotal != nil {
		e.attemptsTotal.Add(t.ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
	}
	if err == nil {
		e.finish(t, nil)
		return
	}

	logger.Warn("error executing node", slog.String("error", err.Error()))

	retryNext, delay := e.strategy.Decide(t.attempt)
	if !retryNext {
		logger.Error("retries exhausted for node", slog.String("retry", e.strategy.String()))
		e.finish(t, err)
		return
	}

	t.span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("attempt", t.attempt),
		attribute.String("delay", delay.String()),
		attribute.String("error", err.Error()),
	))
	if e.retriesTotal != nil {
		e.retriesTotal.Add(t.ctx, 1)
	}
	logger.Info("retrying node", slog.Duration("delay", delay))
	t.attempt++
	e.requeue(t, delay)
}

// attempt runs the action once, converting panics to errors. Failure
// injection preempts the action.
func (e *Engine) attempt(t *task) (err error) {
	if e.failureRate > 0 && rand.Float64() < e.failureRate {
		return fmt.Errorf("%w for node %d", ErrInjectedFailure, t.node.ID())
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrNodePanic, r)
		}
	}()

	e.logger.Debug("executing node", slog.Int("node", t.node.ID()), slog.Int("attempt", t.attempt))
	return t.node.Execute(t.ctx)
}

// requeue puts t back after delay. A cancellation during the wait brings
// the task forward so step fails it immediately.
func (e *Engine) requeue(t *task, delay time.Duration) {
	ticket, err := e.queue.Schedule(t, t.node.Priority(), delay)
	if err != nil {
		e.finish(t, ErrEngineClosed)
		return
	}
	if delay <= 0 {
		return
	}
	t.ticket.Store(uint64(ticket))
	// The wake callback may have run before the store.
	if t.ctx.Err() != nil {
		e.queue.Expedite(ticket)
	}
}

// finish delivers the outcome and closes the node span.
func (e *Engine) finish(t *task, cause error) {
	if t.stopWake != nil {
		t.stopWake()
	}
	out := Outcome{NodeID: t.node.ID(), Attempts: t.attempts}
	if cause != nil {
		out.Err = &ExecutionError{NodeID: out.NodeID, Attempts: t.attempts, Err: cause}
		t.span.RecordError(cause)
		t.span.SetStatus(codes.Error, cause.Error())
		if e.failuresTotal != nil {
			e.failuresTotal.Add(t.ctx, 1, metric.WithAttributes(attribute.String("cause", causeLabel(cause))))
		}
	} else {
		t.span.SetStatus(codes.Ok, "")
	}
	t.span.SetAttributes(attribute.Int("node.attempts", t.attempts))
	t.span.End()

	if e.activeNodes != nil {
		e.activeNodes.Add(t.ctx, -1)
	}
	if e.nodeLatency != nil {
		e.nodeLatency.Record(t.ctx, time.Since(t.started).Seconds())
	}

	t.result <- out
}

func causeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInjectedFailure):
		return "injected"
	case errors.Is(err, ErrNodePanic):
		return "panic"
	case errors.Is(err, ErrEngineClosed):
		return "engine_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
