// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
	"github.com/AleutianAI/dagrun/services/dagrun/resource"
	"github.com/AleutianAI/dagrun/services/dagrun/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func await(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero engines", Config{EngineCount: 0}},
		{"negative engines", Config{EngineCount: -2}},
		{"rate below zero", Config{EngineCount: 1, FailureInjectionRate: -0.1}},
		{"rate above one", Config{EngineCount: 1, FailureInjectionRate: 1.5}},
		{"negative resource delay", Config{EngineCount: 1, ResourceRetryDelay: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_BoundaryRatesAccepted(t *testing.T) {
	for _, rate := range []float64{0, 1} {
		e, err := New(Config{EngineCount: 1, FailureInjectionRate: rate})
		require.NoError(t, err)
		e.Close()
	}
}

func TestExecuteAsync_Success(t *testing.T) {
	e := newEngine(t, Config{EngineCount: 2})
	var ran atomic.Int32

	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(3, func(context.Context) error {
		ran.Add(1)
		return nil
	})))

	assert.True(t, out.Succeeded())
	assert.Equal(t, 3, out.NodeID)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), ran.Load())
}

func TestExecuteAsync_NoRetryFailsOnce(t *testing.T) {
	e := newEngine(t, Config{EngineCount: 1})
	var ran atomic.Int32

	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		ran.Add(1)
		return errBoom
	})))

	require.False(t, out.Succeeded())
	assert.ErrorIs(t, out.Err, ErrExecutionFailure)
	assert.ErrorIs(t, out.Err, errBoom)
	assert.Equal(t, int32(1), ran.Load())

	var execErr *ExecutionError
	require.ErrorAs(t, out.Err, &execErr)
	assert.Equal(t, 1, execErr.Attempts)
}

func TestExecuteAsync_FixedCountRetries(t *testing.T) {
	strategy, err := retry.FixedCount(2, 5*time.Millisecond)
	require.NoError(t, err)
	e := newEngine(t, Config{EngineCount: 1, Retry: strategy})

	var ran atomic.Int32
	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		ran.Add(1)
		return errBoom
	})))

	assert.ErrorIs(t, out.Err, errBoom)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), ran.Load())
}

func TestExecuteAsync_RecoversAfterRetry(t *testing.T) {
	strategy, err := retry.FixedCount(5, time.Millisecond)
	require.NoError(t, err)
	e := newEngine(t, Config{EngineCount: 1, Retry: strategy})

	var ran atomic.Int32
	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		if ran.Add(1) < 3 {
			return errBoom
		}
		return nil
	})))

	assert.True(t, out.Succeeded())
	assert.Equal(t, 3, out.Attempts)
}

func TestExecuteAsync_ExponentialBackoffTiming(t *testing.T) {
	strategy, err := retry.ExponentialBackoff(2, 500*time.Millisecond, 2)
	require.NoError(t, err)
	e := newEngine(t, Config{EngineCount: 2, Retry: strategy})

	var ran atomic.Int32
	start := time.Now()
	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		ran.Add(1)
		return errBoom
	})))
	elapsed := time.Since(start)

	assert.False(t, out.Succeeded())
	assert.Equal(t, int32(3), ran.Load())
	assert.Greater(t, elapsed, 1500*time.Millisecond)
}

func TestExecuteAsync_ExponentialBackoffSucceedsOnLastRetry(t *testing.T) {
	strategy, err := retry.ExponentialBackoff(2, 500*time.Millisecond, 2)
	require.NoError(t, err)
	e := newEngine(t, Config{EngineCount: 2, Retry: strategy})

	var ran atomic.Int32
	start := time.Now()
	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		if ran.Add(1) < 3 {
			return errBoom
		}
		return nil
	})))
	elapsed := time.Since(start)

	assert.True(t, out.Succeeded())
	assert.Equal(t, 3, out.Attempts)
	assert.Greater(t, elapsed, 1500*time.Millisecond)
}

func TestExecuteAsync_CancelDuringBackoffFailsPromptly(t *testing.T) {
	strategy, err := retry.Infinite(3 * time.Second)
	require.NoError(t, err)
	e := newEngine(t, Config{EngineCount: 1, Retry: strategy})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ran atomic.Int32
	failed := make(chan struct{})
	outcome := e.ExecuteAsync(ctx, dag.NewFuncNode(0, func(context.Context) error {
		if ran.Add(1) == 1 {
			close(failed)
		}
		return errBoom
	}))

	<-failed
	time.Sleep(50 * time.Millisecond)
	cancelled := time.Now()
	cancel()
	out := await(t, outcome)

	assert.Less(t, time.Since(cancelled), time.Second, "cancellation must not wait out the backoff")
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), ran.Load())
}

func TestExecuteAsync_CancelDuringResourceWaitFailsPromptly(t *testing.T) {
	resources := resource.NewManager(nil, nil)
	require.True(t, resources.AcquireAll("holder", []string{"db"}))
	t.Cleanup(func() { resources.ReleaseAll("holder", []string{"db"}) })
	e := newEngine(t, Config{EngineCount: 1, Resources: resources, ResourceRetryDelay: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outcome := e.ExecuteAsync(ctx, dag.NewFuncNode(0, func(context.Context) error { return nil }).WithResources("db"))

	time.Sleep(50 * time.Millisecond)
	cancelled := time.Now()
	cancel()
	out := await(t, outcome)

	assert.Less(t, time.Since(cancelled), time.Second)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Zero(t, out.Attempts)
}

func TestExecuteAsync_InfiniteRetryEventuallySucceeds(t *testing.T) {
	strategy, err := retry.Infinite(time.Millisecond)
	require.NoError(t, err)
	e := newEngine(t, Config{EngineCount: 1, Retry: strategy})

	var ran atomic.Int32
	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		if ran.Add(1) < 10 {
			return errBoom
		}
		return nil
	})))
	assert.True(t, out.Succeeded())
	assert.Equal(t, 10, out.Attempts)
}

func TestExecuteAsync_FailureInjection(t *testing.T) {
	e := newEngine(t, Config{EngineCount: 1, FailureInjectionRate: 1})

	var ran atomic.Int32
	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		ran.Add(1)
		return nil
	})))

	assert.ErrorIs(t, out.Err, ErrInjectedFailure)
	assert.Zero(t, ran.Load(), "injected failure preempts the action")
}

func TestExecuteAsync_PanicRecovered(t *testing.T) {
	e := newEngine(t, Config{EngineCount: 1})

	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		panic("kaboom")
	})))
	assert.ErrorIs(t, out.Err, ErrNodePanic)

	// The worker survived the panic.
	out = await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(1, func(context.Context) error { return nil })))
	assert.True(t, out.Succeeded())
}

func TestExecuteAsync_NilNode(t *testing.T) {
	e := newEngine(t, Config{EngineCount: 1})
	out := await(t, e.ExecuteAsync(context.Background(), nil))
	assert.ErrorIs(t, out.Err, ErrNilNode)
}

func TestExecuteAsync_CancelledContextSkipsAction(t *testing.T) {
	e := newEngine(t, Config{EngineCount: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	out := await(t, e.ExecuteAsync(ctx, dag.NewFuncNode(0, func(context.Context) error {
		ran.Add(1)
		return nil
	})))

	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 0, out.Attempts)
	assert.Zero(t, ran.Load())
}

func TestExecuteAsync_ResourceContentionDoesNotConsumeRetries(t *testing.T) {
	mgr := resource.NewManager(nil, nil)
	e := newEngine(t, Config{EngineCount: 2, Resources: mgr, ResourceRetryDelay: 5 * time.Millisecond})

	var (
		inside  atomic.Int32
		overlap atomic.Bool
	)
	work := func(context.Context) error {
		if inside.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(30 * time.Millisecond)
		inside.Add(-1)
		return nil
	}

	a := e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, work).WithResources("db"))
	b := e.ExecuteAsync(context.Background(), dag.NewFuncNode(1, work).WithResources("db"))

	outA, outB := await(t, a), await(t, b)
	assert.True(t, outA.Succeeded())
	assert.True(t, outB.Succeeded(), "contention is retried even under the none strategy")
	assert.Equal(t, 1, outA.Attempts)
	assert.Equal(t, 1, outB.Attempts)
	assert.False(t, overlap.Load(), "exclusive resource was held concurrently")
	assert.Equal(t, "", mgr.Registry().Get("db").Holder())
}

func TestExecuteAsync_ResourcesReleasedAfterFailure(t *testing.T) {
	mgr := resource.NewManager(nil, nil)
	e := newEngine(t, Config{EngineCount: 1, Resources: mgr})

	out := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		panic("after lock")
	}).WithResources("a", "b")))

	require.False(t, out.Succeeded())
	assert.Equal(t, "", mgr.Registry().Get("a").Holder())
	assert.Equal(t, "", mgr.Registry().Get("b").Holder())
}

func TestExecuteAsync_PriorityOrder(t *testing.T) {
	e := newEngine(t, Config{EngineCount: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	var (
		mu    sync.Mutex
		order []int
	)
	record := func(id int) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}

	chans := []<-chan Outcome{
		e.ExecuteAsync(context.Background(), dag.NewFuncNode(1, record(1)).WithPriority(5)),
		e.ExecuteAsync(context.Background(), dag.NewFuncNode(2, record(2)).WithPriority(1)),
		e.ExecuteAsync(context.Background(), dag.NewFuncNode(3, record(3)).WithPriority(3)),
		e.ExecuteAsync(context.Background(), dag.NewFuncNode(4, record(4)).WithPriority(1)),
	}
	close(release)

	await(t, blocker)
	for _, ch := range chans {
		await(t, ch)
	}
	assert.Equal(t, []int{2, 4, 3, 1}, order)
}

func TestExecuteAsync_BackoffDoesNotOccupyWorker(t *testing.T) {
	strategy, err := retry.FixedCount(1, 300*time.Millisecond)
	require.NoError(t, err)
	e := newEngine(t, Config{EngineCount: 1, Retry: strategy})

	var failedOnce atomic.Bool
	slow := e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error {
		if failedOnce.CompareAndSwap(false, true) {
			return errBoom
		}
		return nil
	}))

	// While node 0 waits out its delay the single worker runs node 1.
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	fast := await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(1, func(context.Context) error { return nil })))
	assert.True(t, fast.Succeeded())
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	assert.True(t, await(t, slow).Succeeded())
}

func TestClose_FailsQueuedTasks(t *testing.T) {
	strategy, err := retry.FixedCount(1, time.Hour)
	require.NoError(t, err)
	e, err := New(Config{EngineCount: 1, Retry: strategy})
	require.NoError(t, err)

	waiting := e.ExecuteAsync(context.Background(), dag.NewFuncNode(0, func(context.Context) error { return errBoom }))
	require.Eventually(t, func() bool { return e.Pending() == 1 }, time.Second, 5*time.Millisecond)

	e.Close()
	e.Close()

	out := await(t, waiting)
	assert.ErrorIs(t, out.Err, ErrEngineClosed)

	out = await(t, e.ExecuteAsync(context.Background(), dag.NewFuncNode(1, func(context.Context) error { return nil })))
	assert.ErrorIs(t, out.Err, ErrEngineClosed)
}
