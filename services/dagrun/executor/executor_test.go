// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
	"github.com/AleutianAI/dagrun/services/dagrun/engine"
	"github.com/AleutianAI/dagrun/services/dagrun/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var errBoom = errors.New("boom")

// recorder tracks execution order and timing per node.
type recorder struct {
	mu       sync.Mutex
	order    []int
	counts   map[int]int
	started  map[int]time.Time
	finished map[int]time.Time
}

func newRecorder() *recorder {
	return &recorder{
		counts:   make(map[int]int),
		started:  make(map[int]time.Time),
		finished: make(map[int]time.Time),
	}
}

func (r *recorder) node(id int, work time.Duration, err error, deps ...int) dag.Spec {
	fn := func(context.Context) error {
		r.mu.Lock()
		r.started[id] = time.Now()
		r.mu.Unlock()
		if work > 0 {
			time.Sleep(work)
		}
		r.mu.Lock()
		r.order = append(r.order, id)
		r.counts[id]++
		r.finished[id] = time.Now()
		r.mu.Unlock()
		return err
	}
	return dag.Spec{Node: dag.NewFuncNode(id, fn), DependsOn: deps}
}

func (r *recorder) ran(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id] > 0
}

func newEngine(t *testing.T, count int) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Config{EngineCount: count})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func newExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	if cfg.Runner == nil {
		cfg.Runner = newEngine(t, 4)
	}
	ex, err := New(cfg)
	require.NoError(t, err)
	return ex
}

func execute(t *testing.T, ex *Executor, d *dag.ExecutionDag) Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	resp, err := ex.Execute(ctx, d)
	require.NoError(t, err)
	return resp
}

func TestNew_NilRunner(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNilRunner)
}

func TestExecute_DependenciesRunFirst(t *testing.T) {
	rec := newRecorder()
	// 0 depends on 1 and 2
	d, err := dag.Build([]dag.Spec{
		rec.node(0, 0, nil, 1, 2),
		rec.node(1, 10*time.Millisecond, nil),
		rec.node(2, 10*time.Millisecond, nil),
	})
	require.NoError(t, err)

	resp := execute(t, newExecutor(t, Config{}), d)

	assert.False(t, resp.HasFailed)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, 3, resp.Nodes)
	require.Len(t, rec.order, 3)
	assert.Equal(t, 0, rec.order[2], "node 0 must run after its dependencies")
}

func TestExecute_FailureStopsDependents(t *testing.T) {
	rec := newRecorder()
	d, err := dag.Build([]dag.Spec{
		rec.node(0, 0, nil, 1, 2),
		rec.node(1, 0, errBoom),
		rec.node(2, 0, nil),
	})
	require.NoError(t, err)

	resp := execute(t, newExecutor(t, Config{}), d)

	assert.True(t, resp.HasFailed)
	assert.Nil(t, resp.Err, "node failures are reported only through HasFailed")
	assert.False(t, rec.ran(0))
	assert.True(t, rec.ran(1))
}

func TestExecute_EmptyDag(t *testing.T) {
	d, err := dag.Build(nil)
	require.NoError(t, err)

	resp := execute(t, newExecutor(t, Config{}), d)
	assert.False(t, resp.HasFailed)
	assert.Equal(t, 0, resp.Nodes)
}

func TestSubmit_NilDag(t *testing.T) {
	resp := execute(t, newExecutor(t, Config{}), nil)
	assert.True(t, resp.HasFailed)
	assert.ErrorIs(t, resp.Err, ErrNilDag)
}

func TestExecute_TopologicalOrderAndDispatchOnce(t *testing.T) {
	rec := newRecorder()

	// Layered graph: every node in layer k depends on two nodes of layer k-1.
	const layers, width = 6, 8
	specs := make([]dag.Spec, 0, layers*width)
	for l := 0; l < layers; l++ {
		for w := 0; w < width; w++ {
			id := l*width + w
			var deps []int
			if l > 0 {
				prev := (l - 1) * width
				deps = []int{prev + w, prev + (w+3)%width}
			}
			specs = append(specs, rec.node(id, time.Millisecond, nil, deps...))
		}
	}
	d, err := dag.Build(specs)
	require.NoError(t, err)

	resp := execute(t, newExecutor(t, Config{Runner: newEngine(t, 5)}), d)
	require.False(t, resp.HasFailed)

	for id := 0; id < d.Len(); id++ {
		assert.Equal(t, 1, rec.counts[id], "node %d executed %d times", id, rec.counts[id])
		for _, dep := range d.Dependencies(id) {
			assert.False(t, rec.started[id].Before(rec.finished[dep]),
				"node %d started before dependency %d finished", id, dep)
		}
	}
}

func TestExecute_OverlappingResourcesNoDeadlock(t *testing.T) {
	var inside sync.Map
	var overlap atomic.Bool

	sets := [][]string{{"a", "b"}, {"b", "a"}, {"b", "c"}, {"c", "a"}, {"a", "b", "c"}, {"c", "b"}}
	specs := make([]dag.Spec, 0, len(sets)*4)
	for i := 0; i < len(sets)*4; i++ {
		res := sets[i%len(sets)]
		fn := func(context.Context) error {
			for _, r := range res {
				if _, loaded := inside.LoadOrStore(r, true); loaded {
					overlap.Store(true)
				}
			}
			time.Sleep(2 * time.Millisecond)
			for _, r := range res {
				inside.Delete(r)
			}
			return nil
		}
		specs = append(specs, dag.Spec{Node: dag.NewFuncNode(i, fn).WithResources(res...)})
	}
	d, err := dag.Build(specs)
	require.NoError(t, err)

	eng, err := engine.New(engine.Config{EngineCount: 4, ResourceRetryDelay: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	resp := execute(t, newExecutor(t, Config{Runner: eng}), d)
	assert.False(t, resp.HasFailed)
	assert.False(t, overlap.Load(), "a resource was held by two nodes at once")
}

func TestExecute_ConcurrentRunsAreIndependent(t *testing.T) {
	ex := newExecutor(t, Config{Runner: newEngine(t, 4)})

	build := func(fail bool) *dag.ExecutionDag {
		var err2 error
		if fail {
			err2 = errBoom
		}
		noop := func(context.Context) error { return nil }
		d, err := dag.Build([]dag.Spec{
			{Node: dag.NewFuncNode(0, noop), DependsOn: []int{1, 2}},
			{Node: dag.NewFuncNode(1, noop)},
			{Node: dag.NewFuncNode(2, func(context.Context) error { return err2 })},
		})
		require.NoError(t, err)
		return d
	}
	good, bad := build(false), build(true)

	const runs = 40
	handles := make([]*Run, runs)
	for i := range handles {
		d := good
		if i%4 == 0 {
			d = bad
		}
		handles[i] = ex.Submit(context.Background(), d)
	}

	ids := make(map[string]bool)
	for i, h := range handles {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		resp, err := h.Wait(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, i%4 == 0, resp.HasFailed, "run %d", i)
		assert.Equal(t, h.ID(), resp.RunID)
		ids[resp.RunID] = true
	}
	assert.Len(t, ids, runs)
}

// gatedRunner fails node 0 shortly after dispatch and runs every other node
// only after a longer delay, failing it unrun if the run context is
// cancelled first.
type gatedRunner struct {
	delay time.Duration
	ran   sync.Map
}

func (g *gatedRunner) ExecuteAsync(ctx context.Context, node dag.Node) <-chan engine.Outcome {
	ch := make(chan engine.Outcome, 1)
	id := node.ID()
	if id == 0 {
		time.AfterFunc(20*time.Millisecond, func() {
			ch <- engine.Outcome{NodeID: id, Attempts: 1, Err: &engine.ExecutionError{NodeID: id, Attempts: 1, Err: errBoom}}
		})
		return ch
	}
	go func() {
		select {
		case <-ctx.Done():
			ch <- engine.Outcome{NodeID: id, Err: &engine.ExecutionError{NodeID: id, Err: ctx.Err()}}
		case <-time.After(g.delay):
			g.ran.Store(id, true)
			ch <- engine.Outcome{NodeID: id, Attempts: 1}
		}
	}()
	return ch
}

func TestExecute_FailurePolicy(t *testing.T) {
	tests := []struct {
		policy       FailurePolicy
		wantOtherRan bool
	}{
		{StopScheduling, true},
		{AbortPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			noop := func(context.Context) error { return nil }
			d, err := dag.Build([]dag.Spec{
				{Node: dag.NewFuncNode(0, noop)},
				{Node: dag.NewFuncNode(1, noop)},
				{Node: dag.NewFuncNode(2, noop), DependsOn: []int{1}},
			})
			require.NoError(t, err)

			runner := &gatedRunner{delay: 100 * time.Millisecond}
			resp := execute(t, newExecutor(t, Config{Runner: runner, Policy: tt.policy}), d)

			assert.True(t, resp.HasFailed)
			_, ran := runner.ran.Load(1)
			assert.Equal(t, tt.wantOtherRan, ran)
			_, ranDependent := runner.ran.Load(2)
			assert.False(t, ranDependent, "nothing is dispatched after a failure")
		})
	}
}

func TestExecute_ContextCancellation(t *testing.T) {
	rec := newRecorder()
	d, err := dag.Build([]dag.Spec{
		rec.node(0, 0, nil, 1),
		rec.node(1, 100*time.Millisecond, nil),
	})
	require.NoError(t, err)

	ex := newExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	run := ex.Submit(ctx, d)
	time.Sleep(20 * time.Millisecond)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	resp, err := run.Wait(waitCtx)
	require.NoError(t, err)

	assert.True(t, resp.HasFailed)
	assert.ErrorIs(t, resp.Err, context.Canceled)
	assert.False(t, rec.ran(0))
}

func TestComplete_NegativeInDegreeAbortsRun(t *testing.T) {
	d, err := dag.Build([]dag.Spec{
		{Node: dag.NewFuncNode(0, func(context.Context) error { return nil })},
		{Node: dag.NewFuncNode(1, func(context.Context) error { return nil }), DependsOn: []int{0}},
	})
	require.NoError(t, err)

	ex := newExecutor(t, Config{})
	s := &runState{
		id:       "r",
		dag:      d,
		inDegree: make([]atomic.Int32, 2),
		ready:    make(chan int, 5),
		cancel:   func() {},
		logger:   ex.logger,
	}
	s.inDegree[1].Store(1)

	for i := 0; i < 2; i++ {
		ch := make(chan engine.Outcome, 1)
		ch <- engine.Outcome{NodeID: 0, Attempts: 1}
		s.wg.Add(1)
		ex.complete(s, 0, ch)
	}

	assert.True(t, s.failed.Load())
	assert.ErrorIs(t, s.err, ErrInvariantViolation)
	assert.Equal(t, 1, <-s.ready, "first completion readies node 1")
	assert.Equal(t, poison, <-s.ready, "second completion poisons the queue")
}

// fakeRunner resolves nodes without an engine.
type fakeRunner struct {
	fail map[int]bool
}

func (f fakeRunner) ExecuteAsync(_ context.Context, node dag.Node) <-chan engine.Outcome {
	ch := make(chan engine.Outcome, 1)
	out := engine.Outcome{NodeID: node.ID(), Attempts: 1}
	if f.fail[node.ID()] {
		out.Err = &engine.ExecutionError{NodeID: node.ID(), Attempts: 1, Err: errBoom}
	}
	ch <- out
	return ch
}

func TestExecute_EmitsEvents(t *testing.T) {
	var (
		mu  sync.Mutex
		got []events.Event
	)
	obs := events.ObserverFunc(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	noop := func(context.Context) error { return nil }
	d, err := dag.Build([]dag.Spec{
		{Node: dag.NewFuncNode(0, noop), DependsOn: []int{1}},
		{Node: dag.NewFuncNode(1, noop)},
	}, dag.WithName("pair"))
	require.NoError(t, err)

	ex := newExecutor(t, Config{Runner: fakeRunner{}, Observer: obs})
	resp := execute(t, ex, d)
	require.False(t, resp.HasFailed)
	assert.Equal(t, "pair", resp.Name)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, events.RunStarted, got[0].Type)
	assert.Equal(t, events.RunCompleted, got[len(got)-1].Type)

	counts := map[events.Type]int{}
	for _, ev := range got {
		assert.Equal(t, resp.RunID, ev.RunID)
		counts[ev.Type]++
	}
	assert.Equal(t, 2, counts[events.NodeDispatched])
	assert.Equal(t, 2, counts[events.NodeSucceeded])
}

func TestExecute_FailedNodeEvent(t *testing.T) {
	var failed atomic.Int32
	obs := events.ObserverFunc(func(ev events.Event) {
		if ev.Type == events.NodeFailed {
			failed.Add(1)
		}
	})

	noop := func(context.Context) error { return nil }
	d, err := dag.Build([]dag.Spec{{Node: dag.NewFuncNode(0, noop)}})
	require.NoError(t, err)

	ex := newExecutor(t, Config{Runner: fakeRunner{fail: map[int]bool{0: true}}, Observer: obs})
	resp := execute(t, ex, d)
	assert.True(t, resp.HasFailed)
	assert.Equal(t, int32(1), failed.Load())
}

func TestExecute_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	noop := func(context.Context) error { return nil }
	d, err := dag.Build([]dag.Spec{
		{Node: dag.NewFuncNode(0, noop), DependsOn: []int{1}},
		{Node: dag.NewFuncNode(1, noop)},
	})
	require.NoError(t, err)

	resp := execute(t, newExecutor(t, Config{}), d)
	require.False(t, resp.HasFailed)

	var runSpan sdktrace.ReadOnlySpan
	nodeSpans := 0
	for _, s := range sr.Ended() {
		switch s.Name() {
		case "executor.Run":
			runSpan = s
		case "engine.Execute":
			nodeSpans++
		}
	}
	require.NotNil(t, runSpan, "executor.Run span not recorded")
	assert.Equal(t, 2, nodeSpans)

	attrs := map[string]string{}
	for _, kv := range runSpan.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, resp.RunID, attrs["run.id"])
	assert.Equal(t, "2", attrs["dag.nodes"])
	assert.Equal(t, "false", attrs["run.has_failed"])
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", StopScheduling, false},
		{"stop_scheduling", StopScheduling, false},
		{"ABORT_PENDING", AbortPending, false},
		{"halt", 0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := ParseFailurePolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFailurePolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
