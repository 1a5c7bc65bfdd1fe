// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dagrun/services/dagrun/parser"
)

type submission struct {
	path   string
	format parser.Format
	data   string
	at     time.Time
}

type collector struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (c *collector) submit(_ context.Context, path string, format parser.Format, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, submission{path: path, format: format, data: string(data), at: time.Now()})
	return c.err
}

func (c *collector) snapshot() []submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]submission(nil), c.subs...)
}

func startWatcher(t *testing.T, dir string, c *collector, opts Options) {
	t.Helper()
	w, err := New(dir, c.submit, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})
}

func TestNew_Validation(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}

	_, err := New(dir, nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrNilSubmit)

	_, err = New(filepath.Join(dir, "missing"), c.submit, DefaultOptions())
	assert.Error(t, err)

	file := filepath.Join(dir, "f.xml")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(file, c.submit, DefaultOptions())
	assert.Error(t, err)
}

func TestWatcher_SubmitsDescriptions(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	opts := DefaultOptions()
	opts.Debounce = 20 * time.Millisecond
	opts.Rate = 0
	startWatcher(t, dir, c, opts)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xml"), []byte("<DAG/>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("nodes: []"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	assert.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	byName := map[string]submission{}
	for _, s := range c.snapshot() {
		byName[filepath.Base(s.path)] = s
	}
	assert.Equal(t, parser.FormatXML, byName["a.xml"].format)
	assert.Equal(t, "<DAG/>", byName["a.xml"].data)
	assert.Equal(t, parser.FormatYAML, byName["b.yml"].format)
	assert.NotContains(t, byName, "notes.txt")
}

func TestWatcher_DebouncesRepeatedWrites(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	opts := DefaultOptions()
	opts.Debounce = 150 * time.Millisecond
	opts.Rate = 0
	startWatcher(t, dir, c, opts)

	path := filepath.Join(dir, "dag.yaml")
	for _, body := range []string{"nodes:", "nodes: [", "nodes: []"} {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return len(c.snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	subs := c.snapshot()
	require.Len(t, subs, 1)
	assert.Equal(t, "nodes: []", subs[0].data)
}

func TestWatcher_RateLimited(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	opts := DefaultOptions()
	opts.Debounce = 20 * time.Millisecond
	opts.Rate = 10
	opts.Burst = 1
	startWatcher(t, dir, c, opts)

	for _, name := range []string{"1.xml", "2.xml", "3.xml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("<DAG/>"), 0o600))
	}

	assert.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 3*time.Second, 10*time.Millisecond)
	subs := c.snapshot()
	assert.GreaterOrEqual(t, subs[2].at.Sub(subs[0].at), 150*time.Millisecond)
}

func TestWatcher_SubmitErrorKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	c := &collector{err: errors.New("rejected")}
	opts := DefaultOptions()
	opts.Debounce = 20 * time.Millisecond
	opts.Rate = 0
	startWatcher(t, dir, c, opts)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.xml"), []byte("<"), 0o600))
	assert.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "next.xml"), []byte("<DAG/>"), 0o600))
	assert.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_StopIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), (&collector{}).submit, DefaultOptions())
	require.NoError(t, err)
	w.Stop()
	w.Stop()
	assert.NoError(t, w.Run(context.Background()))
}
