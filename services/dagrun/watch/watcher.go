// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch submits DAG description files dropped into a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/dagrun/services/dagrun/parser"
)

// ErrNilSubmit is returned when no submit function is supplied.
var ErrNilSubmit = errors.New("watch: submit function must not be nil")

// SubmitFunc receives the path and contents of a changed description file.
type SubmitFunc func(ctx context.Context, path string, format parser.Format, data []byte) error

// Options configures a Watcher.
type Options struct {
	// Debounce is how long a file must be quiet before it is submitted.
	// Editors often write a file in several steps. Default: 100ms.
	Debounce time.Duration

	// Rate is the maximum sustained submissions per second. 0 means unlimited.
	Rate float64

	// Burst is the limiter burst size. Default: 1.
	Burst int

	// Logger receives watcher logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the watcher defaults.
func DefaultOptions() Options {
	return Options{
		Debounce: 100 * time.Millisecond,
		Rate:     5,
		Burst:    1,
	}
}

// Watcher watches one directory (not recursively) for created or written
// *.xml, *.yaml and *.yml files.
//
// Thread Safety: Run must be called once. Stop is safe from any goroutine.
type Watcher struct {
	dir      string
	submit   SubmitFunc
	debounce time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	changes  chan string
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher on dir.
//
// Outputs:
//
//	*Watcher - Ready watcher; call Run to start.
//	error - Non-nil if dir is not a directory or fsnotify fails.
func New(dir string, submit SubmitFunc, opts Options) (*Watcher, error) {
	if submit == nil {
		return nil, ErrNilSubmit
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultOptions().Debounce
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:      dir,
		submit:   submit,
		debounce: opts.Debounce,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		logger:   logger.With(slog.String("component", "watch"), slog.String("dir", dir)),
		watcher:  fw,
		changes:  make(chan string, 256),
		done:     make(chan struct{}),
	}, nil
}

// Run processes events until ctx ends or Stop is called.
//
// Description:
//
//	Events are collected per path and flushed once the debounce window
//	passes without a new event. Each flushed file is read and handed to
//	the submit function, waiting on the rate limiter first. Submit errors
//	are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.processEvents(ctx)
	}()

	w.logger.Info("watching for dag descriptions")
	w.debounceLoop(ctx)
	wg.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, err := parser.DetectFormat(event.Name); err != nil {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				w.logger.Warn("change buffer full, dropping event", slog.String("path", event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	pending := make(map[string]struct{})
	var order []string
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for _, path := range order {
			if ctx.Err() != nil {
				return
			}
			w.handle(ctx, path)
		}
		clear(pending)
		order = order[:0]
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.changes:
			if _, ok := pending[path]; !ok {
				pending[path] = struct{}{}
				order = append(order, path)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			flush()
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	logger := w.logger.With(slog.String("path", filepath.Base(path)))

	format, err := parser.DetectFormat(path)
	if err != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("read description failed", slog.String("error", err.Error()))
		return
	}
	if len(data) == 0 {
		return
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	if err := w.submit(ctx, path, format, data); err != nil {
		logger.Warn("submission rejected", slog.String("error", err.Error()))
		return
	}
	logger.Info("description submitted")
}
