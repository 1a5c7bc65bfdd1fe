// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun"
	"github.com/AleutianAI/dagrun/services/dagrun/executor"
	"github.com/AleutianAI/dagrun/services/dagrun/parser"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	format   string
	parallel int
	timeout  time.Duration
	failFast bool
}

// fileResult is the outcome of one file given to "dagrun run".
type fileResult struct {
	source string
	resp   executor.Response
	err    error
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <file>...",
		Short: "Run one or more DAG descriptions and report each outcome",
		Long: `Runs every file concurrently on one shared engine pool. The format is
taken from the file extension unless --format is given. Exits non-zero if
any file is rejected or any run fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFiles(cmd.Context(), args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Force the format for every file: xml or yaml")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 0, "Maximum files running at once (0 = all)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Cancel runs still going after this long (0 = none)")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "Cancel the remaining runs after the first failure")
	return cmd
}

func (a *app) runFiles(ctx context.Context, files []string, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	svc, err := dagrun.NewService(a.cfg, a.log())
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			a.log().Warn("service close failed", slog.String("error", err.Error()))
		}
	}()

	results := make([]fileResult, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	if opts.parallel > 0 {
		g.SetLimit(opts.parallel)
	}
	for i, file := range files {
		g.Go(func() error {
			results[i] = runFile(gCtx, svc, file, opts.format)
			if opts.failFast && (results[i].err != nil || results[i].resp.HasFailed) {
				return fmt.Errorf("%s: %w", file, errRunsFailed)
			}
			return nil
		})
	}
	_ = g.Wait()

	a.printer.Title("dagrun")
	succeeded, failed := 0, 0
	for _, r := range results {
		switch {
		case r.err != nil:
			failed++
			a.printer.Error(fmt.Sprintf("%s: %v", r.source, r.err))
		case r.resp.HasFailed:
			failed++
			a.printer.RunResult(r.source, r.resp.RunID, true, r.resp.Duration)
			if r.resp.Err != nil {
				a.printer.Warning(fmt.Sprintf("%s: %v", r.source, r.resp.Err))
			}
		default:
			succeeded++
			a.printer.RunResult(r.source, r.resp.RunID, false, r.resp.Duration)
		}
	}
	a.printer.Summary(succeeded, failed, len(results))

	if failed > 0 {
		return errRunsFailed
	}
	return nil
}

// runFile submits one file and waits for its run.
func runFile(ctx context.Context, svc *dagrun.Service, path, forced string) fileResult {
	res := fileResult{source: filepath.Base(path)}

	format := forced
	if format == "" {
		detected, err := parser.DetectFormat(path)
		if err != nil {
			res.err = err
			return res
		}
		format = string(detected)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		res.err = fmt.Errorf("read: %w", err)
		return res
	}

	run, err := svc.ProcessRequest(ctx, format, data)
	if err != nil {
		res.err = err
		return res
	}
	// The run observes ctx itself and always resolves.
	res.resp, _ = run.Wait(context.WithoutCancel(ctx))
	return res
}
