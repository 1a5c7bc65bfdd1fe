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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun"
	"github.com/AleutianAI/dagrun/services/dagrun/executor"
	"github.com/AleutianAI/dagrun/services/dagrun/parser"
	"github.com/AleutianAI/dagrun/services/dagrun/telemetry"
	"github.com/AleutianAI/dagrun/services/dagrun/watch"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		port     int
		watchDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, optionally submitting files from a watched directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			return a.serve(cmd.Context(), watchDir)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides server.port)")
	cmd.Flags().StringVar(&watchDir, "watch-dir", "", "Also submit descriptions written to this directory")
	return cmd
}

func (a *app) serve(ctx context.Context, watchDir string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := a.log()

	shutdownTelemetry, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc, err := dagrun.NewService(a.cfg, logger)
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("service close failed", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           dagrun.NewRouter(svc, a.cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if watchDir != "" {
		w, err := watch.New(watchDir, watchSubmitter(svc, func(source string, resp executor.Response) {
			logger.Info("watched run completed",
				slog.String("file", source),
				slog.String("run_id", resp.RunID),
				slog.Bool("has_failed", resp.HasFailed),
				slog.Duration("duration", resp.Duration))
		}, nil), watch.Options{Rate: a.cfg.Server.WatchRate, Logger: logger})
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return w.Run(gCtx) })
	}

	return g.Wait()
}

// watchSubmitter submits watched files to svc. onDone is called when an
// accepted run resolves; onReject, if set, when a description is rejected.
func watchSubmitter(svc *dagrun.Service, onDone func(source string, resp executor.Response), onReject func(source string, err error)) watch.SubmitFunc {
	return func(ctx context.Context, path string, format parser.Format, data []byte) error {
		source := filepath.Base(path)
		run, err := svc.ProcessRequest(ctx, string(format), data)
		svc.RecordWatchSubmission(ctx, err == nil)
		if err != nil {
			if onReject != nil {
				onReject(source, err)
			}
			return err
		}
		go func() {
			resp, err := run.Wait(context.WithoutCancel(ctx))
			if err == nil {
				onDone(source, resp)
			}
		}()
		return nil
	}
}
