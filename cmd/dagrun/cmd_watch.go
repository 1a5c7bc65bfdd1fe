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
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/dagrun/services/dagrun"
	"github.com/AleutianAI/dagrun/services/dagrun/executor"
	"github.com/AleutianAI/dagrun/services/dagrun/watch"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Run every description written to a directory until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watchDir(ctx, args[0])
		},
	}
}

func (a *app) watchDir(ctx context.Context, dir string) error {
	svc, err := dagrun.NewService(a.cfg, a.log())
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Close()

	submit := watchSubmitter(svc,
		func(source string, resp executor.Response) {
			a.printer.RunResult(source, resp.RunID, resp.HasFailed, resp.Duration)
		},
		func(source string, err error) {
			a.printer.Error(fmt.Sprintf("%s: %v", source, err))
		})

	w, err := watch.New(dir, submit, watch.Options{Rate: a.cfg.Server.WatchRate, Logger: a.log()})
	if err != nil {
		return err
	}
	a.printer.Title("dagrun watch")
	a.printer.Info(fmt.Sprintf("watching %s, press Ctrl+C to stop", dir))
	return w.Run(ctx)
}
