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
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/dagrun/pkg/logging"
	"github.com/AleutianAI/dagrun/pkg/ux"
	"github.com/AleutianAI/dagrun/services/dagrun/config"
	"github.com/spf13/cobra"
)

// errRunsFailed is returned after the failures have already been printed.
var errRunsFailed = errors.New("one or more runs failed")

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logDir     string
	jsonLogs   bool
	plain      bool
}

// app is the state shared by every command once the root hooks have run.
type app struct {
	opts    globalOptions
	cfg     config.Config
	logger  *logging.Logger
	printer *ux.Printer
}

// log returns the configured logger, or the default before setup.
func (a *app) log() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// close releases the logger's file, if any.
func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// setupOutput configures the printer. Used by commands that skip config loading.
func (a *app) setupOutput(cmd *cobra.Command) {
	if a.opts.plain {
		a.printer = ux.NewPrinterMode(cmd.OutOrStdout(), ux.ModePlain)
		return
	}
	a.printer = ux.NewPrinter(cmd.OutOrStdout())
}

// setup loads the configuration and installs the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	a.setupOutput(cmd)

	cfg, err := config.Load(a.opts.configPath, a.opts.envFile)
	if err != nil {
		return err
	}
	level := cfg.SlogLevel()
	if a.opts.logLevel != "" {
		level, err = logging.ParseLevel(a.opts.logLevel)
		if err != nil {
			return err
		}
	}
	a.cfg = cfg

	format := logging.FormatAuto
	if a.opts.jsonLogs {
		format = logging.FormatJSON
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		Format:  format,
		Output:  cmd.ErrOrStderr(),
		LogDir:  a.opts.logDir,
		Service: "dagrun",
	})
	slog.SetDefault(a.logger.Slog())
	return nil
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dagrun",
		Short: "Run dependency graphs of tasks concurrently",
		Long: `dagrun validates DAG descriptions (XML or YAML) and runs their nodes on a
shared worker pool. A node runs once every node it depends on has
succeeded. Failed attempts are retried per the configured strategy and
resource contention waits without consuming the retry budget.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.opts.configPath, "config", "c", "", "Path to a YAML config file (defaults apply when empty)")
	flags.StringVar(&a.opts.envFile, "env-file", ".env", "Env file loaded before DAGRUN_* overrides (skipped if missing)")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "Override the log level: debug, info, warn or error")
	flags.StringVar(&a.opts.logDir, "log-dir", "", "Also write JSON logs to a daily file in this directory")
	flags.BoolVar(&a.opts.jsonLogs, "json-logs", false, "Write console logs as JSON")
	flags.BoolVar(&a.opts.plain, "plain", false, "Plain tab-separated output for scripts")

	rootCmd.AddCommand(
		newRunCmd(a),
		newValidateCmd(a),
		newServeCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
	)
	return rootCmd
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	a := &app{}
	defer a.close()

	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunsFailed) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}
