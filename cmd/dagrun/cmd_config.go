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
	"fmt"

	"github.com/AleutianAI/dagrun/services/dagrun/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "dagrun.yaml"

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to path (default dagrun.yaml)",
		Args:  cobra.MaximumNArgs(1),
		// A missing --config file is what this command creates.
		PersistentPreRun: func(cmd *cobra.Command, _ []string) { a.setupOutput(cmd) },
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			switch {
			case len(args) == 1:
				path = args[0]
			case a.opts.configPath != "":
				path = a.opts.configPath
			}
			created, err := config.WriteDefault(path)
			if err != nil {
				return err
			}
			if created {
				a.printer.Success("wrote " + path)
			} else {
				a.printer.Warning(path + " already exists, left unchanged")
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after files and environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := yaml.Marshal(a.cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}
