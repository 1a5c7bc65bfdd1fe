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
	"os"
	"path/filepath"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
	"github.com/AleutianAI/dagrun/services/dagrun/parser"
	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check DAG descriptions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validateFiles(args, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Force the format for every file: xml or yaml")
	return cmd
}

func (a *app) validateFiles(files []string, forced string) error {
	invalid := 0
	for _, path := range files {
		d, err := a.validateFile(path, forced)
		name := filepath.Base(path)
		if err != nil {
			invalid++
			a.printer.Error(fmt.Sprintf("%s: %v", name, err))
			continue
		}
		a.printer.Success(fmt.Sprintf("%s: %d nodes, %d edges, %d roots", name, d.Len(), d.EdgeCount(), len(d.Roots())))
	}
	if invalid > 0 {
		a.printer.Summary(len(files)-invalid, invalid, len(files))
		return errRunsFailed
	}
	return nil
}

func (a *app) validateFile(path, forced string) (*dag.ExecutionDag, error) {
	format := forced
	if format == "" {
		detected, err := parser.DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = string(detected)
	}
	p, err := parser.ForFormat(format, a.log(), parser.WithMaxNodes(a.cfg.MaxNodes))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return p.Parse(data)
}
