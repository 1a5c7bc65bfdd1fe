// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parser turns DAG descriptions into validated execution graphs.
//
// Two formats are supported: the XML document
//
//	<DAG Name="nightly">
//	  <Nodes>
//	    <Node Id="0" Priority="1" Resources="db,cache" DurationMs="5">
//	      <dependencies><Node Id="1"/></dependencies>
//	    </Node>
//	    <Node Id="1"/>
//	  </Nodes>
//	</DAG>
//
// and its YAML equivalent. Parsed nodes run a simulated action that logs
// and optionally sleeps for DurationMs.
package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
)

var (
	// ErrMalformed indicates a description that cannot be decoded or lacks
	// required fields. It always matches dag.ErrValidation as well.
	ErrMalformed = errors.New("malformed dag description")

	// ErrUnsupportedFormat indicates an unknown format name or file extension.
	ErrUnsupportedFormat = errors.New("unsupported dag format")
)

// Format names a description format.
type Format string

const (
	// FormatXML is the XML document format.
	FormatXML Format = "xml"

	// FormatYAML is the YAML document format.
	FormatYAML Format = "yaml"
)

// Parser decodes and validates a DAG description.
type Parser interface {
	Parse(data []byte) (*dag.ExecutionDag, error)
}

// Option configures a parser.
type Option func(*options)

type options struct {
	maxNodes int
}

// WithMaxNodes rejects descriptions declaring more than n nodes with
// dag.ErrGraphTooLarge before any other graph check runs. n <= 0 keeps
// the dag package limit.
func WithMaxNodes(n int) Option {
	return func(o *options) {
		o.maxNodes = n
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// buildOptions translates parser options into dag build options.
func (o options) buildOptions(name string) []dag.BuildOption {
	bopts := []dag.BuildOption{dag.WithName(name)}
	if o.maxNodes > 0 {
		// dag limits are exclusive.
		bopts = append(bopts, dag.WithMaxNodes(o.maxNodes+1))
	}
	return bopts
}

// ForFormat returns the parser for a format name ("xml", "yaml" or "yml").
// logger is attached to the simulated node actions; nil uses slog.Default().
func ForFormat(name string, logger *slog.Logger, opts ...Option) (Parser, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case FormatXML:
		return NewXMLParser(logger, opts...), nil
	case FormatYAML, "yml":
		return NewYAMLParser(logger, opts...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// DetectFormat infers the format from a file name's extension.
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xml":
		return FormatXML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
}

// nodeDecl is the format-independent declaration of one node.
type nodeDecl struct {
	id           int
	priority     int
	resources    []string
	duration     time.Duration
	dependencies []int
}

// build converts declarations into a validated graph.
func build(name string, decls []nodeDecl, logger *slog.Logger, o options) (*dag.ExecutionDag, error) {
	specs := make([]dag.Spec, 0, len(decls))
	for _, d := range decls {
		node := dag.NewFuncNode(d.id, simulate(d.id, d.duration, logger)).
			WithPriority(d.priority).
			WithResources(d.resources...)
		specs = append(specs, dag.Spec{Node: node, DependsOn: d.dependencies})
	}
	return dag.Build(specs, o.buildOptions(name)...)
}

// simulate returns the default node action: log and wait for duration.
func simulate(id int, duration time.Duration, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		logger.Info("executing node", slog.Int("node", id))
		if duration <= 0 {
			return nil
		}
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", dag.ErrValidation, ErrMalformed, fmt.Sprintf(format, args...))
}

// splitResources parses a comma-separated resource list.
func splitResources(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
