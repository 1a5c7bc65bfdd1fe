// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parser

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
	"gopkg.in/yaml.v3"
)

type yamlDocument struct {
	Name  string      `yaml:"name"`
	Nodes *[]yamlNode `yaml:"nodes"`
}

type yamlNode struct {
	ID           *int     `yaml:"id"`
	Priority     int      `yaml:"priority"`
	Resources    []string `yaml:"resources"`
	DurationMs   int      `yaml:"duration_ms"`
	Dependencies []int    `yaml:"dependencies"`
}

// YAMLParser parses the YAML description format:
//
//	name: nightly
//	nodes:
//	  - id: 0
//	    priority: 1
//	    resources: [db]
//	    duration_ms: 5
//	    dependencies: [1]
//	  - id: 1
type YAMLParser struct {
	logger *slog.Logger
	opts   options
}

// NewYAMLParser creates a YAML parser. A nil logger uses slog.Default().
func NewYAMLParser(logger *slog.Logger, opts ...Option) *YAMLParser {
	return &YAMLParser{logger: orDefault(logger), opts: newOptions(opts)}
}

// Parse decodes a YAML description and validates the resulting graph.
// Unknown fields are rejected.
func (p *YAMLParser) Parse(data []byte) (*dag.ExecutionDag, error) {
	var doc yamlDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, malformed("empty document")
		}
		return nil, malformed("decode yaml: %v", err)
	}
	if doc.Nodes == nil {
		return nil, malformed("missing required nodes list")
	}

	decls := make([]nodeDecl, 0, len(*doc.Nodes))
	for i, n := range *doc.Nodes {
		if n.ID == nil {
			return nil, malformed("node %d: id is required", i)
		}
		if n.DurationMs < 0 {
			return nil, malformed("node %d: duration_ms must be >= 0, got %d", *n.ID, n.DurationMs)
		}
		decls = append(decls, nodeDecl{
			id:           *n.ID,
			priority:     n.Priority,
			resources:    n.Resources,
			duration:     time.Duration(n.DurationMs) * time.Millisecond,
			dependencies: n.Dependencies,
		})
	}
	return build(doc.Name, decls, p.logger, p.opts)
}
