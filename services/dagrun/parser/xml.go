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
	"encoding/xml"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
)

type xmlDocument struct {
	XMLName xml.Name  `xml:"DAG"`
	Name    string    `xml:"Name,attr"`
	Nodes   *xmlNodes `xml:"Nodes"`
}

type xmlNodes struct {
	Nodes []xmlNode `xml:"Node"`
}

type xmlNode struct {
	ID           string           `xml:"Id,attr"`
	Priority     string           `xml:"Priority,attr"`
	Resources    string           `xml:"Resources,attr"`
	DurationMs   string           `xml:"DurationMs,attr"`
	Dependencies *xmlDependencies `xml:"dependencies"`
}

type xmlDependencies struct {
	Nodes []xmlNode `xml:"Node"`
}

// XMLParser parses the XML description format.
type XMLParser struct {
	logger *slog.Logger
	opts   options
}

// NewXMLParser creates an XML parser. A nil logger uses slog.Default().
func NewXMLParser(logger *slog.Logger, opts ...Option) *XMLParser {
	return &XMLParser{logger: orDefault(logger), opts: newOptions(opts)}
}

// Parse decodes an XML description and validates the resulting graph.
//
// Description:
//
//	The <Nodes> element is required; it may be empty. Every node needs an
//	Id. A dependency entry names a node by Id and must not declare
//	dependencies of its own.
//
// Outputs:
//
//	*dag.ExecutionDag - The validated graph.
//	error - ErrMalformed for decoding problems, otherwise a dag validation
//	error. Both match dag.ErrValidation.
func (p *XMLParser) Parse(data []byte) (*dag.ExecutionDag, error) {
	var doc xmlDocument
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, malformed("decode xml: %v", err)
	}
	if doc.Nodes == nil {
		return nil, malformed("missing required <Nodes> element")
	}

	decls := make([]nodeDecl, 0, len(doc.Nodes.Nodes))
	for i, n := range doc.Nodes.Nodes {
		decl, err := n.decl(i)
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return build(doc.Name, decls, p.logger, p.opts)
}

func (n xmlNode) decl(index int) (nodeDecl, error) {
	id, err := requiredInt(n.ID, "node %d: Id", index)
	if err != nil {
		return nodeDecl{}, err
	}
	d := nodeDecl{id: id, resources: splitResources(n.Resources)}

	if d.priority, err = optionalInt(n.Priority, "node %d: Priority", id); err != nil {
		return nodeDecl{}, err
	}
	ms, err := optionalInt(n.DurationMs, "node %d: DurationMs", id)
	if err != nil {
		return nodeDecl{}, err
	}
	if ms < 0 {
		return nodeDecl{}, malformed("node %d: DurationMs must be >= 0, got %d", id, ms)
	}
	d.duration = time.Duration(ms) * time.Millisecond

	if n.Dependencies != nil {
		for _, dep := range n.Dependencies.Nodes {
			if dep.Dependencies != nil && len(dep.Dependencies.Nodes) > 0 {
				return nodeDecl{}, malformed("dependencies of node %d should not have their own dependencies", id)
			}
			depID, err := requiredInt(dep.ID, "node %d: dependency Id", id)
			if err != nil {
				return nodeDecl{}, err
			}
			d.dependencies = append(d.dependencies, depID)
		}
	}
	return d, nil
}

func requiredInt(s, what string, args ...any) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, malformed(what+" is required", args...)
	}
	return optionalInt(s, what, args...)
}

func optionalInt(s, what string, args ...any) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, malformed(what+": %q is not an integer", append(args, s)...)
	}
	return v, nil
}
