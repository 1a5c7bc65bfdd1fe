// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the service-level instruments for dagrun.
//
// Description:
//
//	Counts submissions at the service boundary. Per-node instruments live
//	with the engine and executor. All metrics use the "dagrun_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// SubmissionsTotal counts DAG submissions by format and outcome.
	SubmissionsTotal metric.Int64Counter

	// ValidationFailuresTotal counts rejected descriptions by error kind.
	ValidationFailuresTotal metric.Int64Counter

	// RunsInFlight tracks submitted runs that have not completed.
	RunsInFlight metric.Int64UpDownCounter

	// HistoryWritesTotal counts run records written, by status.
	HistoryWritesTotal metric.Int64Counter

	// WatchSubmissionsTotal counts files submitted by the directory watcher.
	WatchSubmissionsTotal metric.Int64Counter
}

// NewMetrics registers every instrument with meter.
//
// Outputs:
//
//	*Metrics - The registered instruments.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SubmissionsTotal, err = meter.Int64Counter(
		"dagrun_submissions_total",
		metric.WithDescription("Total DAG submissions"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create submissions_total: %w", err)
	}

	m.ValidationFailuresTotal, err = meter.Int64Counter(
		"dagrun_validation_failures_total",
		metric.WithDescription("Total DAG descriptions rejected at submission"),
		metric.WithUnit("{submission}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation_failures_total: %w", err)
	}

	m.RunsInFlight, err = meter.Int64UpDownCounter(
		"dagrun_runs_in_flight",
		metric.WithDescription("Submitted runs not yet completed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create runs_in_flight: %w", err)
	}

	m.HistoryWritesTotal, err = meter.Int64Counter(
		"dagrun_history_writes_total",
		metric.WithDescription("Total run records written to history"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create history_writes_total: %w", err)
	}

	m.WatchSubmissionsTotal, err = meter.Int64Counter(
		"dagrun_watch_submissions_total",
		metric.WithDescription("Total files submitted by the directory watcher"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create watch_submissions_total: %w", err)
	}

	return m, nil
}
