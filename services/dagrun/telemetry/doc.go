// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for dagrun.
//
// Init installs the global TracerProvider and MeterProvider from
// configuration; the rest of the service uses otel.Tracer and otel.Meter
// directly and never depends on a particular backend.
//
// # Trace Backend (default: none)
//
// "otlp" exports over a gRPC client connection to an OTLP collector,
// "stdout" pretty-prints spans, "none" leaves the no-op provider in place.
//
// # Metrics Backend (default: prometheus)
//
// "prometheus" registers the OTel exporter with the default Prometheus
// registry and exposes it through MetricsHandler. "stdout" pushes periodically.
//
// # Logging
//
// LoggerWithTrace and LoggerWithRun decorate a *slog.Logger with trace and
// run identifiers for correlation.
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - DAGRUN_ENV: environment name (default: development)
package telemetry
