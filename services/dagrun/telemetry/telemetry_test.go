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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()

	if cfg.ServiceName != "dagrun" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "dagrun")
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want %q", cfg.TraceExporter, "none")
	}
	if cfg.MetricExporter != "prometheus" {
		t.Errorf("MetricExporter = %q, want %q", cfg.MetricExporter, "prometheus")
	}
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	if got := DefaultConfig().TraceExporter; got != "stdout" {
		t.Errorf("TraceExporter = %q, want %q", got, "stdout")
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, Config{TraceExporter: "none", MetricExporter: "none"})
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_NoopExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "none"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_StdoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		ServiceName:    "dagrun-test",
		TraceExporter:  "stdout",
		MetricExporter: "stdout",
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())
}

func TestInit_OTLPUsesLazyConnection(t *testing.T) {
	// grpc.NewClient does not dial until first use, so an unreachable
	// collector does not fail Init.
	shutdown, err := Init(context.Background(), Config{
		TraceExporter:  "otlp",
		MetricExporter: "none",
		OTLPEndpoint:   "127.0.0.1:1",
		OTLPInsecure:   true,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_ = shutdown(ctx)
}

func TestInit_UnknownExporter(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"trace", Config{TraceExporter: "zipkin", MetricExporter: "none"}},
		{"metric", Config{TraceExporter: "none", MetricExporter: "graphite"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(context.Background(), tt.cfg)
			if !errors.Is(err, ErrUnknownExporter) {
				t.Errorf("Init() error = %v, want %v", err, ErrUnknownExporter)
			}
		})
	}
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "prometheus"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	m, err := NewMetrics(otel.Meter("dagrun.telemetry.test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.SubmissionsTotal.Add(context.Background(), 1)

	handler := MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() = nil after prometheus Init")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dagrun_submissions_total") {
		t.Errorf("body should contain dagrun_submissions_total")
	}
}

func TestNewMetrics_Noop(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if m.RunsInFlight == nil || m.HistoryWritesTotal == nil || m.WatchSubmissionsTotal == nil {
		t.Error("NewMetrics() left instruments nil")
	}
}

func TestLoggerWithTrace(t *testing.T) {
	t.Run("no span", func(t *testing.T) {
		var buf bytes.Buffer
		LoggerWithTrace(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil))).Info("msg")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("output should not contain trace_id: %s", buf.String())
		}
	})

	t.Run("nil logger", func(t *testing.T) {
		if LoggerWithTrace(context.Background(), nil) == nil {
			t.Error("LoggerWithTrace() = nil")
		}
	})

	t.Run("with span", func(t *testing.T) {
		traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
		spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
			TraceFlags: trace.FlagsSampled,
		})
		ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

		var buf bytes.Buffer
		LoggerWithRun(ctx, slog.New(slog.NewJSONHandler(&buf, nil)), "run-1").Info("msg")

		out := buf.String()
		for _, want := range []string{traceID.String(), `"span_id"`, `"run_id":"run-1"`} {
			if !strings.Contains(out, want) {
				t.Errorf("output should contain %s: %s", want, out)
			}
		}
	})
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "dagrun.telemetry.test", "op")
	if TraceID(ctx) == "" || SpanID(ctx) == "" {
		t.Error("TraceID/SpanID should be set inside a span")
	}
	AddSpanEvent(span, "step", attribute.Int("n", 1))
	RecordError(span, errors.New("boom"))
	span.End()

	_, okSpan := StartSpan(context.Background(), "dagrun.telemetry.test", "ok")
	SetSpanOK(okSpan)
	okSpan.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if len(ended[0].Events()) != 2 {
		t.Errorf("events = %d, want 2 (step + exception)", len(ended[0].Events()))
	}
	if ended[1].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", ended[1].Status().Code)
	}

	// nil-safe
	RecordError(nil, errors.New("x"))
	SetSpanOK(nil)
	AddSpanEvent(nil, "x")
}
