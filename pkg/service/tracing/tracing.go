// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires antbs-server's transaction and repo-update
// pipelines into OpenTelemetry: Init configures the process-wide
// TracerProvider from config.Config, and StartSpan/NewTimer give callers
// a tracer handle without every package needing its own
// otel.Tracer(name) call.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "antbs"

// Init configures the process-wide TracerProvider. With enabled=false it
// leaves the no-op provider otel defaults to in place. otlpEndpoint
// selects an OTLP/gRPC exporter; empty falls back to a stdout exporter,
// useful for local development without a collector running.
//
// The returned shutdown func flushes and closes the provider; callers
// should defer it.
func Init(ctx context.Context, enabled bool, otlpEndpoint string) (shutdown func(context.Context) error, err error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	if otlpEndpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter for %s: %w", otlpEndpoint, err)
		}
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan starts a span on antbs's tracer, the configured (possibly
// no-op, if Init was never called or enabled=false) global provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Timer logs how long a named step within a span took, the lightweight
// alternative to a child span for steps not worth their own trace entry.
type Timer struct {
	ctx   context.Context
	name  string
	start time.Time
}

// NewTimer starts timing name.
func NewTimer(ctx context.Context, name string) *Timer {
	return &Timer{ctx: ctx, name: name, start: time.Now()}
}

// Stop records the elapsed duration as a span event and a debug log line.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	trace.SpanFromContext(t.ctx).AddEvent(t.name, trace.WithAttributes(
		attribute.Int64(t.name+"_ms", elapsed.Milliseconds()),
	))
	clog.FromContext(t.ctx).Debugf("%s took %s", t.name, elapsed)
}
