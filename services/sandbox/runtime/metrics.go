// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("autoeda.runtime")
	meter  = otel.Meter("autoeda.runtime")
)

var (
	execLatency metric.Float64Histogram
	execTotal   metric.Int64Counter
	truncations metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		execLatency, err = meter.Float64Histogram(
			"sandbox_execution_duration_seconds",
			metric.WithDescription("Wall-clock duration of sandboxed executions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		execTotal, err = meter.Int64Counter(
			"sandbox_executions_total",
			metric.WithDescription("Sandboxed executions by final status"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		truncations, err = meter.Int64Counter(
			"sandbox_output_truncations_total",
			metric.WithDescription("Executions whose stdout or stderr exceeded the capture limit"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startExecuteSpan(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Executor.Execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("task.attempt", attempt),
		),
	)
}

func setExecuteSpanResult(span trace.Span, o *Outcome) {
	span.SetAttributes(
		attribute.String("execution.status", string(o.Status)),
		attribute.Int("execution.exit_code", o.ExitCode),
		attribute.Int64("execution.duration_ms", o.Duration.Milliseconds()),
		attribute.Int("execution.artifacts", len(o.Artifacts)),
	)
	if o.Error != nil {
		span.SetStatus(codes.Error, string(o.Error.Kind))
	}
}

func recordExecution(ctx context.Context, o *Outcome) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(o.Status)))
	execLatency.Record(ctx, o.Duration.Seconds(), attrs)
	execTotal.Add(ctx, 1, attrs)
	if o.StdoutTruncated || o.StderrTruncated {
		truncations.Add(ctx, 1)
	}
}
