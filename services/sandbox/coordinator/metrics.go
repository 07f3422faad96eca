// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
)

var (
	tracer = otel.Tracer("autoeda.coordinator")
	meter  = otel.Meter("autoeda.coordinator")
)

var (
	taskDuration metric.Float64Histogram
	tasksTotal   metric.Int64Counter
	attemptTotal metric.Int64Counter
	revisions    metric.Int64Counter
	transitions  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		taskDuration, err = meter.Float64Histogram(
			"coordinator_task_duration_seconds",
			metric.WithDescription("Duration of a task from Pending to Final"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		tasksTotal, err = meter.Int64Counter(
			"coordinator_tasks_total",
			metric.WithDescription("Finished tasks by verdict"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		attemptTotal, err = meter.Int64Counter(
			"coordinator_attempts_total",
			metric.WithDescription("Persisted attempts by failure kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		revisions, err = meter.Int64Counter(
			"coordinator_revisions_total",
			metric.WithDescription("Replacement units accepted from the reviser"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		transitions, err = meter.Int64Counter(
			"coordinator_state_transitions_total",
			metric.WithDescription("State machine transitions"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, runID, taskID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Coordinator.Run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("task.id", taskID),
		),
	)
}

func setRunSpanResult(span trace.Span, report *TaskReport, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("task.verdict", string(report.Verdict)),
		attribute.Int("task.attempts", len(report.Attempts)),
	)
	if !report.Accepted() {
		span.SetStatus(codes.Error, string(report.Final.FailureKind()))
	}
}

func recordTask(ctx context.Context, report *TaskReport) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("verdict", string(report.Verdict)))
	tasksTotal.Add(ctx, 1, attrs)
	taskDuration.Record(ctx, report.Duration.Seconds(), attrs)
}

func recordAttempt(ctx context.Context, r *datatypes.ExecutionResult) {
	if err := initMetrics(); err != nil {
		return
	}
	kind := string(r.FailureKind())
	if kind == "" {
		kind = "none"
	}
	attemptTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("exec_ok", r.ExecOK),
	))
}

func recordRevision(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	revisions.Add(ctx, 1)
}

func recordTransition(from, to State) {
	if err := initMetrics(); err != nil {
		return
	}
	transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}
