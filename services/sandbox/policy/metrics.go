// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("autoeda.policy")
	meter  = otel.Meter("autoeda.policy")
)

var (
	validateLatency metric.Float64Histogram
	rejections      metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		validateLatency, err = meter.Float64Histogram(
			"policy_validate_duration_seconds",
			metric.WithDescription("Duration of static policy validation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		rejections, err = meter.Int64Counter(
			"policy_rejections_total",
			metric.WithDescription("Policy violations found, by rule"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startValidateSpan(ctx context.Context, sourceBytes int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Validator.Validate",
		trace.WithAttributes(attribute.Int("policy.source_bytes", sourceBytes)),
	)
}

func setValidateSpanResult(span trace.Span, violations int, syntaxError bool) {
	span.SetAttributes(
		attribute.Int("policy.violations", violations),
		attribute.Bool("policy.syntax_error", syntaxError),
	)
}

func recordValidation(ctx context.Context, violations []Violation, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	validateLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.Bool("accepted", len(violations) == 0),
	))
	for _, v := range violations {
		rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", string(v.Rule))))
	}
}
