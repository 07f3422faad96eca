// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linter

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
)

var meter = otel.Meter("autoeda.linter")

var (
	lintLatency metric.Float64Histogram
	lintTotal   metric.Int64Counter
	flagsRaised metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		lintLatency, err = meter.Float64Histogram(
			"linter_duration_seconds",
			metric.WithDescription("Duration of rule evaluation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		lintTotal, err = meter.Int64Counter(
			"linter_runs_total",
			metric.WithDescription("Total number of lint runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		flagsRaised, err = meter.Int64Counter(
			"linter_flags_total",
			metric.WithDescription("Flags raised, by rule"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordLint(ctx context.Context, flags []datatypes.LinterFlag, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	lintLatency.Record(ctx, d.Seconds())
	lintTotal.Add(ctx, 1)
	for _, f := range flags {
		flagsRaised.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", f.Rule)))
	}
}
