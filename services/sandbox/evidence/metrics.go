// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("autoeda.evidence")

var (
	fieldsExtracted metric.Int64Counter
	fieldsMissing   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		fieldsExtracted, err = meter.Int64Counter(
			"evidence_fields_extracted_total",
			metric.WithDescription("Manifest fields copied into evidence"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		fieldsMissing, err = meter.Int64Counter(
			"evidence_fields_missing_total",
			metric.WithDescription("Schema keys absent or mismatched, by reason"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordExtraction(extracted int, missing map[string]int) {
	if err := initMetrics(); err != nil {
		return
	}
	ctx := context.Background()
	fieldsExtracted.Add(ctx, int64(extracted))
	for code, n := range missing {
		fieldsMissing.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", code)))
	}
}
