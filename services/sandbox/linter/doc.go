// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package linter evaluates deterministic plot-quality rules over
// evidence and column profile metadata.
//
// The linter never sees plotted data or images. It reads the sanitized
// evidence produced for an attempt and, when evidence does not record a
// statistic itself, the profiling metadata of the columns the chart used.
//
// # Rules
//
// The registry is closed and ordered. Every triggered rule produces one
// flag, in this order:
//
//	| Rule             | Trigger                                                  |
//	|------------------|----------------------------------------------------------|
//	| MISSING_LABELS   | plot task without a title or x-axis label                |
//	| HIGH_CARDINALITY | categorical column used has more than 15 distinct values |
//	| HIGH_SKEW_NO_LOG | |skewness| > 2 on a column used and no log-scale flag      |
//	| MANY_TICKS       | recorded axis tick count above 20                        |
//	| HIGH_NA_DROP     | more than 20% of rows dropped for missing values         |
//	| EMPTY_PLOT       | fewer than 50 plotted rows                               |
//	| HEATMAP_TOO_WIDE | heatmap or correlation matrix over more than 30 features |
//
// # Evidence Shapes
//
// Each rule accepts a few alias keys. Flat keys ("x_ticks"), dotted keys
// ("axis.x_ticks") and nested mappings are equivalent. When evidence
// holds a "charts" list (or "charts.N.*" keys) every chart is evaluated
// and top-level keys act as defaults for each chart; the message names
// the first chart that triggered.
//
// # Usage
//
//	flags := linter.Lint(linter.Input{
//	    Evidence: ev,
//	    Profile:  meta,
//	    PlotTask: true,
//	})
package linter
