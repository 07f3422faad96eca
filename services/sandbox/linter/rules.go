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
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/profile"
)

// Rule identifiers.
const (
	RuleMissingLabels   = "MISSING_LABELS"
	RuleHighCardinality = "HIGH_CARDINALITY"
	RuleHighSkewNoLog   = "HIGH_SKEW_NO_LOG"
	RuleManyTicks       = "MANY_TICKS"
	RuleHighNADrop      = "HIGH_NA_DROP"
	RuleEmptyPlot       = "EMPTY_PLOT"
	RuleHeatmapTooWide  = "HEATMAP_TOO_WIDE"
)

// Thresholds.
const (
	MaxCardinality     = 15
	MaxAbsSkew         = 2.0
	MaxTicks           = 20
	MaxNADropFraction  = 0.20
	MinRowsPlotted     = 50
	MaxHeatmapFeatures = 30
)

// Alias keys per statistic.
var (
	titleKeys     = []string{"title", "chart_title", "plot_title", "axis.title"}
	xLabelKeys    = []string{"x_label", "xlabel", "axis.x_label", "axis.xlabel", "axis.x"}
	logKeys       = []string{"log_scale", "log_x", "log_y", "log", "axis.log_x", "axis.log_y", "axis.log_scale", "xscale", "axis.xscale"}
	xTickKeys     = []string{"x_ticks", "axis.x_ticks", "n_xticks"}
	yTickKeys     = []string{"y_ticks", "axis.y_ticks", "n_yticks"}
	tickKeys      = []string{"ticks", "n_ticks", "tick_count"}
	naFracKeys    = []string{"na_drop_fraction", "na_dropped_fraction", "dropped_fraction", "na_fraction_dropped"}
	naPctKeys     = []string{"na_drop_pct", "na_dropped_pct", "na_drop_percent"}
	rowsKeys      = []string{"n_rows_plotted", "rows_plotted", "n_points", "n_rows"}
	skewKeys      = []string{"skewness", "skew"}
	cardKeys      = []string{"cardinality", "n_unique", "n_categories"}
	featureKeys   = []string{"n_features", "numeric_feature_count", "n_numeric_features", "n_numeric_columns"}
	chartTypeKeys = []string{"chart_type", "plot_type", "kind"}
	plotKeys      = []string{"saved_path", "chart_type", "plot_type", "figure_path"}
)

var naDroppedNote = regexp.MustCompile(`NA dropped:\s*(\d+(?:\.\d+)?)%`)

// Input is everything a rule may read.
type Input struct {
	// Evidence of a successful attempt. Nil evidence yields no flags.
	Evidence *datatypes.Evidence

	// Profile is column metadata from the profiling stage. Optional.
	Profile *profile.Metadata

	// PlotTask marks a task expected to produce a chart.
	PlotTask bool

	// TaskKind is the planner's task type ("histogram", "heatmap",
	// "correlation", ...). Optional.
	TaskKind string
}

type env struct {
	in     Input
	top    *scope
	charts []*scope
}

// each returns the scopes a per-chart rule evaluates.
func (e *env) each() []*scope {
	if len(e.charts) > 0 {
		return e.charts
	}
	return []*scope{e.top}
}

type rule struct {
	id    string
	level datatypes.FlagLevel
	check func(e *env) (string, bool)
}

// registry is the closed, ordered rule set.
var registry = []rule{
	{RuleMissingLabels, datatypes.FlagWarning, checkMissingLabels},
	{RuleHighCardinality, datatypes.FlagWarning, checkHighCardinality},
	{RuleHighSkewNoLog, datatypes.FlagWarning, checkHighSkewNoLog},
	{RuleManyTicks, datatypes.FlagWarning, checkManyTicks},
	{RuleHighNADrop, datatypes.FlagWarning, checkHighNADrop},
	{RuleEmptyPlot, datatypes.FlagWarning, checkEmptyPlot},
	{RuleHeatmapTooWide, datatypes.FlagWarning, checkHeatmapTooWide},
}

// Rules returns the rule ids in evaluation order.
func Rules() []string {
	ids := make([]string, len(registry))
	for i, r := range registry {
		ids[i] = r.id
	}
	return ids
}

// Known reports whether id names a registered rule.
func Known(id string) bool {
	for _, r := range registry {
		if r.id == id {
			return true
		}
	}
	return false
}

// =============================================================================
// Rules
// =============================================================================

func checkMissingLabels(e *env) (string, bool) {
	plot := e.in.PlotTask || len(e.charts) > 0
	if !plot {
		_, plot = e.top.get(plotKeys...)
	}
	if !plot {
		return "", false
	}
	for _, s := range e.each() {
		_, hasTitle := s.str(titleKeys...)
		_, hasX := s.str(xLabelKeys...)
		switch {
		case !hasTitle && !hasX:
			return s.prefix() + "plot has no title and no x-axis label", true
		case !hasTitle:
			return s.prefix() + "plot has no title", true
		case !hasX:
			return s.prefix() + "plot has no x-axis label", true
		}
	}
	return "", false
}

func checkHighCardinality(e *env) (string, bool) {
	fromProfile := func(p profile.ColumnProfile) (float64, bool) {
		return float64(p.Cardinality), p.Type == profile.Categorical
	}
	for _, s := range e.each() {
		for _, col := range targets(s, cardKeys, "categorical") {
			card, ok := e.stat(s, col, cardKeys, "categorical", fromProfile)
			if ok && card > MaxCardinality {
				return fmt.Sprintf("%s%s has %d distinct values, consider showing the top %d",
					s.prefix(), describeColumn(col), int(card), MaxCardinality), true
			}
		}
	}
	return "", false
}

func checkHighSkewNoLog(e *env) (string, bool) {
	fromProfile := func(p profile.ColumnProfile) (float64, bool) {
		if p.Type != profile.Numeric || p.Skewness == nil {
			return 0, false
		}
		return *p.Skewness, true
	}
	for _, s := range e.each() {
		if s.truthy(logKeys...) {
			continue
		}
		for _, col := range targets(s, skewKeys, "numeric") {
			skew, ok := e.stat(s, col, skewKeys, "numeric", fromProfile)
			if ok && math.Abs(skew) > MaxAbsSkew {
				return fmt.Sprintf("%s%s has skewness %.2f without a log scale",
					s.prefix(), describeColumn(col), skew), true
			}
		}
	}
	return "", false
}

// targets lists the columns a chart used. Without columns_used, the
// columns named by per-column statistics stand in; failing that, one
// unnamed target lets scalar statistics still apply.
func targets(s *scope, keys []string, group string) []string {
	if cols := s.columns(); len(cols) > 0 {
		return cols
	}
	if cols := s.statColumns(keys, group, keys); len(cols) > 0 {
		return cols
	}
	return []string{""}
}

// stat resolves a per-column statistic. Evidence wins over the profile:
// first a per-column mapping or grouped entry, then a scalar when the
// chart used at most one column, then the profile.
func (e *env) stat(s *scope, col string, keys []string, group string, fromProfile func(profile.ColumnProfile) (float64, bool)) (float64, bool) {
	if col != "" {
		if v, ok := s.columnStat(col, keys, group, keys); ok {
			return v, true
		}
	}
	if len(s.columns()) <= 1 {
		if v, ok := s.number(keys...); ok {
			return v, true
		}
	}
	if col == "" {
		return 0, false
	}
	p, found := e.in.Profile.Column(col)
	if !found {
		return 0, false
	}
	return fromProfile(p)
}

func checkManyTicks(e *env) (string, bool) {
	for _, s := range e.each() {
		x, _ := s.number(xTickKeys...)
		y, _ := s.number(yTickKeys...)
		n, _ := s.number(tickKeys...)
		if x > MaxTicks || y > MaxTicks || n > MaxTicks {
			return fmt.Sprintf("%saxis has too many ticks (x=%d, y=%d), consider thinning", s.prefix(), int(math.Max(x, n)), int(y)), true
		}
	}
	return "", false
}

func checkHighNADrop(e *env) (string, bool) {
	for _, s := range e.each() {
		frac, ok := naDropFraction(s)
		if ok && frac > MaxNADropFraction {
			return fmt.Sprintf("%s%.1f%% of rows were dropped for missing values", s.prefix(), frac*100), true
		}
	}
	return "", false
}

func naDropFraction(s *scope) (float64, bool) {
	if f, ok := s.number(naFracKeys...); ok {
		return f, true
	}
	if pct, ok := s.number(naPctKeys...); ok {
		return pct / 100, true
	}
	if notes, ok := s.str("notes", "note"); ok {
		if m := naDroppedNote.FindStringSubmatch(notes); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				return pct / 100, true
			}
		}
	}
	return 0, false
}

func checkEmptyPlot(e *env) (string, bool) {
	for _, s := range e.each() {
		if n, ok := s.number(rowsKeys...); ok && n < MinRowsPlotted {
			return fmt.Sprintf("%splot shows only %d rows", s.prefix(), int(n)), true
		}
	}
	return "", false
}

func checkHeatmapTooWide(e *env) (string, bool) {
	for _, s := range e.each() {
		if !isMatrixTask(e.in.TaskKind) {
			kind, _ := s.str(chartTypeKeys...)
			if !isMatrixTask(kind) {
				continue
			}
		}
		n, ok := s.number(featureKeys...)
		if !ok {
			if cols := s.columns(); len(cols) > 0 {
				n, ok = float64(len(cols)), true
			}
		}
		if !ok && e.in.Profile != nil {
			n, ok = float64(len(e.in.Profile.ColumnsOfType(profile.Numeric))), true
		}
		if ok && n > MaxHeatmapFeatures {
			return fmt.Sprintf("%smatrix plot covers %d numeric features, limit %d", s.prefix(), int(n), MaxHeatmapFeatures), true
		}
	}
	return "", false
}

func isMatrixTask(kind string) bool {
	k := strings.ToLower(kind)
	for _, word := range []string{"heatmap", "matrix", "corr", "pairplot"} {
		if strings.Contains(k, word) {
			return true
		}
	}
	return false
}

func describeColumn(col string) string {
	if col == "" {
		return "plotted column"
	}
	return "column " + col
}
