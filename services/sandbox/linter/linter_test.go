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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/profile"
)

func ev(fields map[string]any) *datatypes.Evidence {
	return &datatypes.Evidence{Fields: fields}
}

func rules(flags []datatypes.LinterFlag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.Rule
	}
	return out
}

func skew(v float64) *float64 { return &v }

func TestLint_HighSkewWithoutLogScale(t *testing.T) {
	flags := Lint(Input{
		Evidence: ev(map[string]any{
			"title":          "Income distribution",
			"x_label":        "income",
			"skewness":       4.78,
			"n_rows_plotted": int64(1000),
		}),
		PlotTask: true,
	})
	require.Equal(t, []string{RuleHighSkewNoLog}, rules(flags))
	assert.Equal(t, datatypes.FlagWarning, flags[0].Level)
	assert.Contains(t, flags[0].Message, "4.78")
}

func TestLint_LogScaleSuppressesSkew(t *testing.T) {
	for _, fields := range []map[string]any{
		{"skewness": 4.78, "log_x": true},
		{"skewness": 4.78, "axis": map[string]any{"log_x": true}},
		{"skewness": -3.1, "xscale": "log"},
	} {
		assert.Empty(t, Lint(Input{Evidence: ev(fields)}), "%v", fields)
	}
}

func TestLint_NilEvidence(t *testing.T) {
	assert.Nil(t, Lint(Input{PlotTask: true}))
}

func TestLint_EachRule(t *testing.T) {
	meta := &profile.Metadata{Columns: map[string]profile.ColumnProfile{
		"city":   {Type: profile.Categorical, Cardinality: 40},
		"income": {Type: profile.Numeric, Skewness: skew(3.5)},
		"age":    {Type: profile.Numeric, Skewness: skew(0.2)},
	}}

	tests := []struct {
		name   string
		in     Input
		want   []string
		substr string
	}{
		{
			name:   "missing labels",
			in:     Input{Evidence: ev(map[string]any{"x_label": "age"}), PlotTask: true},
			want:   []string{RuleMissingLabels},
			substr: "no title",
		},
		{
			name: "labels not required for non-plot task",
			in:   Input{Evidence: ev(map[string]any{"mean": 3.2})},
			want: nil,
		},
		{
			name:   "high cardinality from profile",
			in:     Input{Evidence: ev(map[string]any{"columns_used": []any{"city"}}), Profile: meta},
			want:   []string{RuleHighCardinality},
			substr: "city has 40",
		},
		{
			name: "cardinality at threshold",
			in:   Input{Evidence: ev(map[string]any{"column": "city", "cardinality": int64(15)})},
			want: nil,
		},
		{
			name:   "skew from profile",
			in:     Input{Evidence: ev(map[string]any{"columns_used": []any{"age", "income"}}), Profile: meta},
			want:   []string{RuleHighSkewNoLog},
			substr: "income",
		},
		{
			name:   "many ticks",
			in:     Input{Evidence: ev(map[string]any{"axis": map[string]any{"x_ticks": int64(21)}})},
			want:   []string{RuleManyTicks},
			substr: "x=21",
		},
		{
			name:   "na drop fraction",
			in:     Input{Evidence: ev(map[string]any{"na_drop_fraction": 0.25})},
			want:   []string{RuleHighNADrop},
			substr: "25.0%",
		},
		{
			name:   "na drop from notes",
			in:     Input{Evidence: ev(map[string]any{"notes": "NA dropped: 23.5%"})},
			want:   []string{RuleHighNADrop},
			substr: "23.5%",
		},
		{
			name: "na drop at threshold",
			in:   Input{Evidence: ev(map[string]any{"notes": "NA dropped: 20%"})},
			want: nil,
		},
		{
			name:   "empty plot",
			in:     Input{Evidence: ev(map[string]any{"n_rows_plotted": int64(12)})},
			want:   []string{RuleEmptyPlot},
			substr: "12 rows",
		},
		{
			name: "row count at threshold",
			in:   Input{Evidence: ev(map[string]any{"n_rows_plotted": int64(50)})},
			want: nil,
		},
		{
			name:   "heatmap too wide",
			in:     Input{Evidence: ev(map[string]any{"n_features": int64(31)}), TaskKind: "correlation_heatmap"},
			want:   []string{RuleHeatmapTooWide},
			substr: "31 numeric features",
		},
		{
			name: "feature count ignored for non-matrix task",
			in:   Input{Evidence: ev(map[string]any{"n_features": int64(31)}), TaskKind: "histogram"},
			want: nil,
		},
		{
			name: "heatmap from chart type",
			in: Input{Evidence: ev(map[string]any{
				"chart_type": "heatmap", "title": "Correlations", "x_label": "feature", "columns_used": manyColumns(35),
			})},
			want:   []string{RuleHeatmapTooWide},
			substr: "35",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := Lint(tt.in)
			if tt.want == nil {
				assert.Empty(t, flags)
				return
			}
			require.Equal(t, tt.want, rules(flags))
			assert.Contains(t, flags[0].Message, tt.substr)
		})
	}
}

func TestLint_AllTriggeredInRegistrationOrder(t *testing.T) {
	flags := Lint(Input{
		Evidence: ev(map[string]any{
			"n_features":     int64(40),
			"n_rows_plotted": int64(3),
			"notes":          "NA dropped: 60%",
			"x_ticks":        int64(45),
			"skewness":       2.5,
			"cardinality":    int64(99),
		}),
		PlotTask: true,
		TaskKind: "heatmap",
	})
	assert.Equal(t, Rules(), rules(flags))
}

func TestLint_OneFlagPerRuleAcrossCharts(t *testing.T) {
	charts := []any{
		map[string]any{"title": "A", "axis": map[string]any{"x": "age", "x_ticks": int64(5)}, "n_rows_plotted": int64(10)},
		map[string]any{"axis": map[string]any{"x": "income"}, "n_rows_plotted": int64(5)},
	}
	flags := Lint(Input{Evidence: ev(map[string]any{"charts": charts})})
	require.Equal(t, []string{RuleMissingLabels, RuleEmptyPlot}, rules(flags))
	assert.True(t, strings.HasPrefix(flags[0].Message, "chart 1: "))
	assert.True(t, strings.HasPrefix(flags[1].Message, "chart 0: "))
}

func TestLint_ChartListWithGroupedEvidence(t *testing.T) {
	fields := map[string]any{
		"charts": []any{map[string]any{
			"title":          "Income",
			"columns_used":   []any{"income"},
			"axis":           map[string]any{"x": "income", "log_x": false},
			"n_rows_plotted": int64(900),
			"notes":          "NA dropped: 2.0%",
		}},
		"numeric": map[string]any{"income": map[string]any{"skew": 4.1}},
	}
	assert.Equal(t, []string{RuleHighSkewNoLog}, rules(Lint(Input{Evidence: ev(fields)})))
}

// TestLint_PerColumnStatsWithoutColumnsUsed verifies that mappings keyed
// by column name are read even when the chart never lists its columns.
func TestLint_PerColumnStatsWithoutColumnsUsed(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   []string
		substr string
	}{
		{
			name:   "skew mapping",
			fields: map[string]any{"skewness": map[string]any{"income": 4.78, "age": 0.2}},
			want:   []string{RuleHighSkewNoLog},
			substr: "column income has skewness 4.78",
		},
		{
			name:   "skew grouped",
			fields: map[string]any{"numeric": map[string]any{"income": map[string]any{"skew": 4.78, "mean": 51000.0}}},
			want:   []string{RuleHighSkewNoLog},
			substr: "column income",
		},
		{
			name:   "skew grouped and flattened",
			fields: map[string]any{"numeric.income.skew": 4.78, "numeric.income.mean": 51000.0},
			want:   []string{RuleHighSkewNoLog},
			substr: "column income",
		},
		{
			name:   "skew mapping flattened",
			fields: map[string]any{"skewness.income": -3.3},
			want:   []string{RuleHighSkewNoLog},
			substr: "column income has skewness -3.30",
		},
		{
			name:   "cardinality mapping",
			fields: map[string]any{"cardinality": map[string]any{"city": int64(40)}},
			want:   []string{RuleHighCardinality},
			substr: "column city has 40 distinct values",
		},
		{
			name:   "cardinality grouped",
			fields: map[string]any{"categorical": map[string]any{"city": map[string]any{"n_unique": int64(40)}}},
			want:   []string{RuleHighCardinality},
			substr: "column city",
		},
		{
			name:   "mapping under threshold",
			fields: map[string]any{"skewness": map[string]any{"income": 1.1}, "cardinality": map[string]any{"city": int64(4)}},
			want:   nil,
		},
		{
			name:   "log scale suppresses mapped skew",
			fields: map[string]any{"skewness": map[string]any{"income": 4.78}, "log_x": true},
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := Lint(Input{Evidence: ev(tt.fields)})
			if tt.want == nil {
				assert.Empty(t, flags)
				return
			}
			require.Equal(t, tt.want, rules(flags))
			assert.Contains(t, flags[0].Message, tt.substr)
		})
	}
}

func TestStatColumns_SortedAndDeduplicated(t *testing.T) {
	s := &scope{fields: map[string]any{
		"skewness":            map[string]any{"zeta": 1.0, "alpha": 2.0, "label": "n/a"},
		"numeric":             map[string]any{"alpha": map[string]any{"skew": 3.0}, "beta": map[string]any{"mean": 1.0}},
		"numeric.gamma.skew":  4.0,
		"numeric.delta.count": 9.0,
	}}
	assert.Equal(t, []string{"alpha", "gamma", "zeta"}, s.statColumns(skewKeys, "numeric", skewKeys))
}

func TestLint_FlatChartKeys(t *testing.T) {
	fields := map[string]any{
		"charts.0.title":          "Age",
		"charts.0.axis.x":         "age",
		"charts.0.n_rows_plotted": int64(20),
	}
	flags := Lint(Input{Evidence: ev(fields)})
	require.Equal(t, []string{RuleEmptyPlot}, rules(flags))
	assert.Equal(t, "chart 0: plot shows only 20 rows", flags[0].Message)
}

func TestLint_EvidenceOverridesProfile(t *testing.T) {
	meta := &profile.Metadata{Columns: map[string]profile.ColumnProfile{
		"income": {Type: profile.Numeric, Skewness: skew(5)},
	}}
	fields := map[string]any{"column": "income", "skewness": 0.4}
	assert.Empty(t, Lint(Input{Evidence: ev(fields), Profile: meta}))
}

func TestLint_Deterministic(t *testing.T) {
	in := Input{Evidence: ev(map[string]any{"skewness": 3.0, "n_rows_plotted": int64(2), "x_ticks": int64(30)}), PlotTask: true}
	first := Lint(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Lint(in))
	}
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{
		RuleMissingLabels, RuleHighCardinality, RuleHighSkewNoLog, RuleManyTicks,
		RuleHighNADrop, RuleEmptyPlot, RuleHeatmapTooWide,
	}, Rules())
	assert.True(t, Known(RuleEmptyPlot))
	assert.False(t, Known("NOT_A_RULE"))
}

func manyColumns(n int) []any {
	cols := make([]any, n)
	for i := range cols {
		cols[i] = "c" + strings.Repeat("x", i)
	}
	return cols
}
