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
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/autoeda/services/sandbox/evidence"
)

// scope is one place a chart's statistics can be recorded: either the
// top-level evidence or one entry of a charts list. Lookups that miss in
// a chart fall back to the top level.
type scope struct {
	label  string
	fields map[string]any
	parent *scope
}

// get returns the first alias found, verbatim or as a dotted path.
func (s *scope) get(aliases ...string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		for _, a := range aliases {
			if v, ok := lookupPath(cur.fields, a); ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func (s *scope) number(aliases ...string) (float64, bool) {
	v, ok := s.get(aliases...)
	if !ok {
		return 0, false
	}
	return evidence.Number(v)
}

func (s *scope) str(aliases ...string) (string, bool) {
	v, ok := s.get(aliases...)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok && strings.TrimSpace(str) != ""
}

// truthy reports whether any alias is true (or a non-zero number).
func (s *scope) truthy(aliases ...string) bool {
	for _, a := range aliases {
		v, ok := s.get(a)
		if !ok {
			continue
		}
		switch b := v.(type) {
		case bool:
			if b {
				return true
			}
		case string:
			if strings.EqualFold(b, "log") || strings.EqualFold(b, "true") {
				return true
			}
		default:
			if n, ok := evidence.Number(v); ok && n != 0 {
				return true
			}
		}
	}
	return false
}

// columns returns the column names a chart used.
func (s *scope) columns() []string {
	v, ok := s.get("columns_used", "columns", "column")
	if !ok {
		return nil
	}
	switch c := v.(type) {
	case string:
		return []string{c}
	case []any:
		out := make([]string, 0, len(c))
		for _, item := range c {
			if name, ok := item.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// columnStat finds a per-column statistic recorded either as a mapping
// keyed by column ("skewness": {"income": 4.1}) or in the grouped shape
// ("numeric": {"income": {"skew": 4.1}}). Both may also arrive flattened
// ("skewness.income", "numeric.income.skew").
func (s *scope) columnStat(col string, mappings []string, group string, groupKeys []string) (float64, bool) {
	for _, m := range mappings {
		v, ok := s.get(m)
		if !ok {
			continue
		}
		if byCol, ok := v.(map[string]any); ok {
			if n, ok := evidence.Number(byCol[col]); ok {
				return n, true
			}
		}
	}
	for _, m := range mappings {
		if v, ok := s.get(m + "." + col); ok {
			if n, ok := evidence.Number(v); ok {
				return n, true
			}
		}
	}
	for _, k := range groupKeys {
		if v, ok := s.get(group + "." + col + "." + k); ok {
			if n, ok := evidence.Number(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// statColumns lists the columns that carry a per-column statistic in any
// of the shapes columnStat reads, sorted. It names the targets of a chart
// that recorded no columns_used.
func (s *scope) statColumns(mappings []string, group string, groupKeys []string) []string {
	seen := map[string]bool{}
	add := func(col string) {
		if col != "" {
			seen[col] = true
		}
	}
	for cur := s; cur != nil; cur = cur.parent {
		for _, m := range mappings {
			if byCol, ok := cur.fields[m].(map[string]any); ok {
				for col, v := range byCol {
					if _, ok := evidence.Number(v); ok {
						add(col)
					}
				}
			}
		}
		if byCol, ok := cur.fields[group].(map[string]any); ok {
			for col, v := range byCol {
				stats, ok := v.(map[string]any)
				if !ok {
					continue
				}
				for _, k := range groupKeys {
					if _, ok := evidence.Number(stats[k]); ok {
						add(col)
						break
					}
				}
			}
		}
		for key, v := range cur.fields {
			if _, ok := evidence.Number(v); !ok {
				continue
			}
			for _, m := range mappings {
				if col, ok := strings.CutPrefix(key, m+"."); ok {
					add(col)
				}
			}
			rest, ok := strings.CutPrefix(key, group+".")
			if !ok {
				continue
			}
			if i := strings.LastIndexByte(rest, '.'); i > 0 && slices.Contains(groupKeys, rest[i+1:]) {
				add(rest[:i])
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func (s *scope) prefix() string {
	if s.label == "" {
		return ""
	}
	return s.label + ": "
}

// lookupPath resolves key verbatim, then as a dotted path through
// mappings and list indices.
func lookupPath(fields map[string]any, key string) (any, bool) {
	if v, ok := fields[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	var cur any = fields
	for _, seg := range strings.Split(key, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

var chartKey = regexp.MustCompile(`^charts\.(\d+)\.(.+)$`)

// scopes returns the chart scopes of fields, or the top-level scope
// alone when no charts are recorded.
func scopes(fields map[string]any) (top *scope, charts []*scope) {
	top = &scope{fields: fields}

	if list, ok := fields["charts"].([]any); ok {
		for i, item := range list {
			if m, ok := item.(map[string]any); ok {
				charts = append(charts, &scope{label: fmt.Sprintf("chart %d", i), fields: m, parent: top})
			}
		}
	}
	if len(charts) > 0 {
		return top, charts
	}

	byIndex := map[int]map[string]any{}
	for k, v := range fields {
		m := chartKey.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		i, _ := strconv.Atoi(m[1])
		if byIndex[i] == nil {
			byIndex[i] = map[string]any{}
		}
		byIndex[i][m[2]] = v
	}
	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		charts = append(charts, &scope{label: fmt.Sprintf("chart %d", i), fields: byIndex[i], parent: top})
	}
	return top, charts
}
