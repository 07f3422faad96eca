// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/autoeda/pkg/ux"
	"github.com/AleutianAI/autoeda/services/sandbox/coordinator"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
)

// outputJSON writes structured data as indented JSON.
func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// renderReports prints one status line per task plus details for
// failures, linter flags and missing evidence.
func renderReports(g *globals, reports []*coordinator.TaskReport) error {
	if g.jsonOut {
		return outputJSON(g.stdout, reports)
	}
	p := ux.NewPrinter(g.stdout)
	p.Title("autoeda run")
	for _, r := range reports {
		if r != nil {
			p.Info("run " + r.RunID)
			break
		}
	}

	accepted, failed := 0, 0
	for _, r := range reports {
		if r == nil {
			continue
		}
		res := r.Final
		icon := ux.IconSuccess
		switch {
		case !r.Accepted():
			icon = ux.IconError
			failed++
		case len(res.LinterFlags) > 0 || res.Error != nil:
			icon = ux.IconWarning
			accepted++
		default:
			accepted++
		}
		p.Status(icon, r.TaskID, string(r.Verdict), plural(len(r.Attempts), "attempt"), fmt.Sprintf("%dms", r.Duration.Milliseconds()))
		for _, line := range details(res) {
			p.Info(line)
		}
	}
	p.Summary(accepted, failed, len(reports))
	return nil
}

func details(res *datatypes.ExecutionResult) []string {
	if res == nil {
		return nil
	}
	var lines []string
	if res.Error != nil {
		msg, _, _ := strings.Cut(res.Error.Message, "\n")
		lines = append(lines, fmt.Sprintf("%s: %s", res.Error.Kind, msg))
	}
	for _, f := range res.LinterFlags {
		lines = append(lines, fmt.Sprintf("%s %s", f.Rule, f.Message))
	}
	if keys := res.Evidence.MissingKeys(); len(keys) > 0 {
		lines = append(lines, "missing evidence: "+strings.Join(keys, ", "))
	}
	if len(res.Artifacts) > 0 {
		lines = append(lines, "artifacts: "+strings.Join(res.Artifacts, ", "))
	}
	return lines
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
