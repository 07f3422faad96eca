// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact masks credentials and personal data in text that is
// about to leave the process, such as captured stdout forwarded to the
// critic model.
//
// Patterns are embedded from patterns.yaml and grouped into prioritised
// classifications ("secret", "pii").
package redact

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var embeddedPatterns []byte

// Public is the classification of text that matches no pattern.
const Public = "public"

// Engine holds compiled classifications.
//
// Thread Safety: Safe for concurrent use after construction.
type Engine struct {
	classifications []Classification
}

// New builds an engine from the embedded patterns.
func New() (*Engine, error) {
	return Parse(embeddedPatterns)
}

// Parse builds an engine from a YAML pattern document.
func Parse(data []byte) (*Engine, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse patterns: %w", err)
	}
	if err := f.compile(); err != nil {
		return nil, err
	}
	f.sortByPriority()
	return &Engine{classifications: f.Classifications}, nil
}

// Classify returns the name of the highest priority classification that
// matches data, or Public.
func (e *Engine) Classify(data []byte) string {
	for _, c := range e.classifications {
		for _, p := range c.Patterns {
			if p.re.Match(data) {
				return c.Name
			}
		}
	}
	return Public
}

// Scan reports every pattern match per line. Matched text is not
// included so findings can be logged safely.
func (e *Engine) Scan(content string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(content, "\n") {
		for _, c := range e.classifications {
			for _, p := range c.Patterns {
				if p.re.MatchString(line) {
					findings = append(findings, Finding{
						Line:           i + 1,
						Classification: c.Name,
						PatternID:      p.ID,
						Confidence:     p.Confidence,
					})
				}
			}
		}
	}
	return findings
}

// Redact replaces every match with "[REDACTED:<classification>]".
//
// Outputs:
//
//	string - The masked text.
//	int - Number of replacements.
func (e *Engine) Redact(s string) (string, int) {
	if e == nil || s == "" {
		return s, 0
	}
	total := 0
	for _, c := range e.classifications {
		mask := "[REDACTED:" + c.Name + "]"
		for _, p := range c.Patterns {
			n := len(p.re.FindAllStringIndex(s, -1))
			if n == 0 {
				continue
			}
			total += n
			s = p.re.ReplaceAllLiteralString(s, mask)
		}
	}
	return s, total
}
