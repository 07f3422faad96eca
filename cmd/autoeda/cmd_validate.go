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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/autoeda/pkg/ux"
	"github.com/AleutianAI/autoeda/services/sandbox/policy"
)

type validateResult struct {
	File       string             `json:"file"`
	OK         bool               `json:"ok"`
	Violations []policy.Violation `json:"violations,omitempty"`
	SyntaxErr  string             `json:"syntax_error,omitempty"`
}

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE.py...",
		Short: "Check Python sources against the execution policy without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			v := policy.NewValidator(cfg.Policy)

			results := make([]validateResult, 0, len(args))
			rejected := 0
			for _, path := range args {
				src, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				res := validateResult{File: path}
				violations, err := v.ValidateAll(cmd.Context(), string(src))
				var syntax *policy.SyntaxError
				switch {
				case errors.As(err, &syntax):
					res.SyntaxErr = syntax.Error()
				case err != nil:
					return fmt.Errorf("validate %s: %w", path, err)
				}
				res.Violations = violations
				res.OK = len(violations) == 0 && res.SyntaxErr == ""
				if !res.OK {
					rejected++
				}
				results = append(results, res)
			}

			if g.jsonOut {
				if err := outputJSON(g.stdout, results); err != nil {
					return err
				}
			} else {
				p := ux.NewPrinter(g.stdout)
				for _, r := range results {
					if r.OK {
						p.Status(ux.IconSuccess, r.File, "accepted")
						continue
					}
					p.Status(ux.IconError, r.File, "rejected")
					if r.SyntaxErr != "" {
						p.Info(r.SyntaxErr)
					}
					for _, vi := range r.Violations {
						p.Info(fmt.Sprintf("%d:%d %s %s", vi.Line, vi.Column, vi.Rule, vi.Reason))
					}
				}
			}
			if rejected > 0 {
				return &findingsError{count: rejected, what: "sources rejected"}
			}
			return nil
		},
	}
}
