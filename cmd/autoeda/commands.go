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
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/autoeda/pkg/logging"
	"github.com/AleutianAI/autoeda/services/sandbox/config"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
	jsonOut    bool

	stdout io.Writer
	stderr io.Writer
}

// loadConfig reads the config file and applies flag overrides.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Console logs go to stderr so
// stdout stays machine readable.
func (g *globals) newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "autoeda",
		JSON:    cfg.JSON,
		Writer:  g.stderr,
	}), nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "autoeda",
		Short: "Sandboxed execution and validation of generated analysis code",
		Long: `autoeda validates generated Python analysis code against an execution
policy, runs it in a supervised sandbox against a dataset, extracts the
declared manifest fields as evidence and lints the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file (defaults when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "write JSON to stdout")

	root.AddCommand(
		newRunCmd(g),
		newValidateCmd(g),
		newLogCmd(g),
		newConfigCmd(g),
	)
	return root
}
