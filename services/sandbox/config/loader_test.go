// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoeda.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"pandas", "numpy", "matplotlib", "scipy"}, cfg.Policy.AllowedModules)
	assert.True(t, filepath.IsAbs(cfg.Policy.ArtifactsRoot))
	assert.Equal(t, 2, cfg.Coordinator.MaxRetries)
	assert.True(t, cfg.Storage.InMemory)
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
policy:
  artifacts_root: out
  timeout: 5s
coordinator:
  max_retries: 4
  blocking_flags: [MISSING_LABELS]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "out"), cfg.Policy.ArtifactsRoot)
	assert.Equal(t, 5*time.Second, cfg.Policy.Timeout)
	assert.Equal(t, 4, cfg.Coordinator.MaxRetries)
	assert.Equal(t, []string{"MISSING_LABELS"}, cfg.Coordinator.BlockingFlags)
	// untouched sections keep defaults
	assert.Equal(t, "python3", cfg.Runtime.Interpreter)
	assert.Equal(t, 1024, cfg.Policy.MemoryCeilingMB)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "policy:\n  timout: 5s\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		substr string
	}{
		{"zero timeout", func(c *Config) { c.Policy.Timeout = 0 }, "Timeout"},
		{"tiny memory", func(c *Config) { c.Policy.MemoryCeilingMB = 8 }, "MemoryCeilingMB"},
		{"no allowed modules", func(c *Config) { c.Policy.AllowedModules = nil }, "AllowedModules"},
		{"allowed and forbidden", func(c *Config) { c.Policy.ForbiddenModules = append(c.Policy.ForbiddenModules, "numpy") }, "both allowed and forbidden"},
		{"dotted allowed", func(c *Config) { c.Policy.AllowedModules = []string{"scipy.stats"} }, "top-level"},
		{"relative root", func(c *Config) { c.Policy.ArtifactsRoot = "rel" }, "not absolute"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"persistent store without path", func(c *Config) { c.Storage.InMemory = false; c.Storage.Path = "" }, "Path"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, "OTLPEndpoint"},
		{"zero concurrency", func(c *Config) { c.Coordinator.MaxConcurrency = 0 }, "MaxConcurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Policy.ArtifactsRoot = "/tmp/artifacts"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default().Runtime, cfg.Runtime)
}

func TestMarshal_RoundTripsThroughParse(t *testing.T) {
	cfg := Default()
	data, err := cfg.Marshal()
	require.NoError(t, err)

	back, err := Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg.Policy.ForbiddenCalls, back.Policy.ForbiddenCalls)
	assert.Equal(t, cfg.Policy.Timeout, back.Policy.Timeout)
}

func TestCoordinatorConfig_IsBlocking(t *testing.T) {
	c := Default().Coordinator
	assert.True(t, c.IsBlocking("HIGH_SKEW_NO_LOG"))
	assert.False(t, c.IsBlocking("MANY_TICKS"))
}
