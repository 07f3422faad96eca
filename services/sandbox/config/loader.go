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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Load reads a YAML file and merges it over Default().
//
// Description:
//
//	An empty path returns the validated defaults. Unknown keys are
//	rejected so typos do not silently fall back to defaults. Relative
//	paths (artifacts root, storage path) are resolved against the
//	directory that holds the config file.
//
// Inputs:
//
//	path - YAML file path, or "".
//
// Outputs:
//
//	*Config - Validated configuration.
//	error - Wraps ErrInvalidConfig for validation problems.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.resolvePaths("."); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.resolvePaths(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML from r over Default() without validating or
// resolving paths.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	forbidden := make(map[string]bool, len(c.Policy.ForbiddenModules))
	for _, m := range c.Policy.ForbiddenModules {
		forbidden[m] = true
	}
	for _, m := range c.Policy.AllowedModules {
		if strings.Contains(m, ".") {
			return fmt.Errorf("%w: allowed module %q must be a top-level name", ErrInvalidConfig, m)
		}
		if forbidden[m] {
			return fmt.Errorf("%w: module %q is both allowed and forbidden", ErrInvalidConfig, m)
		}
	}
	if !filepath.IsAbs(c.Policy.ArtifactsRoot) {
		return fmt.Errorf("%w: artifacts root %q is not absolute", ErrInvalidConfig, c.Policy.ArtifactsRoot)
	}
	return nil
}

// resolvePaths makes relative filesystem paths absolute against base and
// expands a leading ~.
func (c *Config) resolvePaths(base string) error {
	resolve := func(p string) (string, error) {
		if p == "" {
			return "", nil
		}
		if strings.HasPrefix(p, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("expand %s: %w", p, err)
			}
			p = filepath.Join(home, p[1:])
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		return filepath.Abs(p)
	}

	var err error
	if c.Policy.ArtifactsRoot, err = resolve(c.Policy.ArtifactsRoot); err != nil {
		return err
	}
	if c.Storage.Path, err = resolve(c.Storage.Path); err != nil {
		return err
	}
	if c.Runtime.WorkDir, err = resolve(c.Runtime.WorkDir); err != nil {
		return err
	}
	if c.Critic.APIKeyFile, err = resolve(c.Critic.APIKeyFile); err != nil {
		return err
	}
	return nil
}

// IsBlocking reports whether a linter rule id triggers a revision.
func (c CoordinatorConfig) IsBlocking(rule string) bool {
	for _, r := range c.BlockingFlags {
		if r == rule {
			return true
		}
	}
	return false
}
