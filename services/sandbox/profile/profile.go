// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profile holds the per-column metadata produced by the
// profiling stage. The linter reads it when a manifest does not record a
// statistic itself.
package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidProfile is returned for metadata that fails validation.
var ErrInvalidProfile = errors.New("invalid profile metadata")

// ColumnType is the inferred kind of a column.
type ColumnType string

const (
	Numeric     ColumnType = "numeric"
	Categorical ColumnType = "categorical"
	Datetime    ColumnType = "datetime"
	Text        ColumnType = "text"
)

// ColumnProfile describes one column.
type ColumnProfile struct {
	Type            ColumnType `json:"type" yaml:"type" validate:"required,oneof=numeric categorical datetime text"`
	Cardinality     int        `json:"cardinality,omitempty" yaml:"cardinality,omitempty" validate:"gte=0"`
	Skewness        *float64   `json:"skewness,omitempty" yaml:"skewness,omitempty"`
	MissingFraction float64    `json:"missing_fraction,omitempty" yaml:"missing_fraction,omitempty" validate:"gte=0,lte=1"`
}

// Metadata is the profile of one dataset.
type Metadata struct {
	Rows    int                      `json:"rows,omitempty" yaml:"rows,omitempty" validate:"gte=0"`
	Columns map[string]ColumnProfile `json:"columns" yaml:"columns" validate:"dive"`
}

var validate = validator.New()

// Load reads metadata from a .json, .yaml or .yml file.
func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return Parse(bytes.NewReader(data), format)
}

// Parse decodes metadata in the given format ("json", "yaml" or "yml")
// and validates it.
func Parse(r io.Reader, format string) (*Metadata, error) {
	var m Metadata
	switch format {
	case "json":
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidProfile, format)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return &m, nil
}

// Column returns the profile of name. A nil Metadata has no columns.
func (m *Metadata) Column(name string) (ColumnProfile, bool) {
	if m == nil {
		return ColumnProfile{}, false
	}
	c, ok := m.Columns[name]
	return c, ok
}

// ColumnsOfType returns the names of columns of type t, sorted.
func (m *Metadata) ColumnsOfType(t ColumnType) []string {
	if m == nil {
		return nil
	}
	var names []string
	for name, c := range m.Columns {
		if c.Type == t {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
