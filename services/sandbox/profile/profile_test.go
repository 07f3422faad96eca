// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
rows: 1200
columns:
  income:
    type: numeric
    skewness: 4.78
    missing_fraction: 0.02
  age:
    type: numeric
    skewness: 0.3
  city:
    type: categorical
    cardinality: 42
`

func TestParse_YAML(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleYAML), "yaml")
	require.NoError(t, err)
	assert.Equal(t, 1200, m.Rows)

	income, ok := m.Column("income")
	require.True(t, ok)
	require.NotNil(t, income.Skewness)
	assert.InDelta(t, 4.78, *income.Skewness, 1e-9)
	assert.Equal(t, []string{"age", "income"}, m.ColumnsOfType(Numeric))
	assert.Equal(t, []string{"city"}, m.ColumnsOfType(Categorical))
}

func TestParse_JSON(t *testing.T) {
	m, err := Parse(strings.NewReader(`{"columns":{"city":{"type":"categorical","cardinality":3}}}`), "json")
	require.NoError(t, err)
	c, ok := m.Column("city")
	require.True(t, ok)
	assert.Equal(t, 3, c.Cardinality)
	assert.Nil(t, c.Skewness)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name, format, body string
	}{
		{"bad type", "yaml", "columns:\n  a:\n    type: blob\n"},
		{"missing type", "yaml", "columns:\n  a:\n    cardinality: 3\n"},
		{"fraction out of range", "json", `{"columns":{"a":{"type":"numeric","missing_fraction":1.5}}}`},
		{"unknown field", "json", `{"columns":{},"extra":1}`},
		{"unknown format", "toml", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body), tt.format)
			assert.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestLoad_ByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))
	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Columns, 3)
}

func TestNilMetadata(t *testing.T) {
	var m *Metadata
	_, ok := m.Column("x")
	assert.False(t, ok)
	assert.Nil(t, m.ColumnsOfType(Numeric))
}
