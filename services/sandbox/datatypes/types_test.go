// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestSchema_KeysSorted(t *testing.T) {
	s := ManifestSchema{"z": FieldNumber, "a.b": FieldString, "m": FieldList}
	assert.Equal(t, []string{"a.b", "m", "z"}, s.Keys())
}

func TestManifestSchema_Validate(t *testing.T) {
	require.NoError(t, ManifestSchema{"n": FieldNumber, "p": FieldPath, "b": FieldBool, "m": FieldMapping}.Validate())

	err := ManifestSchema{"n": "float"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"n"`)

	assert.Error(t, ManifestSchema{"": FieldNumber}.Validate())
}

func TestFailureKind_Retryable(t *testing.T) {
	assert.True(t, RuntimeFailure.Retryable())
	assert.True(t, TimeoutFailure.Retryable())
	assert.False(t, SecurityViolation.Retryable())
	assert.False(t, InternalFailure.Retryable())
	assert.False(t, ManifestValidationFailure.Retryable())
}

func TestNewFailedResult_HasNoManifestOrEvidence(t *testing.T) {
	unit := CodeUnit{Title: "hist", Source: "x = 1"}
	r := NewFailedResult("t1", 2, unit, &ExecError{Kind: TimeoutFailure, Message: "killed after 1s"})

	assert.False(t, r.ExecOK)
	assert.Nil(t, r.Manifest)
	assert.Nil(t, r.Evidence)
	assert.Equal(t, TimeoutFailure, r.FailureKind())
	assert.Equal(t, "hist", r.Title)
}

func TestExecError_Error(t *testing.T) {
	e := &ExecError{Kind: RuntimeFailure, Type: "ZeroDivisionError", Message: "division by zero"}
	assert.Equal(t, "RuntimeFailure: ZeroDivisionError: division by zero", e.Error())
	assert.Equal(t, "SecurityViolation: nope", (&ExecError{Kind: SecurityViolation, Message: "nope"}).Error())
}

func TestEvidence_Helpers(t *testing.T) {
	var nilEv *Evidence
	assert.Nil(t, nilEv.MissingKeys())
	assert.False(t, nilEv.Has("x"))

	ev := &Evidence{
		Fields:  map[string]any{"title": "Age"},
		Missing: []MissingField{{Key: "corr", Reason: "absent"}},
	}
	assert.True(t, ev.Has("title"))
	assert.Equal(t, []string{"corr"}, ev.MissingKeys())
}

func TestExecutionResult_FlagRules(t *testing.T) {
	r := &ExecutionResult{LinterFlags: []LinterFlag{{Rule: "MISSING_LABELS"}, {Rule: "EMPTY_PLOT"}}}
	assert.Equal(t, []string{"MISSING_LABELS", "EMPTY_PLOT"}, r.FlagRules())
	assert.Equal(t, FailureKind(""), r.FailureKind())
}
