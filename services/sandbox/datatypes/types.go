// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the records exchanged between the sandbox
// components: code units, manifests, evidence, linter flags and
// execution results.
package datatypes

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// Code Units
// =============================================================================

// FieldType is the declared type of a manifest field.
type FieldType string

const (
	FieldNumber  FieldType = "number"
	FieldString  FieldType = "string"
	FieldPath    FieldType = "path"
	FieldList    FieldType = "list"
	FieldBool    FieldType = "bool"
	FieldMapping FieldType = "mapping"
)

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldNumber, FieldString, FieldPath, FieldList, FieldBool, FieldMapping:
		return true
	}
	return false
}

// ManifestSchema maps a manifest key to its expected type. Keys may be
// dotted paths ("axis.x_ticks") addressing nested objects.
type ManifestSchema map[string]FieldType

// Keys returns the schema keys in sorted order.
func (s ManifestSchema) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every declared type is known.
func (s ManifestSchema) Validate() error {
	for _, k := range s.Keys() {
		if k == "" {
			return fmt.Errorf("manifest schema: empty key")
		}
		if !s[k].Valid() {
			return fmt.Errorf("manifest schema: key %q has unknown type %q", k, s[k])
		}
	}
	return nil
}

// CodeUnit is one generated analysis program plus its output contract.
// A CodeUnit is never mutated after submission; revisions produce a new one.
type CodeUnit struct {
	Title           string         `json:"title" yaml:"title"`
	Source          string         `json:"source" yaml:"source" validate:"required"`
	ExpectedOutputs []string       `json:"expected_output_paths,omitempty" yaml:"expected_output_paths,omitempty"`
	ManifestSchema  ManifestSchema `json:"manifest_schema,omitempty" yaml:"manifest_schema,omitempty"`
}

// Manifest is the raw JSON object deposited by executed code.
type Manifest map[string]any

// =============================================================================
// Evidence
// =============================================================================

// MissingField records a schema key that was absent or failed validation.
type MissingField struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Evidence is the sanitized, schema-validated subset of a manifest.
//
// Fields holds only primitives, strings and lists/mappings of those.
// Missing is sorted by key.
type Evidence struct {
	Fields  map[string]any `json:"fields"`
	Missing []MissingField `json:"missing,omitempty"`
}

// MissingKeys returns the keys listed in Missing.
func (e *Evidence) MissingKeys() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		keys[i] = m.Key
	}
	return keys
}

// Has reports whether key was extracted.
func (e *Evidence) Has(key string) bool {
	if e == nil {
		return false
	}
	_, ok := e.Fields[key]
	return ok
}

// =============================================================================
// Linter Flags
// =============================================================================

// FlagLevel is the severity of a linter flag.
type FlagLevel string

const (
	FlagWarning FlagLevel = "warning"
	FlagInfo    FlagLevel = "info"
)

// LinterFlag is one triggered quality rule.
type LinterFlag struct {
	Rule    string    `json:"rule"`
	Level   FlagLevel `json:"level"`
	Message string    `json:"message"`
}

// =============================================================================
// Failures
// =============================================================================

// FailureKind classifies why an attempt did not produce usable output.
type FailureKind string

const (
	// SecurityViolation: the policy was violated statically or at run time.
	SecurityViolation FailureKind = "SecurityViolation"

	// RuntimeFailure: the code raised, crashed or was not parseable.
	RuntimeFailure FailureKind = "RuntimeFailure"

	// TimeoutFailure: the wall-clock limit elapsed and the run was killed.
	TimeoutFailure FailureKind = "TimeoutFailure"

	// ManifestValidationFailure: the run succeeded but the manifest was
	// absent or malformed. Non-fatal.
	ManifestValidationFailure FailureKind = "ManifestValidationFailure"

	// InternalFailure: the sandbox itself could not run the attempt.
	InternalFailure FailureKind = "InternalFailure"
)

// Retryable reports whether a revised code unit may fix this kind.
func (k FailureKind) Retryable() bool {
	return k == RuntimeFailure || k == TimeoutFailure
}

// ExecError describes a failed attempt.
type ExecError struct {
	Kind    FailureKind `json:"kind"`
	Type    string      `json:"type,omitempty"`
	Message string      `json:"message"`
}

// Error implements the error interface so an ExecError can be wrapped.
func (e *ExecError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// =============================================================================
// Execution Results
// =============================================================================

// ExecutionResult is the immutable record of one attempt.
//
// When ExecOK is false, Manifest and Evidence are nil. Use the
// constructors to keep that invariant. RunID groups the attempts of one
// coordinator invocation; (RunID, TaskID, Attempt) is unique in the log.
type ExecutionResult struct {
	RunID           string         `json:"run_id"`
	TaskID          string         `json:"task_id"`
	Attempt         int            `json:"attempt"`
	Title           string         `json:"title,omitempty"`
	ExecOK          bool           `json:"exec_ok"`
	Stdout          string         `json:"stdout"`
	Stderr          string         `json:"stderr,omitempty"`
	StdoutTruncated bool           `json:"stdout_truncated,omitempty"`
	StderrTruncated bool           `json:"stderr_truncated,omitempty"`
	Error           *ExecError     `json:"error,omitempty"`
	Manifest        Manifest       `json:"manifest,omitempty"`
	Evidence        *Evidence      `json:"evidence,omitempty"`
	LinterFlags     []LinterFlag   `json:"linter_flags,omitempty"`
	Artifacts       []string       `json:"artifacts,omitempty"`
	DatasetDigest   string         `json:"dataset_digest,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	DurationMs      int64          `json:"duration_ms"`
	Source          string         `json:"source,omitempty"`
	Schema          ManifestSchema `json:"manifest_schema,omitempty"`
}

// NewFailedResult builds a result for an attempt that did not execute
// successfully. Manifest and evidence are left nil.
func NewFailedResult(taskID string, attempt int, unit CodeUnit, err *ExecError) *ExecutionResult {
	return &ExecutionResult{
		TaskID:  taskID,
		Attempt: attempt,
		Title:   unit.Title,
		ExecOK:  false,
		Error:   err,
		Source:  unit.Source,
		Schema:  unit.ManifestSchema,
	}
}

// NewSucceededResult builds a result for an attempt that ran to completion.
func NewSucceededResult(taskID string, attempt int, unit CodeUnit, manifest Manifest, evidence *Evidence) *ExecutionResult {
	return &ExecutionResult{
		TaskID:   taskID,
		Attempt:  attempt,
		Title:    unit.Title,
		ExecOK:   true,
		Manifest: manifest,
		Evidence: evidence,
		Source:   unit.Source,
		Schema:   unit.ManifestSchema,
	}
}

// FailureKind returns the error kind or "" when there is none.
func (r *ExecutionResult) FailureKind() FailureKind {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Kind
}

// FlagRules returns the rule ids of the linter flags in order.
func (r *ExecutionResult) FlagRules() []string {
	rules := make([]string, len(r.LinterFlags))
	for i, f := range r.LinterFlags {
		rules[i] = f.Rule
	}
	return rules
}
