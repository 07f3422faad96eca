// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taskfile reads batches of code units handed over by the code
// generation stage.
//
// A task file is YAML or JSON:
//
//	dataset: data/titanic.csv
//	profile: data/titanic.profile.yaml
//	tasks:
//	  - id: fare-hist
//	    title: Fare distribution
//	    plot_task: true
//	    task_kind: histogram
//	    source_file: fare_hist.py
//	    manifest_schema:
//	      charts: list
//	    revisions:
//	      - source_file: fare_hist_log.py
//
// Relative paths resolve against the directory holding the task file.
// Revisions are replacement units replayed by the scripted reviser.
package taskfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
)

// ErrInvalidTaskFile wraps every decoding and validation failure.
var ErrInvalidTaskFile = errors.New("invalid task file")

// Unit is a code unit as written in a task file. Exactly one of Source
// and SourceFile is set.
type Unit struct {
	Title           string                   `json:"title,omitempty" yaml:"title,omitempty"`
	Source          string                   `json:"source,omitempty" yaml:"source,omitempty" validate:"required_without=SourceFile,excluded_with=SourceFile"`
	SourceFile      string                   `json:"source_file,omitempty" yaml:"source_file,omitempty"`
	ExpectedOutputs []string                 `json:"expected_output_paths,omitempty" yaml:"expected_output_paths,omitempty" validate:"dive,required"`
	ManifestSchema  datatypes.ManifestSchema `json:"manifest_schema,omitempty" yaml:"manifest_schema,omitempty"`
}

// Task is one analysis task.
type Task struct {
	ID        string `json:"id" yaml:"id" validate:"omitempty,max=128,excludesall=/"`
	Unit      `json:",inline" yaml:",inline"`
	PlotTask  bool   `json:"plot_task,omitempty" yaml:"plot_task,omitempty"`
	TaskKind  string `json:"task_kind,omitempty" yaml:"task_kind,omitempty"`
	Revisions []Unit `json:"revisions,omitempty" yaml:"revisions,omitempty" validate:"dive"`
}

// File is a decoded task file.
type File struct {
	Dataset string `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`
	Tasks   []Task `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Load reads, resolves and validates the task file at path.
//
// Description:
//
//	Decodes by extension (.json, otherwise YAML), rejects unknown keys,
//	reads every source_file into Source, makes Dataset and Profile
//	absolute and checks that task ids are unique and manifest schemas
//	use known field types.
//
// Outputs:
//
//	*File - Tasks with inline sources.
//	error - Wraps ErrInvalidTaskFile, or an I/O error.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	f, err := Parse(bytes.NewReader(data), format)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("task file path: %w", err)
	}
	if err := f.resolve(filepath.Dir(abs)); err != nil {
		return nil, err
	}
	return f, nil
}

// Parse decodes and validates a task file without touching the
// filesystem. Units that use source_file keep it unresolved.
func Parse(r io.Reader, format string) (*File, error) {
	var f File
	switch format {
	case "json":
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTaskFile, err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTaskFile, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidTaskFile, format)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks struct tags, id uniqueness and manifest schemas.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTaskFile, err)
	}
	seen := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.ID != "" {
			if seen[t.ID] {
				return fmt.Errorf("%w: duplicate task id %q", ErrInvalidTaskFile, t.ID)
			}
			seen[t.ID] = true
		}
		if err := t.ManifestSchema.Validate(); err != nil {
			return fmt.Errorf("%w: task %d: %v", ErrInvalidTaskFile, i, err)
		}
		for j, rev := range t.Revisions {
			if err := rev.ManifestSchema.Validate(); err != nil {
				return fmt.Errorf("%w: task %d revision %d: %v", ErrInvalidTaskFile, i, j, err)
			}
		}
	}
	return nil
}

func (f *File) resolve(dir string) error {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	f.Dataset = abs(f.Dataset)
	f.Profile = abs(f.Profile)

	for i := range f.Tasks {
		t := &f.Tasks[i]
		if err := t.Unit.load(abs); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		for j := range t.Revisions {
			if err := t.Revisions[j].load(abs); err != nil {
				return fmt.Errorf("task %d revision %d: %w", i, j, err)
			}
		}
	}
	return nil
}

func (u *Unit) load(abs func(string) string) error {
	if u.SourceFile == "" {
		return nil
	}
	data, err := os.ReadFile(abs(u.SourceFile))
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	u.Source = string(data)
	u.SourceFile = ""
	return nil
}

// CodeUnit converts u to the shared model.
func (u Unit) CodeUnit() datatypes.CodeUnit {
	return datatypes.CodeUnit{
		Title:           u.Title,
		Source:          u.Source,
		ExpectedOutputs: u.ExpectedOutputs,
		ManifestSchema:  u.ManifestSchema,
	}
}

// RevisionQueues returns the scripted revisions keyed by task id. Tasks
// without an id are skipped.
func (f *File) RevisionQueues() map[string][]datatypes.CodeUnit {
	queues := make(map[string][]datatypes.CodeUnit)
	for _, t := range f.Tasks {
		if t.ID == "" || len(t.Revisions) == 0 {
			continue
		}
		units := make([]datatypes.CodeUnit, len(t.Revisions))
		for i, rev := range t.Revisions {
			units[i] = rev.CodeUnit()
		}
		queues[t.ID] = units
	}
	return queues
}
