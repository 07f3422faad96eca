// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"errors"
	"time"

	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
)

// =============================================================================
// STATES
// =============================================================================

// State is a task's position in the state machine.
type State string

const (
	StatePending   State = "pending"
	StateValidated State = "validated"
	StateExecuted  State = "executed"
	StateLinted    State = "linted"
	StateRevised   State = "revised"
	StateFinal     State = "final"
)

// IsTerminal reports whether no further transition follows.
func (s State) IsTerminal() bool {
	return s == StateFinal
}

// Verdict is the outcome of a finished task.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictFailed   Verdict = "failed"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidTask is returned for task or run ids that cannot name a
	// directory or a log key, and for duplicate ids in one batch.
	ErrInvalidTask = errors.New("invalid task")

	// ErrMissingDependency is returned by New when a required
	// collaborator is nil.
	ErrMissingDependency = errors.New("coordinator dependency missing")

	// ErrOutputExists is returned when an attempt's output directory is
	// already on disk. Artifacts of earlier attempts are never replaced.
	ErrOutputExists = errors.New("attempt output directory already exists")
)

// =============================================================================
// TASKS & REPORTS
// =============================================================================

// Task is one planned analysis item.
type Task struct {
	// ID names the task in the log and the artifacts tree. An empty ID
	// is replaced by a random UUID.
	ID string

	Unit datatypes.CodeUnit

	// PlotTask marks tasks expected to produce a chart. Passed to the
	// linter.
	PlotTask bool

	// TaskKind is the planner's task type, e.g. "heatmap".
	TaskKind string
}

// Transition is one recorded state change.
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// TaskReport summarises a finished task.
type TaskReport struct {
	RunID   string  `json:"run_id"`
	TaskID  string  `json:"task_id"`
	Verdict Verdict `json:"verdict"`

	// Final is the result of the last attempt.
	Final *datatypes.ExecutionResult `json:"final"`

	// Attempts holds every attempt in order, Final included.
	Attempts []*datatypes.ExecutionResult `json:"attempts"`

	Transitions []Transition  `json:"transitions"`
	Duration    time.Duration `json:"duration"`
}

// Accepted reports whether the task ended in Final{accepted}.
func (r *TaskReport) Accepted() bool {
	return r != nil && r.Verdict == VerdictAccepted
}

// Path returns the sequence of states visited, starting at Pending.
func (r *TaskReport) Path() []State {
	if r == nil {
		return nil
	}
	path := []State{StatePending}
	for _, t := range r.Transitions {
		path = append(path, t.To)
	}
	return path
}
