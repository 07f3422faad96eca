// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package critic supplies replacement code units for failed or flagged
// attempts. The coordinator only depends on the Reviser interface.
package critic

import (
	"context"
	"sync"

	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
)

// RevisionRequest is what a reviser sees about one attempt.
type RevisionRequest struct {
	TaskID  string
	Attempt int

	// Unit is the code unit that produced Result.
	Unit datatypes.CodeUnit

	// Result is the attempt's record, failed or flagged.
	Result *datatypes.ExecutionResult

	// Blocking lists the linter flags that triggered the revision.
	// Empty when the attempt failed to execute.
	Blocking []datatypes.LinterFlag
}

// Reviser produces a replacement code unit.
//
// A nil unit with a nil error means no revision is offered, and the
// coordinator finalises the task.
type Reviser interface {
	Revise(ctx context.Context, req RevisionRequest) (*datatypes.CodeUnit, error)
}

// ReviserFunc adapts a function to Reviser.
type ReviserFunc func(ctx context.Context, req RevisionRequest) (*datatypes.CodeUnit, error)

// Revise calls f.
func (f ReviserFunc) Revise(ctx context.Context, req RevisionRequest) (*datatypes.CodeUnit, error) {
	return f(ctx, req)
}

// ScriptedReviser replays pre-supplied replacement units per task, in
// order. It never inspects the attempt.
//
// Thread Safety: Safe for concurrent use.
type ScriptedReviser struct {
	mu     sync.Mutex
	queues map[string][]datatypes.CodeUnit
	calls  []RevisionRequest
}

// NewScriptedReviser copies the given queues.
func NewScriptedReviser(queues map[string][]datatypes.CodeUnit) *ScriptedReviser {
	s := &ScriptedReviser{queues: make(map[string][]datatypes.CodeUnit, len(queues))}
	for task, units := range queues {
		s.queues[task] = append([]datatypes.CodeUnit(nil), units...)
	}
	return s
}

// Revise pops the next unit queued for the task.
func (s *ScriptedReviser) Revise(_ context.Context, req RevisionRequest) (*datatypes.CodeUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	queue := s.queues[req.TaskID]
	if len(queue) == 0 {
		return nil, nil
	}
	next := inherit(queue[0], req.Unit)
	s.queues[req.TaskID] = queue[1:]
	return &next, nil
}

// Calls returns the requests seen so far.
func (s *ScriptedReviser) Calls() []RevisionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RevisionRequest(nil), s.calls...)
}

// inherit fills the output contract of a replacement from the unit it
// replaces. The source always comes from the replacement.
func inherit(next, prev datatypes.CodeUnit) datatypes.CodeUnit {
	if next.Title == "" {
		next.Title = prev.Title
	}
	if len(next.ExpectedOutputs) == 0 {
		next.ExpectedOutputs = prev.ExpectedOutputs
	}
	if len(next.ManifestSchema) == 0 {
		next.ManifestSchema = prev.ManifestSchema
	}
	return next
}
