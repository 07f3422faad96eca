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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/autoeda/pkg/logging"
	"github.com/AleutianAI/autoeda/services/sandbox/config"
	"github.com/AleutianAI/autoeda/services/sandbox/critic"
	"github.com/AleutianAI/autoeda/services/sandbox/dataset"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/evidence"
	"github.com/AleutianAI/autoeda/services/sandbox/linter"
	"github.com/AleutianAI/autoeda/services/sandbox/policy"
	"github.com/AleutianAI/autoeda/services/sandbox/profile"
	"github.com/AleutianAI/autoeda/services/sandbox/runtime"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Executor runs one attempt. Implemented by *runtime.Executor.
type Executor interface {
	Root() string
	Execute(ctx context.Context, req runtime.Request) (*runtime.Outcome, error)
}

// ResultLog persists attempts. Implemented by *execlog.Store.
type ResultLog interface {
	Append(ctx context.Context, r *datatypes.ExecutionResult) error
}

// Options wires a Coordinator.
type Options struct {
	Config   config.CoordinatorConfig
	Evidence config.EvidenceConfig

	Validator *policy.Validator
	Executor  Executor
	Log       ResultLog
	Dataset   *dataset.Snapshot

	// Reviser supplies replacement units. Nil disables revisions.
	Reviser critic.Reviser

	// Profile is column metadata for the linter. Optional.
	Profile *profile.Metadata

	// RunID pins the run id of every Run and RunAll call. Empty assigns
	// a fresh time-ordered UUID per call, so re-running a task never
	// collides with earlier attempts in a persistent log.
	RunID string

	Logger *logging.Logger
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator runs tasks against one dataset under one policy.
//
// Thread Safety: Run and RunAll are safe for concurrent use. Per-task
// state lives in a taskRun owned by a single goroutine.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	evidence  config.EvidenceConfig
	validator *policy.Validator
	executor  Executor
	log       ResultLog
	dataset   *dataset.Snapshot
	reviser   critic.Reviser
	profile   *profile.Metadata
	runID     string
	logger    *logging.Logger
}

// New checks the required collaborators and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Validator == nil:
		return nil, fmt.Errorf("%w: validator", ErrMissingDependency)
	case opts.Executor == nil:
		return nil, fmt.Errorf("%w: executor", ErrMissingDependency)
	case opts.Log == nil:
		return nil, fmt.Errorf("%w: result log", ErrMissingDependency)
	case opts.Dataset == nil:
		return nil, fmt.Errorf("%w: dataset", ErrMissingDependency)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Config.MaxConcurrency < 1 {
		opts.Config.MaxConcurrency = 1
	}
	if opts.RunID != "" {
		if err := checkPathSegment("run", opts.RunID); err != nil {
			return nil, err
		}
	}
	return &Coordinator{
		cfg:       opts.Config,
		evidence:  opts.Evidence,
		validator: opts.Validator,
		executor:  opts.Executor,
		log:       opts.Log,
		dataset:   opts.Dataset,
		reviser:   opts.Reviser,
		profile:   opts.Profile,
		runID:     opts.RunID,
		logger:    opts.Logger,
	}, nil
}

// taskRun is the working state of one task.
type taskRun struct {
	runID    string
	task     Task
	unit     datatypes.CodeUnit
	state    State
	attempt  int
	outDir   string
	outcome  *runtime.Outcome
	result   *datatypes.ExecutionResult
	report   *TaskReport
	logger   *logging.Logger
	verdict  Verdict
	started  time.Time
	blocking []datatypes.LinterFlag
}

// Run drives one task to Final.
//
// Description:
//
//	Steps the state machine until it is terminal. Failures of the code
//	under test are data in the report. An empty task id is replaced by
//	a UUID. Each call is its own run unless Options.RunID is set.
//
// Inputs:
//
//	ctx - Cancelling ctx kills a running attempt and aborts the task.
//	task - The task. Its unit is never modified.
//
// Outputs:
//
//	*TaskReport - Every attempt and transition.
//	error - ErrInvalidTask, ErrOutputExists, a log append failure, or
//	        ctx.Err().
func (c *Coordinator) Run(ctx context.Context, task Task) (*TaskReport, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := checkPathSegment("task", task.ID); err != nil {
		return nil, err
	}
	return c.run(ctx, c.newRunID(), task)
}

// newRunID returns the pinned run id or a fresh UUIDv7. Version 7 ids
// sort by creation time, so key order in the log is run order.
func (c *Coordinator) newRunID() string {
	if c.runID != "" {
		return c.runID
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *Coordinator) run(ctx context.Context, runID string, task Task) (*TaskReport, error) {
	ctx, span := startRunSpan(ctx, runID, task.ID)
	defer span.End()

	r := &taskRun{
		runID:   runID,
		task:    task,
		unit:    task.Unit,
		state:   StatePending,
		report:  &TaskReport{RunID: runID, TaskID: task.ID},
		logger:  c.logger.With("run_id", runID, "task_id", task.ID),
		started: time.Now(),
	}
	r.logger.Info("task started", "title", task.Unit.Title)

	for !r.state.IsTerminal() {
		if err := c.step(ctx, r); err != nil {
			r.logger.Error("task aborted", "state", string(r.state), "attempt", r.attempt, "error", err.Error())
			setRunSpanResult(span, r.report, err)
			return nil, err
		}
	}

	r.report.Verdict = r.verdict
	r.report.Final = r.result
	r.report.Duration = time.Since(r.started)

	setRunSpanResult(span, r.report, nil)
	recordTask(ctx, r.report)
	r.logger.Info("task finished",
		"verdict", string(r.verdict),
		"attempts", r.attempt,
		"duration", r.report.Duration,
	)
	return r.report, nil
}

// RunAll runs tasks concurrently, bounded by MaxConcurrency.
//
// Description:
//
//	Ids are assigned and checked for uniqueness before anything runs.
//	All tasks share one run id. One task's failure does not stop the
//	others.
//
// Outputs:
//
//	[]*TaskReport - In input order. A task that returned an error has
//	                a nil report.
//	error - ErrInvalidTask before any run, or the joined task errors.
func (c *Coordinator) RunAll(ctx context.Context, tasks []Task) ([]*TaskReport, error) {
	tasks = append([]Task(nil), tasks...)
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = uuid.NewString()
		}
		if err := checkPathSegment("task", tasks[i].ID); err != nil {
			return nil, err
		}
		if seen[tasks[i].ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidTask, tasks[i].ID)
		}
		seen[tasks[i].ID] = true
	}

	runID := c.newRunID()
	c.logger.Info("run started", "run_id", runID, "tasks", len(tasks))
	reports := make([]*TaskReport, len(tasks))
	errs := make([]error, len(tasks))

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, task := range tasks {
		g.Go(func() error {
			report, err := c.run(ctx, runID, task)
			if err != nil {
				errs[i] = fmt.Errorf("task %s: %w", task.ID, err)
				return nil
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// checkPathSegment rejects ids that cannot be a single directory name.
func checkPathSegment(what, id string) error {
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`+"\x00") {
		return fmt.Errorf("%w: %s id %q cannot name a directory", ErrInvalidTask, what, id)
	}
	return nil
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// step executes the handler of the current state.
func (c *Coordinator) step(ctx context.Context, r *taskRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch r.state {
	case StatePending:
		return c.stepPending(ctx, r)
	case StateValidated:
		return c.stepValidated(ctx, r)
	case StateExecuted:
		return c.stepExecuted(ctx, r)
	case StateLinted:
		return c.stepLinted(ctx, r)
	case StateRevised:
		c.transition(r, StatePending, "revised unit submitted")
		return nil
	}
	return fmt.Errorf("no handler for state %q", r.state)
}

// transition records a state change.
func (c *Coordinator) transition(r *taskRun, to State, reason string) {
	from := r.state
	r.state = to
	r.report.Transitions = append(r.report.Transitions, Transition{
		From:    from,
		To:      to,
		Attempt: r.attempt,
		Reason:  reason,
		At:      time.Now().UTC(),
	})
	recordTransition(from, to)
	r.logger.Debug("state transition",
		"from", string(from),
		"to", string(to),
		"attempt", r.attempt,
		"reason", reason,
	)
}

func (c *Coordinator) finish(r *taskRun, v Verdict, reason string) {
	r.verdict = v
	c.transition(r, StateFinal, string(v)+": "+reason)
}

// stepPending starts a new attempt and runs the static policy check.
func (c *Coordinator) stepPending(ctx context.Context, r *taskRun) error {
	r.attempt++
	r.outcome = nil
	r.result = nil
	r.blocking = nil
	r.outDir = filepath.Join(c.executor.Root(), r.runID, r.task.ID, fmt.Sprintf("attempt-%d", r.attempt))

	err := c.validator.Validate(ctx, r.unit.Source)
	if err == nil {
		c.transition(r, StateValidated, "policy check passed")
		return nil
	}

	var (
		violation *policy.Violation
		syntax    *policy.SyntaxError
	)
	switch {
	case errors.As(err, &violation):
		res := datatypes.NewFailedResult(r.task.ID, r.attempt, r.unit, &datatypes.ExecError{
			Kind:    datatypes.SecurityViolation,
			Type:    string(violation.Rule),
			Message: violation.Error(),
		})
		return c.fail(ctx, r, res, false)

	case errors.As(err, &syntax):
		res := datatypes.NewFailedResult(r.task.ID, r.attempt, r.unit, &datatypes.ExecError{
			Kind:    datatypes.RuntimeFailure,
			Type:    "SyntaxError",
			Message: syntax.Error(),
		})
		return c.fail(ctx, r, res, true)

	case ctx.Err() != nil:
		return ctx.Err()
	}

	res := datatypes.NewFailedResult(r.task.ID, r.attempt, r.unit, &datatypes.ExecError{
		Kind:    datatypes.InternalFailure,
		Type:    "ValidatorError",
		Message: err.Error(),
	})
	return c.fail(ctx, r, res, false)
}

// stepValidated runs the attempt in the sandbox.
func (c *Coordinator) stepValidated(ctx context.Context, r *taskRun) error {
	if _, err := os.Lstat(r.outDir); err == nil {
		return fmt.Errorf("%w: %s", ErrOutputExists, r.outDir)
	}
	outcome, err := c.executor.Execute(ctx, runtime.Request{
		TaskID:    r.task.ID,
		Attempt:   r.attempt,
		Source:    r.unit.Source,
		Dataset:   c.dataset,
		OutputDir: r.outDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res := datatypes.NewFailedResult(r.task.ID, r.attempt, r.unit, &datatypes.ExecError{
			Kind:    datatypes.InternalFailure,
			Type:    "ExecutorError",
			Message: err.Error(),
		})
		res.DatasetDigest = c.dataset.Digest
		return c.fail(ctx, r, res, false)
	}
	r.outcome = outcome
	c.transition(r, StateExecuted, "status "+string(outcome.Status))
	return nil
}

// stepExecuted classifies the outcome and extracts evidence.
func (c *Coordinator) stepExecuted(ctx context.Context, r *taskRun) error {
	o := r.outcome
	if !o.ExecOK() {
		res := datatypes.NewFailedResult(r.task.ID, r.attempt, r.unit, o.Error)
		c.fillFromOutcome(res, r)
		return c.fail(ctx, r, res, o.Error.Kind.Retryable())
	}

	outDir := o.OutputDir
	if outDir == "" {
		outDir = r.outDir
	}
	opts := evidence.NewOptions(c.evidence, c.executor.Root(), outDir)
	ev := evidence.Extract(o.Manifest, r.unit.ManifestSchema, opts)
	evidence.CheckOutputs(ev, r.unit.ExpectedOutputs, opts)

	res := datatypes.NewSucceededResult(r.task.ID, r.attempt, r.unit, o.Manifest, ev)
	c.fillFromOutcome(res, r)
	switch {
	case o.ManifestError != "":
		res.Manifest = nil
		res.Error = &datatypes.ExecError{Kind: datatypes.ManifestValidationFailure, Message: o.ManifestError}
	case o.Manifest == nil:
		res.Error = &datatypes.ExecError{Kind: datatypes.ManifestValidationFailure, Message: "no manifest was produced"}
	}
	if res.Error != nil {
		r.logger.Warn("manifest missing or malformed",
			"attempt", r.attempt,
			"kind", string(res.Error.Kind),
			"message", res.Error.Message,
		)
	}
	r.result = res
	c.transition(r, StateLinted, fmt.Sprintf("%d evidence fields, %d missing", len(ev.Fields), len(ev.Missing)))
	return nil
}

// stepLinted applies the rule engine, persists the attempt and decides
// between revision and acceptance.
func (c *Coordinator) stepLinted(ctx context.Context, r *taskRun) error {
	res := r.result
	res.LinterFlags = linter.Lint(linter.Input{
		Evidence: res.Evidence,
		Profile:  c.profile,
		PlotTask: r.task.PlotTask,
		TaskKind: r.task.TaskKind,
	})
	for _, f := range res.LinterFlags {
		if c.cfg.IsBlocking(f.Rule) {
			r.blocking = append(r.blocking, f)
		}
	}
	if err := c.persist(ctx, r, res); err != nil {
		return err
	}

	if len(r.blocking) == 0 {
		c.finish(r, VerdictAccepted, fmt.Sprintf("%d advisory flags", len(res.LinterFlags)))
		return nil
	}
	r.logger.Info("blocking linter flags",
		"attempt", r.attempt,
		"rules", strings.Join(ruleIDs(r.blocking), ","),
	)
	revised, err := c.revise(ctx, r)
	if err != nil {
		return err
	}
	if !revised {
		c.finish(r, VerdictAccepted, "flags remain after final attempt")
	}
	return nil
}

// fail persists a failed attempt and either revises or finalises.
func (c *Coordinator) fail(ctx context.Context, r *taskRun, res *datatypes.ExecutionResult, retryable bool) error {
	r.result = res
	r.logger.Warn("attempt failed",
		"attempt", r.attempt,
		"kind", string(res.Error.Kind),
		"type", res.Error.Type,
		"message", res.Error.Message,
	)
	if err := c.persist(ctx, r, res); err != nil {
		return err
	}
	if !retryable {
		c.finish(r, VerdictFailed, string(res.Error.Kind))
		return nil
	}
	revised, err := c.revise(ctx, r)
	if err != nil {
		return err
	}
	if !revised {
		c.finish(r, VerdictFailed, string(res.Error.Kind)+" with no revision left")
	}
	return nil
}

// revise asks the reviser for a replacement unit while retries remain.
// It returns true after transitioning to Revised.
func (c *Coordinator) revise(ctx context.Context, r *taskRun) (bool, error) {
	if c.reviser == nil || r.attempt > c.cfg.MaxRetries {
		return false, nil
	}
	next, err := c.reviser.Revise(ctx, critic.RevisionRequest{
		TaskID:   r.task.ID,
		Attempt:  r.attempt,
		Unit:     r.unit,
		Result:   r.result,
		Blocking: r.blocking,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.logger.Warn("reviser failed", "attempt", r.attempt, "error", err.Error())
		return false, nil
	}
	if next == nil || strings.TrimSpace(next.Source) == "" {
		return false, nil
	}
	r.unit = *next
	recordRevision(ctx)
	c.transition(r, StateRevised, fmt.Sprintf("retry %d of %d", r.attempt, c.cfg.MaxRetries))
	return true, nil
}

func (c *Coordinator) persist(ctx context.Context, r *taskRun, res *datatypes.ExecutionResult) error {
	res.RunID = r.runID
	r.report.Attempts = append(r.report.Attempts, res)
	recordAttempt(ctx, res)
	if err := c.log.Append(ctx, res); err != nil {
		return fmt.Errorf("append attempt %d: %w", r.attempt, err)
	}
	return nil
}

// fillFromOutcome copies capture, timing and artifacts into res.
// Artifact paths are relative to the artifacts root.
func (c *Coordinator) fillFromOutcome(res *datatypes.ExecutionResult, r *taskRun) {
	o := r.outcome
	res.Stdout = o.Stdout
	res.Stderr = o.Stderr
	res.StdoutTruncated = o.StdoutTruncated
	res.StderrTruncated = o.StderrTruncated
	res.DatasetDigest = c.dataset.Digest
	res.StartedAt = o.StartedAt.UTC()
	res.DurationMs = o.Duration.Milliseconds()

	outDir := o.OutputDir
	if outDir == "" {
		outDir = r.outDir
	}
	prefix, err := filepath.Rel(c.executor.Root(), outDir)
	if err != nil {
		prefix = ""
	}
	for _, a := range o.Artifacts {
		res.Artifacts = append(res.Artifacts, filepath.ToSlash(filepath.Join(prefix, a)))
	}
}

func ruleIDs(flags []datatypes.LinterFlag) []string {
	ids := make([]string, len(flags))
	for i, f := range flags {
		ids[i] = f.Rule
	}
	return ids
}
