// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtime runs one validated code unit in a supervised
// interpreter subprocess.
//
// The supervisor owns every limit: the wall-clock deadline is enforced by
// killing the process group, the memory ceiling and per-file size limit
// are applied from outside with prlimit(2) before the code is released,
// and stdout/stderr are captured into bounded buffers. Inside the
// subprocess an embedded harness installs restricted builtins, an import
// gate and an audit hook that rejects writes resolving outside the
// attempt's output directory at the moment they are attempted.
package runtime

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/autoeda/pkg/logging"
	"github.com/AleutianAI/autoeda/services/sandbox/config"
	"github.com/AleutianAI/autoeda/services/sandbox/dataset"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/pathguard"
)

//go:embed harness.py
var harnessSource []byte

// File descriptors inherited by the harness (ExtraFiles start at 3).
const (
	resultFD = 3
	gateFD   = 4
)

// errUnsupportedLimits is returned by applyLimits on platforms without
// prlimit(2).
var errUnsupportedLimits = errors.New("external resource limits are only supported on linux")

// maxArrayItems bounds numpy arrays that are inlined into the manifest.
const maxArrayItems = 10_000

// Request describes one attempt.
type Request struct {
	TaskID    string
	Attempt   int
	Source    string
	Dataset   *dataset.Snapshot
	OutputDir string
}

// Status is how the interpreter run ended.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusViolation Status = "violation"
	StatusTimeout   Status = "timeout"
	StatusCrashed   Status = "crashed"
	StatusInternal  Status = "internal"
)

// Outcome is the supervisor's view of one run.
//
// Error is nil exactly when Status is StatusOK. A successful run may still
// carry a nil Manifest and a ManifestError.
type Outcome struct {
	Status          Status
	Error           *datatypes.ExecError
	Manifest        datatypes.Manifest
	ManifestError   string
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Artifacts       []string
	OutputDir       string
	ExitCode        int
	StartedAt       time.Time
	Duration        time.Duration
}

// ExecOK reports whether the code ran to completion.
func (o *Outcome) ExecOK() bool {
	return o.Status == StatusOK
}

// envelope is the JSON object the harness writes to fd 3.
type envelope struct {
	Status        string             `json:"status"`
	Manifest      datatypes.Manifest `json:"manifest"`
	ManifestError *string            `json:"manifest_error"`
	ErrorType     string             `json:"error_type"`
	Message       string             `json:"message"`
	Traceback     string             `json:"traceback"`
}

type bootstrap struct {
	SourcePath       string   `json:"source_path"`
	DatasetPath      string   `json:"dataset_path"`
	OutputDir        string   `json:"output_dir"`
	ResultFD         int      `json:"result_fd"`
	GateFD           int      `json:"gate_fd"`
	AllowedModules   []string `json:"allowed_modules"`
	ForbiddenModules []string `json:"forbidden_modules"`
	MaxManifestBytes int      `json:"max_manifest_bytes"`
	MaxArrayItems    int      `json:"max_array_items"`
}

type limits struct {
	addressSpace uint64
	cpuSeconds   uint64
	fileSize     uint64
}

// Executor runs code units under one policy.
//
// Thread Safety: Execute is safe for concurrent use; each call has its
// own work directory, process group and buffers.
type Executor struct {
	policy  config.ExecutionPolicy
	runtime config.RuntimeConfig
	root    string
	logger  *logging.Logger
}

// NewExecutor creates the artifacts root if needed and returns an
// Executor bound to its canonical path.
//
// Inputs:
//
//	policy - Execution policy (limits, allowed modules, artifacts root).
//	rt - Interpreter settings.
//	logger - Logger; nil uses logging.Nop().
//
// Outputs:
//
//	*Executor - Ready to run.
//	error - When the artifacts root cannot be created or resolved.
func NewExecutor(policy config.ExecutionPolicy, rt config.RuntimeConfig, logger *logging.Logger) (*Executor, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(policy.ArtifactsRoot, 0o750); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	root, err := pathguard.Canonical(policy.ArtifactsRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts root: %w", err)
	}
	return &Executor{policy: policy, runtime: rt, root: root, logger: logger}, nil
}

// Root returns the canonical artifacts root.
func (e *Executor) Root() string {
	return e.root
}

// Execute runs req.Source against a fresh copy of req.Dataset.
//
// Description:
//
//	Prepares a private work directory outside the artifacts root, starts
//	the interpreter in its own process group, applies rlimits, releases
//	the start gate and waits for exit, the deadline or ctx cancellation.
//	The deadline kills the whole process group immediately. After exit
//	the output directory is audited for escaping symlinks.
//
// Inputs:
//
//	ctx - Cancelling ctx kills the run and returns ctx.Err().
//	req - The attempt to run. OutputDir must resolve inside the root.
//
// Outputs:
//
//	*Outcome - Result of the run, including failures of the code itself.
//	error - Only for problems preparing the run (bad output dir,
//	        unreadable dataset, cancelled context).
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Dataset == nil {
		return nil, errors.New("execute: dataset snapshot is required")
	}

	ctx, span := startExecuteSpan(ctx, req.TaskID, req.Attempt)
	defer span.End()

	outDir, err := pathguard.Check(e.root, req.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	workDir, err := e.prepareWorkDir(req, outDir)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	outcome := e.run(ctx, req, workDir, outDir)
	if ctx.Err() != nil && outcome.Status != StatusTimeout && outcome.Status != StatusOK {
		return nil, ctx.Err()
	}

	outcome.OutputDir = outDir
	e.auditOutput(outcome)
	if files, err := ListArtifacts(outDir); err == nil {
		outcome.Artifacts = files
	}
	setExecuteSpanResult(span, outcome)
	recordExecution(ctx, outcome)
	return outcome, nil
}

// prepareWorkDir writes the harness, the source, the dataset copy and
// the bootstrap file into a fresh directory outside the artifacts root.
func (e *Executor) prepareWorkDir(req Request, outDir string) (string, error) {
	base := e.runtime.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	workDir, err := os.MkdirTemp(base, "autoeda-run-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	cleanup := func(err error) (string, error) {
		_ = os.RemoveAll(workDir)
		return "", err
	}

	if inside, err := pathguard.Within(e.root, workDir); err != nil || inside {
		return cleanup(fmt.Errorf("work dir %s must be outside the artifacts root", workDir))
	}

	harnessPath := filepath.Join(workDir, "harness.py")
	if err := os.WriteFile(harnessPath, harnessSource, 0o400); err != nil {
		return cleanup(fmt.Errorf("write harness: %w", err))
	}
	sourcePath := filepath.Join(workDir, "unit.py")
	if err := os.WriteFile(sourcePath, []byte(req.Source), 0o400); err != nil {
		return cleanup(fmt.Errorf("write source: %w", err))
	}
	datasetPath, err := req.Dataset.CopyTo(workDir)
	if err != nil {
		return cleanup(err)
	}
	if err := os.MkdirAll(filepath.Join(workDir, "mpl"), 0o700); err != nil {
		return cleanup(fmt.Errorf("create matplotlib dir: %w", err))
	}

	boot := bootstrap{
		SourcePath:       sourcePath,
		DatasetPath:      datasetPath,
		OutputDir:        outDir,
		ResultFD:         resultFD,
		GateFD:           gateFD,
		AllowedModules:   e.policy.AllowedModules,
		ForbiddenModules: e.policy.ForbiddenModules,
		MaxManifestBytes: e.runtime.MaxManifestBytes,
		MaxArrayItems:    maxArrayItems,
	}
	data, err := json.Marshal(boot)
	if err != nil {
		return cleanup(fmt.Errorf("encode bootstrap: %w", err))
	}
	if err := os.WriteFile(filepath.Join(workDir, "bootstrap.json"), data, 0o400); err != nil {
		return cleanup(fmt.Errorf("write bootstrap: %w", err))
	}
	return workDir, nil
}

func (e *Executor) environ(workDir, outDir string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + workDir,
		"TMPDIR=" + outDir,
		"LANG=C.UTF-8",
		"MPLBACKEND=Agg",
		"MPLCONFIGDIR=" + filepath.Join(workDir, "mpl"),
		"OPENBLAS_NUM_THREADS=1",
		"OMP_NUM_THREADS=1",
		"MKL_NUM_THREADS=1",
	}
	keys := make([]string, 0, len(e.runtime.ExtraEnv))
	for k := range e.runtime.ExtraEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.runtime.ExtraEnv[k])
	}
	return env
}

func (e *Executor) limits() limits {
	cpu := uint64(e.policy.Timeout/time.Second) + 2
	return limits{
		addressSpace: uint64(e.policy.MemoryCeilingMB) << 20,
		cpuSeconds:   cpu,
		fileSize:     uint64(e.policy.MaxFileBytes),
	}
}

// run starts the interpreter and supervises it until it exits.
func (e *Executor) run(ctx context.Context, req Request, workDir, outDir string) *Outcome {
	logger := e.logger.With("task_id", req.TaskID, "attempt", req.Attempt)
	outcome := &Outcome{StartedAt: time.Now(), ExitCode: -1}

	internal := func(msg string, err error) *Outcome {
		outcome.Status = StatusInternal
		outcome.Error = &datatypes.ExecError{
			Kind:    datatypes.InternalFailure,
			Type:    "SandboxError",
			Message: fmt.Sprintf("%s: %v", msg, err),
		}
		outcome.Duration = time.Since(outcome.StartedAt)
		return outcome
	}

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return internal("create result pipe", err)
	}
	defer resultR.Close()
	gateR, gateW, err := os.Pipe()
	if err != nil {
		resultW.Close()
		return internal("create gate pipe", err)
	}
	defer gateW.Close()

	stdout := newBoundedBuffer(e.runtime.MaxStdoutBytes)
	stderr := newBoundedBuffer(e.runtime.MaxStderrBytes)

	args := append(append([]string{}, e.runtime.InterpreterArgs...),
		filepath.Join(workDir, "harness.py"), filepath.Join(workDir, "bootstrap.json"))
	cmd := exec.Command(e.runtime.Interpreter, args...)
	cmd.Dir = outDir
	cmd.Env = e.environ(workDir, outDir)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{resultW, gateR}
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = e.runtime.KillGrace

	if err := cmd.Start(); err != nil {
		resultW.Close()
		gateR.Close()
		return internal("start interpreter", err)
	}
	resultW.Close()
	gateR.Close()
	pid := cmd.Process.Pid

	envCh := make(chan []byte, 1)
	go func() {
		limit := int64(e.runtime.MaxManifestBytes)*2 + 64*1024
		data, _ := io.ReadAll(io.LimitReader(resultR, limit))
		envCh <- data
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	lim := e.limits()
	if err := applyLimits(pid, lim); err != nil {
		if errors.Is(err, errUnsupportedLimits) {
			logger.Warn("resource limits not applied", "error", err.Error())
		} else {
			_ = killGroup(pid)
			<-waitCh
			return internal("apply resource limits", err)
		}
	} else {
		logger.Debug("resource limits applied",
			"address_space_bytes", lim.addressSpace,
			"cpu_seconds", lim.cpuSeconds,
			"file_size_bytes", lim.fileSize)
	}

	quota, err := newQuotaWatcher(outDir, e.policy.MaxArtifactBytes, e.policy.MaxArtifactFiles, func(qerr error) {
		logger.Warn("artifact quota exceeded, killing run", "error", qerr.Error())
		_ = killGroup(pid)
	})
	if err != nil {
		logger.Warn("artifact quota watcher unavailable", "error", err.Error())
	}

	// Release the harness.
	_, _ = gateW.Write([]byte{1})
	gateW.Close()

	deadline := time.NewTimer(e.policy.Timeout)
	defer deadline.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-deadline.C:
		timedOut = true
		_ = killGroup(pid)
		waitErr = <-waitCh
	case <-ctx.Done():
		_ = killGroup(pid)
		waitErr = <-waitCh
	}
	// Reap anything the interpreter left in its group.
	_ = killGroup(pid)
	outcome.Duration = time.Since(outcome.StartedAt)

	var quotaErr error
	if quota != nil {
		quotaErr = quota.Close()
	}

	var raw []byte
	grace := e.runtime.KillGrace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case raw = <-envCh:
	case <-time.After(grace):
		resultR.Close()
		raw = <-envCh
	}

	outcome.Stdout = stdout.String()
	outcome.Stderr = stderr.String()
	outcome.StdoutTruncated = stdout.Truncated()
	outcome.StderrTruncated = stderr.Truncated()
	if cmd.ProcessState != nil {
		outcome.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case timedOut:
		outcome.Status = StatusTimeout
		outcome.Error = &datatypes.ExecError{
			Kind:    datatypes.TimeoutFailure,
			Type:    "Timeout",
			Message: fmt.Sprintf("execution exceeded %s and was killed", e.policy.Timeout),
		}
	case quotaErr != nil:
		outcome.Status = StatusCrashed
		outcome.Error = &datatypes.ExecError{
			Kind:    datatypes.RuntimeFailure,
			Type:    "ArtifactQuotaExceeded",
			Message: quotaErr.Error(),
		}
	default:
		e.classify(outcome, raw, waitErr)
	}
	return outcome
}

// classify interprets the harness envelope and the exit status.
func (e *Executor) classify(outcome *Outcome, raw []byte, waitErr error) {
	env, _ := decodeEnvelope(raw)

	switch env.Status {
	case "ok":
		outcome.Status = StatusOK
		outcome.Manifest = env.Manifest
		if env.ManifestError != nil {
			outcome.ManifestError = *env.ManifestError
		}
		return
	case "violation":
		outcome.Status = StatusViolation
		outcome.Error = &datatypes.ExecError{
			Kind:    datatypes.SecurityViolation,
			Type:    "RuntimeViolation",
			Message: env.Message,
		}
		return
	case "error":
		outcome.Status = StatusError
		msg := env.Message
		if tb := lastLines(env.Traceback, 3); tb != "" {
			msg = msg + "\n" + tb
		}
		outcome.Error = &datatypes.ExecError{
			Kind:    datatypes.RuntimeFailure,
			Type:    env.ErrorType,
			Message: msg,
		}
		return
	}

	outcome.Status = StatusCrashed
	outcome.Error = &datatypes.ExecError{Kind: datatypes.RuntimeFailure}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			outcome.Error.Type = "Signal"
			outcome.Error.Message = fmt.Sprintf("interpreter killed by %s", describeSignal(ws.Signal()))
			return
		}
		outcome.Error.Type = "ExitStatus"
		outcome.Error.Message = fmt.Sprintf("interpreter exited with status %d without a result", exitErr.ExitCode())
	} else {
		outcome.Error.Type = "NoResult"
		outcome.Error.Message = "interpreter exited without a result"
	}
	if tail := lastLines(outcome.Stderr, 3); tail != "" {
		outcome.Error.Message += ": " + tail
	}
}

func describeSignal(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL (memory ceiling or CPU limit)"
	case syscall.SIGXCPU:
		return "SIGXCPU (CPU limit)"
	case syscall.SIGXFSZ:
		return "SIGXFSZ (file size limit)"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	default:
		return sig.String()
	}
}

// auditOutput removes symlinks that leave the attempt's output directory
// and turns the outcome into a SecurityViolation when any are found.
func (e *Executor) auditOutput(outcome *Outcome) {
	escapes, err := pathguard.AuditTree(outcome.OutputDir)
	if err != nil {
		e.logger.Warn("artifact audit failed", "error", err.Error())
	}
	if len(escapes) > 0 {
		for _, esc := range escapes {
			_ = os.Remove(esc.Path)
		}
		outcome.Status = StatusViolation
		outcome.Manifest = nil
		outcome.ManifestError = ""
		outcome.Error = &datatypes.ExecError{
			Kind:    datatypes.SecurityViolation,
			Type:    "SymlinkEscape",
			Message: fmt.Sprintf("link %s points outside the artifacts root (%s)", escapes[0].Path, escapes[0].Target),
		}
	}
}

// ListArtifacts returns regular files under dir relative to dir, sorted.
func ListArtifacts(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			rel, relErr := filepath.Rel(dir, p)
			if relErr == nil {
				files = append(files, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// decodeEnvelope parses the harness result with UseNumber so integers
// survive unchanged instead of becoming float64.
func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if len(raw) == 0 {
		return env, io.ErrUnexpectedEOF
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
