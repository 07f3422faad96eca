// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/autoeda/services/sandbox/config"
	"github.com/AleutianAI/autoeda/services/sandbox/dataset"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/pathguard"
)

// =============================================================================
// Helper process
// =============================================================================

// TestHelperProcess stands in for the Python interpreter. The behaviour is
// selected by the first line of the submitted source.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "helper: missing harness arguments")
		os.Exit(2)
	}

	var boot bootstrap
	data, err := os.ReadFile(args[2])
	if err != nil {
		os.Exit(2)
	}
	if err := json.Unmarshal(data, &boot); err != nil {
		os.Exit(2)
	}
	source, _ := os.ReadFile(boot.SourcePath)

	gate := os.NewFile(uintptr(boot.GateFD), "gate")
	buf := make([]byte, 1)
	_, _ = gate.Read(buf)
	gate.Close()

	result := os.NewFile(uintptr(boot.ResultFD), "result")
	emit := func(v any) {
		_ = json.NewEncoder(result).Encode(v)
		result.Close()
	}

	switch strings.TrimSpace(strings.SplitN(string(source), "\n", 2)[0]) {
	case "ok":
		fmt.Println("hello from analysis")
		_ = os.WriteFile(filepath.Join(boot.OutputDir, "hist.png"), []byte("png"), 0o640)
		emit(map[string]any{"status": "ok", "manifest": map[string]any{
			"title": "Age", "n_rows_plotted": 120, "skewness": 2.5,
		}})
	case "no-manifest":
		emit(map[string]any{"status": "ok", "manifest": nil})
	case "sleep":
		time.Sleep(30 * time.Second)
	case "boom":
		emit(map[string]any{
			"status": "error", "error_type": "ZeroDivisionError",
			"message": "division by zero", "traceback": "Traceback\n  line 3\nZeroDivisionError: division by zero",
		})
	case "violation":
		emit(map[string]any{"status": "violation", "message": "write outside artifacts root: /etc/x"})
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: segfault-ish")
		os.Exit(3)
	case "selfkill":
		_ = unix.Kill(os.Getpid(), unix.SIGKILL)
	case "escape":
		_ = os.Symlink("/etc", filepath.Join(boot.OutputDir, "etc-link"))
		emit(map[string]any{"status": "ok", "manifest": map[string]any{}})
	case "spam":
		fmt.Print(strings.Repeat("x", 1<<20))
		emit(map[string]any{"status": "ok", "manifest": nil})
	case "quota":
		for i := 0; i < 50; i++ {
			_ = os.WriteFile(filepath.Join(boot.OutputDir, fmt.Sprintf("f%02d.bin", i)), make([]byte, 1024), 0o640)
			time.Sleep(20 * time.Millisecond)
		}
		time.Sleep(30 * time.Second)
	case "limits":
		var as, fsize unix.Rlimit
		_ = unix.Getrlimit(unix.RLIMIT_AS, &as)
		_ = unix.Getrlimit(unix.RLIMIT_FSIZE, &fsize)
		emit(map[string]any{"status": "ok", "manifest": map[string]any{
			"as": as.Cur, "fsize": fsize.Cur,
		}})
	default:
		os.Exit(4)
	}
}

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	exec     *Executor
	snapshot *dataset.Snapshot
	root     string
}

func newFixture(t *testing.T, mutate func(p *config.ExecutionPolicy, rt *config.RuntimeConfig)) *fixture {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Policy.ArtifactsRoot = filepath.Join(base, "artifacts")
	cfg.Policy.Timeout = 5 * time.Second
	cfg.Policy.MemoryCeilingMB = 64 * 1024
	cfg.Runtime.WorkDir = filepath.Join(base, "work")
	cfg.Runtime.Interpreter = os.Args[0]
	cfg.Runtime.InterpreterArgs = []string{"-test.run=^TestHelperProcess$", "--"}
	cfg.Runtime.ExtraEnv = map[string]string{"GO_WANT_HELPER_PROCESS": "1"}
	cfg.Runtime.MaxStdoutBytes = 1024
	cfg.Runtime.KillGrace = time.Second
	require.NoError(t, os.MkdirAll(cfg.Runtime.WorkDir, 0o750))
	if mutate != nil {
		mutate(&cfg.Policy, &cfg.Runtime)
	}

	exec, err := NewExecutor(cfg.Policy, cfg.Runtime, nil)
	require.NoError(t, err)

	csvPath := filepath.Join(base, "data.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("age,city\n30,Oslo\n41,Bergen\n"), 0o600))
	snap, err := dataset.Open(csvPath, dataset.Guards{MaxRows: 100, MaxColumns: 10})
	require.NoError(t, err)

	return &fixture{exec: exec, snapshot: snap, root: exec.Root()}
}

func (f *fixture) run(t *testing.T, source string) *Outcome {
	t.Helper()
	out, err := f.exec.Execute(context.Background(), Request{
		TaskID:    "t1",
		Attempt:   1,
		Source:    source,
		Dataset:   f.snapshot,
		OutputDir: filepath.Join(f.root, "t1"),
	})
	require.NoError(t, err)
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestExecute_Success(t *testing.T) {
	f := newFixture(t, nil)
	out := f.run(t, "ok\n")

	require.True(t, out.ExecOK(), "error: %+v", out.Error)
	assert.Nil(t, out.Error)
	assert.Equal(t, "hello from analysis\n", out.Stdout)
	assert.Equal(t, "Age", out.Manifest["title"])
	assert.Equal(t, json.Number("120"), out.Manifest["n_rows_plotted"])
	assert.Equal(t, []string{"hist.png"}, out.Artifacts)
	assert.Equal(t, 0, out.ExitCode)
}

func TestExecute_NoManifestIsStillOK(t *testing.T) {
	out := newFixture(t, nil).run(t, "no-manifest\n")
	assert.True(t, out.ExecOK())
	assert.Nil(t, out.Manifest)
}

func TestExecute_TimeoutIsPreemptive(t *testing.T) {
	f := newFixture(t, func(p *config.ExecutionPolicy, _ *config.RuntimeConfig) {
		p.Timeout = 300 * time.Millisecond
	})
	start := time.Now()
	out := f.run(t, "sleep\n")
	elapsed := time.Since(start)

	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.TimeoutFailure, out.Error.Kind)
	assert.Equal(t, StatusTimeout, out.Status)
	assert.Less(t, elapsed, 4*time.Second)
}

func TestExecute_RuntimeError(t *testing.T) {
	out := newFixture(t, nil).run(t, "boom\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.RuntimeFailure, out.Error.Kind)
	assert.Equal(t, "ZeroDivisionError", out.Error.Type)
	assert.Contains(t, out.Error.Message, "division by zero")
	assert.Nil(t, out.Manifest)
}

func TestExecute_HarnessViolation(t *testing.T) {
	out := newFixture(t, nil).run(t, "violation\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.SecurityViolation, out.Error.Kind)
	assert.Contains(t, out.Error.Message, "outside artifacts root")
}

func TestExecute_CrashWithoutEnvelope(t *testing.T) {
	out := newFixture(t, nil).run(t, "crash\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.RuntimeFailure, out.Error.Kind)
	assert.Equal(t, "ExitStatus", out.Error.Type)
	assert.Contains(t, out.Error.Message, "status 3")
	assert.Contains(t, out.Error.Message, "fatal")
}

func TestExecute_KilledBySignal(t *testing.T) {
	out := newFixture(t, nil).run(t, "selfkill\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, "Signal", out.Error.Type)
	assert.Contains(t, out.Error.Message, "SIGKILL")
}

func TestExecute_SymlinkEscapeIsViolation(t *testing.T) {
	f := newFixture(t, nil)
	out := f.run(t, "escape\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.SecurityViolation, out.Error.Kind)
	assert.Equal(t, "SymlinkEscape", out.Error.Type)
	assert.Nil(t, out.Manifest)

	_, err := os.Lstat(filepath.Join(f.root, "t1", "etc-link"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "escaping link should be removed")
}

func TestExecute_StdoutIsBounded(t *testing.T) {
	out := newFixture(t, nil).run(t, "spam\n")
	assert.True(t, out.ExecOK())
	assert.Len(t, out.Stdout, 1024)
	assert.True(t, out.StdoutTruncated)
}

func TestExecute_ArtifactQuota(t *testing.T) {
	f := newFixture(t, func(p *config.ExecutionPolicy, _ *config.RuntimeConfig) {
		p.MaxArtifactFiles = 5
		p.Timeout = 10 * time.Second
	})
	start := time.Now()
	out := f.run(t, "quota\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, "ArtifactQuotaExceeded", out.Error.Type)
	assert.Equal(t, datatypes.RuntimeFailure, out.Error.Kind)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestExecute_AppliesResourceLimits(t *testing.T) {
	f := newFixture(t, func(p *config.ExecutionPolicy, _ *config.RuntimeConfig) {
		p.MemoryCeilingMB = 32 * 1024
		p.MaxFileBytes = 1 << 20
	})
	out := f.run(t, "limits\n")
	require.True(t, out.ExecOK(), "error: %+v", out.Error)
	assert.Equal(t, json.Number(fmt.Sprint(uint64(32*1024)<<20)), out.Manifest["as"])
	assert.Equal(t, json.Number(fmt.Sprint(1<<20)), out.Manifest["fsize"])
}

func TestExecute_OutputDirOutsideRoot(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.exec.Execute(context.Background(), Request{
		TaskID:    "t1",
		Source:    "ok\n",
		Dataset:   f.snapshot,
		OutputDir: filepath.Join(f.root, "..", "elsewhere"),
	})
	assert.ErrorIs(t, err, pathguard.ErrOutsideRoot)
}

func TestExecute_InterpreterMissing(t *testing.T) {
	f := newFixture(t, func(_ *config.ExecutionPolicy, rt *config.RuntimeConfig) {
		rt.Interpreter = "/nonexistent/python9"
	})
	out := f.run(t, "ok\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.InternalFailure, out.Error.Kind)
}

func TestExecute_CancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := f.exec.Execute(ctx, Request{
		TaskID: "t1", Source: "sleep\n", Dataset: f.snapshot, OutputDir: filepath.Join(f.root, "t1"),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestBoundedBuffer(t *testing.T) {
	b := newBoundedBuffer(4)
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.Truncated())
}

func TestBoundedBuffer_DoesNotSplitRunes(t *testing.T) {
	b := newBoundedBuffer(5)
	_, err := b.Write([]byte("abcdø€"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", b.String())
	assert.True(t, utf8.ValidString(b.String()))

	whole := newBoundedBuffer(6)
	_, _ = whole.Write([]byte("abcdø€"))
	assert.Equal(t, "abcdø", whole.String())
}

func TestDecodeEnvelope_PreservesIntegers(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"status":"ok","manifest":{"n":12345678901234}}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234"), env.Manifest["n"])

	_, err = decodeEnvelope(nil)
	assert.Error(t, err)
}

// =============================================================================
// Real interpreter
// =============================================================================

func requirePython(t *testing.T) string {
	t.Helper()
	py, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	if err := exec.Command(py, "-c", "import pandas, numpy, matplotlib, scipy").Run(); err != nil {
		t.Skip("python3 lacks pandas/numpy/matplotlib/scipy")
	}
	return py
}

func newPythonFixture(t *testing.T) *fixture {
	py := requirePython(t)
	return newFixture(t, func(p *config.ExecutionPolicy, rt *config.RuntimeConfig) {
		p.Timeout = 60 * time.Second
		p.MemoryCeilingMB = 4096
		rt.Interpreter = py
		rt.InterpreterArgs = []string{"-I", "-B"}
		rt.ExtraEnv = nil
		rt.MaxStdoutBytes = 64 * 1024
	})
}

func TestPython_PlotAndManifest(t *testing.T) {
	f := newPythonFixture(t)
	src := `
import numpy as np
fig, ax = plt.subplots()
ax.hist(df["age"], bins=5)
ax.set_title("Age")
fig.savefig("age.png")
print(len(df))
manifest = {"title": "Age", "n_rows_plotted": int(df["age"].count()), "mean": np.float64(35.5), "frame": df}
`
	out := f.run(t, src)
	require.True(t, out.ExecOK(), "error: %+v stderr: %s", out.Error, out.Stderr)
	assert.Equal(t, "2\n", out.Stdout)
	assert.Contains(t, out.Artifacts, "age.png")
	assert.Equal(t, json.Number("2"), out.Manifest["n_rows_plotted"])
	assert.Equal(t, json.Number("35.5"), out.Manifest["mean"])
	assert.Equal(t, map[string]any{"__unserializable__": "DataFrame"}, out.Manifest["frame"])
}

func TestPython_WriteOutsideRootRejectedAtWriteTime(t *testing.T) {
	f := newPythonFixture(t)
	target := filepath.Join(filepath.Dir(f.root), "stolen.csv")
	src := fmt.Sprintf("df.to_csv(%q)\n", target)

	out := f.run(t, src)
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.SecurityViolation, out.Error.Kind)
	_, err := os.Stat(target)
	assert.True(t, errors.Is(err, os.ErrNotExist), "file must not be created")
}

func TestPython_TraversalRejected(t *testing.T) {
	f := newPythonFixture(t)
	out := f.run(t, "try:\n    df.to_csv('../../escape.csv')\nexcept Exception:\n    pass\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.SecurityViolation, out.Error.Kind)
}

func TestPython_ImportGate(t *testing.T) {
	f := newPythonFixture(t)
	out := f.run(t, "import socket\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.SecurityViolation, out.Error.Kind)
	assert.Contains(t, out.Error.Message, "socket")
}

func TestPython_RestrictedBuiltins(t *testing.T) {
	f := newPythonFixture(t)
	out := f.run(t, "open('x.txt', 'w')\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, datatypes.RuntimeFailure, out.Error.Kind)
	assert.Equal(t, "NameError", out.Error.Type)
}

func TestPython_Exception(t *testing.T) {
	f := newPythonFixture(t)
	out := f.run(t, "x = 1 / 0\n")
	require.NotNil(t, out.Error)
	assert.Equal(t, "ZeroDivisionError", out.Error.Type)
}

func TestPython_ReadOutsidePermittedDirsRejected(t *testing.T) {
	f := newPythonFixture(t)
	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("secret-token-123\n"), 0o600))

	tests := []struct {
		name string
		src  string
	}{
		{"os reached through matplotlib", fmt.Sprintf("print(matplotlib.os.read(matplotlib.os.open(%q, 0), 100))\n", secret)},
		{"listdir through pandas internals", "print(pd.io.common.os.listdir('/'))\n"},
		{"scandir of parent", "print(list(matplotlib.os.scandir('..')))\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.run(t, tt.src)
			require.NotNil(t, out.Error, "stdout: %s", out.Stdout)
			assert.Equal(t, datatypes.SecurityViolation, out.Error.Kind)
			assert.NotContains(t, out.Stdout, "secret-token")
		})
	}
}

func TestPython_ReadInsideOutputDirAllowed(t *testing.T) {
	f := newPythonFixture(t)
	src := "df.to_csv('copy.csv', index=False)\nback = pd.read_csv('copy.csv')\nprint(len(back))\nmanifest = {}\n"
	out := f.run(t, src)
	require.True(t, out.ExecOK(), "error: %+v stderr: %s", out.Error, out.Stderr)
	assert.Equal(t, "2\n", out.Stdout)
}
