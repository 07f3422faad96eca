// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the sandbox configuration.
//
// Configuration is read once from YAML, merged over Default(), validated,
// and then passed explicitly to every component. There is no global
// instance.
package config

import (
	"time"
)

// Config is the complete sandbox configuration.
type Config struct {
	Policy      ExecutionPolicy   `yaml:"policy" validate:"required"`
	Runtime     RuntimeConfig     `yaml:"runtime" validate:"required"`
	Evidence    EvidenceConfig    `yaml:"evidence" validate:"required"`
	Coordinator CoordinatorConfig `yaml:"coordinator" validate:"required"`
	Storage     StorageConfig     `yaml:"storage" validate:"required"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Critic      CriticConfig      `yaml:"critic"`
}

// ExecutionPolicy is the security and resource policy applied to every
// code unit. It is read-only after Load.
type ExecutionPolicy struct {
	// AllowedModules is the exact set of importable top-level modules.
	AllowedModules []string `yaml:"allowed_modules" validate:"required,min=1,dive,required"`

	// ForbiddenModules are rejected even when nested under an allowed
	// module ("scipy.io", "numpy.ctypeslib").
	ForbiddenModules []string `yaml:"forbidden_modules" validate:"dive,required"`

	// ForbiddenCalls are builtin names that may not be called or referenced.
	ForbiddenCalls []string `yaml:"forbidden_calls" validate:"dive,required"`

	// ForbiddenAttributes are attribute names that may not be called on
	// any object (file, process and pickle primitives of allowed libraries).
	ForbiddenAttributes []string `yaml:"forbidden_attributes" validate:"dive,required"`

	// ArtifactsRoot is the only directory tree executed code may write to.
	ArtifactsRoot string `yaml:"artifacts_root" validate:"required"`

	// Timeout is the wall-clock limit per attempt.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// MemoryCeilingMB bounds the interpreter address space.
	MemoryCeilingMB int `yaml:"memory_ceiling_mb" validate:"gte=64"`

	// MaxRows and MaxColumns guard the input dataset.
	MaxRows    int `yaml:"max_rows" validate:"gt=0"`
	MaxColumns int `yaml:"max_columns" validate:"gt=0"`

	// MaxSourceBytes bounds the size of a code unit.
	MaxSourceBytes int `yaml:"max_source_bytes" validate:"gt=0"`

	// MaxFileBytes bounds any single file the code writes.
	MaxFileBytes int64 `yaml:"max_file_bytes" validate:"gt=0"`

	// MaxArtifactBytes and MaxArtifactFiles bound the total output of one
	// attempt. The run is killed when either is exceeded.
	MaxArtifactBytes int64 `yaml:"max_artifact_bytes" validate:"gtefield=MaxFileBytes"`
	MaxArtifactFiles int   `yaml:"max_artifact_files" validate:"gt=0"`
}

// RuntimeConfig controls the interpreter subprocess.
type RuntimeConfig struct {
	Interpreter     string            `yaml:"interpreter" validate:"required"`
	InterpreterArgs []string          `yaml:"interpreter_args"`
	ExtraEnv        map[string]string `yaml:"extra_env"`

	// WorkDir is where per-attempt scratch directories are created.
	// Default: the OS temp dir.
	WorkDir string `yaml:"work_dir"`

	// KillGrace bounds how long Execute waits for pipes to drain after
	// the process group is killed.
	KillGrace time.Duration `yaml:"kill_grace" validate:"gte=0"`

	MaxStdoutBytes   int `yaml:"max_stdout_bytes" validate:"gt=0"`
	MaxStderrBytes   int `yaml:"max_stderr_bytes" validate:"gt=0"`
	MaxManifestBytes int `yaml:"max_manifest_bytes" validate:"gt=0"`
}

// EvidenceConfig bounds what the evidence extractor accepts.
type EvidenceConfig struct {
	MaxListLen   int `yaml:"max_list_len" validate:"gt=0"`
	MaxStringLen int `yaml:"max_string_len" validate:"gt=0"`
	MaxDepth     int `yaml:"max_depth" validate:"gt=0,lte=16"`
}

// CoordinatorConfig controls the retry loop and task concurrency.
type CoordinatorConfig struct {
	MaxRetries     int      `yaml:"max_retries" validate:"gte=0,lte=10"`
	MaxConcurrency int      `yaml:"max_concurrency" validate:"gte=1,lte=64"`
	BlockingFlags  []string `yaml:"blocking_flags"`
}

// StorageConfig configures the execution log store.
type StorageConfig struct {
	Path           string        `yaml:"path" validate:"required_without=InMemory"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig selects trace and metric exporters.
type TelemetryConfig struct {
	ServiceName     string `yaml:"service_name"`
	TraceExporter   string `yaml:"trace_exporter" validate:"omitempty,oneof=none stdout otlp"`
	MetricsExporter string `yaml:"metrics_exporter" validate:"omitempty,oneof=none stdout prometheus"`
	OTLPEndpoint    string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
}

// CriticConfig configures the chat-completion reviser.
type CriticConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	Model   string `yaml:"model" validate:"required_if=Enabled true"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// APIKeyFile is read when APIKeyEnv is empty or unset.
	APIKeyFile string `yaml:"api_key_file"`

	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxTokens         int           `yaml:"max_tokens" validate:"gte=0"`
	Temperature       float32       `yaml:"temperature" validate:"gte=0,lte=2"`

	// Redact masks secrets and personal data in captured output before
	// it is sent to the model.
	Redact bool `yaml:"redact"`
}

// DefaultBlockingFlags are the linter rules that trigger a revision.
var DefaultBlockingFlags = []string{"HIGH_SKEW_NO_LOG", "MISSING_LABELS", "EMPTY_PLOT"}

// Default returns the built-in configuration.
//
// Description:
//
//	The allowed set is pandas, numpy, matplotlib and scipy. Forbidden
//	names cover file, process, network, dynamic-evaluation and
//	introspection primitives. Storage defaults to in-memory so a bare
//	Default() is usable in tests.
//
// Outputs:
//
//	*Config - A fresh value each call.
func Default() *Config {
	return &Config{
		Policy: ExecutionPolicy{
			AllowedModules: []string{"pandas", "numpy", "matplotlib", "scipy"},
			ForbiddenModules: []string{
				"os", "sys", "subprocess", "socket", "http", "urllib", "requests",
				"pathlib", "shutil", "glob", "tempfile", "pickle", "shelve",
				"multiprocessing", "threading", "asyncio", "concurrent",
				"ctypes", "importlib", "builtins", "io", "marshal",
				"numpy.ctypeslib", "numpy.f2py", "numpy.distutils", "numpy.testing",
				"posix", "pty", "mmap", "fcntl", "runpy", "pkgutil", "zipimport",
				"inspect", "gc", "ssl", "ftplib", "smtplib", "webbrowser",
				"scipy.io", "scipy.weave", "pandas.io",
			},
			ForbiddenCalls: []string{
				"open", "exec", "eval", "compile", "__import__", "input",
				"exit", "quit", "breakpoint", "globals", "locals", "vars",
				"getattr", "setattr", "delattr", "help", "memoryview",
				"file", "raw_input", "reload", "execfile",
			},
			ForbiddenAttributes: []string{
				"system", "popen", "fork", "spawn", "spawnl", "spawnv", "execv", "execve",
				"load", "loads", "loadtxt", "fromfile", "tofile", "genfromtxt", "memmap",
				"read_pickle", "to_pickle", "read_csv", "read_table", "read_excel",
				"read_json", "read_parquet", "read_sql", "read_html", "read_hdf",
				"read_feather", "read_fwf", "read_clipboard", "read_orc", "read_sas",
				"read_spss", "read_stata", "read_xml", "imread", "eval", "exec", "compile",
				"to_parquet", "to_feather", "to_orc", "to_hdf",
			},
			ArtifactsRoot:    "./artifacts",
			Timeout:          30 * time.Second,
			MemoryCeilingMB:  1024,
			MaxRows:          1_000_000,
			MaxColumns:       500,
			MaxSourceBytes:   64 * 1024,
			MaxFileBytes:     64 << 20,
			MaxArtifactBytes: 256 << 20,
			MaxArtifactFiles: 200,
		},
		Runtime: RuntimeConfig{
			Interpreter:      "python3",
			InterpreterArgs:  []string{"-I", "-B"},
			KillGrace:        2 * time.Second,
			MaxStdoutBytes:   64 * 1024,
			MaxStderrBytes:   64 * 1024,
			MaxManifestBytes: 1 << 20,
		},
		Evidence: EvidenceConfig{
			MaxListLen:   1000,
			MaxStringLen: 4096,
			MaxDepth:     4,
		},
		Coordinator: CoordinatorConfig{
			MaxRetries:     2,
			MaxConcurrency: 2,
			BlockingFlags:  append([]string(nil), DefaultBlockingFlags...),
		},
		Storage: StorageConfig{
			InMemory:       true,
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName:     "autoeda",
			TraceExporter:   "none",
			MetricsExporter: "none",
		},
		Critic: CriticConfig{
			BaseURL:           "https://api.deepseek.com/v1",
			Model:             "deepseek-chat",
			APIKeyEnv:         "DEEPSEEK_API_KEY",
			RequestsPerSecond: 1,
			Timeout:           60 * time.Second,
			MaxTokens:         2048,
			Temperature:       0.2,
			Redact:            true,
		},
	}
}
