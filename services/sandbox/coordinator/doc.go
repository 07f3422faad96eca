// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator drives one analysis task through validation,
// execution, evidence extraction and linting, with a bounded revision
// loop.
//
// # State Machine
//
//	Pending ──► Validated ──► Executed ──► Linted ──► Final{accepted}
//	   ▲            │             │           │
//	   │            ▼             ▼           ▼
//	   └──────── Revised ◄────────┴───────────┘
//	                │
//	                └─► Final{failed}
//
// The loop is an explicit state value plus an attempt counter. A task
// makes at most MaxRetries+1 attempts.
//
//   - A policy violation, static or at run time, goes straight to
//     Final{failed}. The reviser is not asked.
//   - Syntax errors, runtime errors and timeouts are revised while
//     retries remain, otherwise Final{failed}.
//   - Blocking linter flags are revised while retries remain, otherwise
//     Final{accepted}: flags are advisory.
//   - A missing or malformed manifest is recorded as
//     ManifestValidationFailure and linting runs on the partial evidence.
//   - Sandbox failures (InternalFailure) end in Final{failed} at once.
//
// Every attempt is appended to the execution log before the next state
// is entered.
//
// # Concurrency
//
// RunAll runs independent tasks in parallel up to MaxConcurrency, all
// under one run id. Attempts of one task are sequential. Artifacts of
// attempt n of task t in run r land in <root>/<r>/<t>/attempt-<n>, and an
// existing directory there aborts the task rather than being replaced.
package coordinator
