// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command autoeda runs generated analysis code in the sandbox and keeps
// a log of every attempt.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Completed with failed tasks or policy violations
	CLIExitError    = 2 // Operation failed
)

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	err := root.Execute()
	if err == nil {
		os.Exit(CLIExitSuccess)
	}
	var findings *findingsError
	if errors.As(err, &findings) {
		os.Exit(CLIExitFindings)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(CLIExitError)
}

// findingsError reports a completed command whose result is negative:
// failed tasks or rejected sources. It carries no message of its own.
type findingsError struct {
	count int
	what  string
}

func (e *findingsError) Error() string {
	return fmt.Sprintf("%d %s", e.count, e.what)
}
