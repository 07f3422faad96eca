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
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the interpreter in its own process group so the whole
// group can be killed, and kills it if the supervisor dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// applyLimits sets rlimits on a running process with prlimit(2).
//
// Description:
//
//	Called between Start and the release of the start gate, so the
//	limits are in force before any analysis code runs. The interpreter
//	cannot raise them again because soft and hard limits are equal.
//
// Inputs:
//
//	pid - Process to limit.
//	l - Limits to apply. Zero fields are skipped.
//
// Outputs:
//
//	error - First prlimit failure.
func applyLimits(pid int, l limits) error {
	set := func(name string, resource int, value uint64) error {
		rl := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
			return fmt.Errorf("prlimit %s=%d: %w", name, value, err)
		}
		return nil
	}

	if l.addressSpace > 0 {
		if err := set("RLIMIT_AS", unix.RLIMIT_AS, l.addressSpace); err != nil {
			return err
		}
	}
	if l.cpuSeconds > 0 {
		if err := set("RLIMIT_CPU", unix.RLIMIT_CPU, l.cpuSeconds); err != nil {
			return err
		}
	}
	if l.fileSize > 0 {
		if err := set("RLIMIT_FSIZE", unix.RLIMIT_FSIZE, l.fileSize); err != nil {
			return err
		}
	}
	return set("RLIMIT_CORE", unix.RLIMIT_CORE, 0)
}

// readLimits returns the current soft limits of pid. Used by tests.
func readLimits(pid int) (limits, error) {
	var out limits
	var rl unix.Rlimit
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, nil, &rl); err != nil {
		return out, err
	}
	out.addressSpace = rl.Cur
	if err := unix.Prlimit(pid, unix.RLIMIT_CPU, nil, &rl); err != nil {
		return out, err
	}
	out.cpuSeconds = rl.Cur
	if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, nil, &rl); err != nil {
		return out, err
	}
	out.fileSize = rl.Cur
	return out, nil
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
