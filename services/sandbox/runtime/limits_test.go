// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package runtime

import (
	"os/exec"
	goruntime "runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestApplyLimits_SupportedOnLinux verifies prlimit support is reported
// per platform: only non-linux builds return errUnsupportedLimits.
func TestApplyLimits_SupportedOnLinux(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(sleep, "10")
	cmd.SysProcAttr = sysProcAttr()
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = killGroup(cmd.Process.Pid)
		_ = cmd.Wait()
	})

	err = applyLimits(cmd.Process.Pid, limits{cpuSeconds: 5})
	if goruntime.GOOS == "linux" {
		assert.NoError(t, err)
		return
	}
	assert.ErrorIs(t, err, errUnsupportedLimits)
}
