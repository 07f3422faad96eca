// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaWatcher_Bytes(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan error, 1)
	q, err := newQuotaWatcher(dir, 100, 0, func(err error) { fired <- err })
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 200), 0o600))

	select {
	case err := <-fired:
		assert.True(t, errors.Is(err, errQuotaExceeded))
	case <-time.After(5 * time.Second):
		t.Fatal("quota callback not called")
	}
	assert.ErrorIs(t, q.Close(), errQuotaExceeded)
}

func TestQuotaWatcher_BaselineIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.bin"), make([]byte, 500), 0o600))

	q, err := newQuotaWatcher(dir, 100, 2, func(error) {})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), []byte("ok"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, q.Close())
}

func TestQuotaWatcher_FilesInSubdirectory(t *testing.T) {
	dir := t.TempDir()
	q, err := newQuotaWatcher(dir, 0, 2, func(error) {})
	require.NoError(t, err)

	sub := filepath.Join(dir, "plots")
	require.NoError(t, os.Mkdir(sub, 0o750))
	time.Sleep(100 * time.Millisecond)
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(sub, name), []byte("x"), 0o600))
	}

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.exceeded != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, q.Close(), errQuotaExceeded)
}
