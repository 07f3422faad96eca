// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		assert.Contains(t, icon.Render(), string(icon))
	}
}

func TestNewPrinter_BufferIsPlain(t *testing.T) {
	assert.True(t, NewPrinter(&bytes.Buffer{}).Plain())
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}

func TestIsTerminal_RegularFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	assert.False(t, IsTerminal(f))
}

func TestPrinter_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Title("ignored")
	p.Status(IconSuccess, "fare", "accepted", "1 attempt")
	p.Status(IconError, "net", "failed")
	p.Info("SecurityViolation: import of module 'socket' is not allowed")
	p.Error("store closed")
	p.Box("Config", "defaults")
	p.Summary(1, 1, 2)

	want := "OK\tfare\taccepted\t1 attempt\n" +
		"FAIL\tnet\tfailed\n" +
		"\tSecurityViolation: import of module 'socket' is not allowed\n" +
		"ERROR: store closed\n" +
		"Config: defaults\n" +
		"SUMMARY: accepted=1 failed=1 total=2\n"
	assert.Equal(t, want, buf.String())
}

func TestPrinter_StyledContainsText(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{w: &buf}

	p.Title("autoeda run")
	p.Status(IconWarning, "fare", "accepted")
	p.Summary(3, 0, 3)

	out := buf.String()
	assert.Contains(t, out, "autoeda run")
	assert.Contains(t, out, "fare")
	assert.Contains(t, out, "accepted")
}
