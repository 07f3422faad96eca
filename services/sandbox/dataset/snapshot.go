// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset pins the input table for a run.
//
// A Snapshot records the digest and shape of the CSV at open time. Every
// execution receives its own read-only copy, and the copy is re-hashed
// while it is written so a dataset modified after Open is detected
// instead of silently analysed.
package dataset

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrDatasetTooLarge is returned when the row or column guard is exceeded.
	ErrDatasetTooLarge = errors.New("dataset exceeds size guards")

	// ErrDatasetChanged is returned when a copy no longer matches the digest.
	ErrDatasetChanged = errors.New("dataset changed since snapshot")

	// ErrEmptyDataset is returned for a file without a header row.
	ErrEmptyDataset = errors.New("dataset has no header row")
)

// CopyName is the file name of the per-run dataset copy.
const CopyName = "dataset.csv"

// Guards bound the accepted dataset shape. Zero disables a guard.
type Guards struct {
	MaxRows    int
	MaxColumns int
}

// Snapshot is an immutable description of the input dataset.
type Snapshot struct {
	Path    string   `json:"path"`
	Digest  string   `json:"digest"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
	Bytes   int64    `json:"bytes"`
}

// Open streams the CSV at path, counts rows, enforces guards and
// computes the sha256 digest.
//
// Inputs:
//
//	path - CSV file with a header row.
//	guards - Row and column limits.
//
// Outputs:
//
//	*Snapshot - Shape and digest of the file.
//	error - Wraps ErrDatasetTooLarge, ErrEmptyDataset or an I/O/CSV error.
func Open(path string, guards Guards) (*Snapshot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("dataset path %s: %w", path, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	counter := &countingWriter{}
	r := csv.NewReader(io.TeeReader(f, io.MultiWriter(hasher, counter)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyDataset
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	columns := append([]string(nil), header...)
	if guards.MaxColumns > 0 && len(columns) > guards.MaxColumns {
		return nil, fmt.Errorf("%w: %d columns, limit %d", ErrDatasetTooLarge, len(columns), guards.MaxColumns)
	}

	rows := 0
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset row %d: %w", rows+1, err)
		}
		rows++
		if guards.MaxRows > 0 && rows > guards.MaxRows {
			return nil, fmt.Errorf("%w: more than %d rows", ErrDatasetTooLarge, guards.MaxRows)
		}
	}
	// Drain anything the CSV reader did not consume so the digest covers
	// the whole file.
	if _, err := io.Copy(io.MultiWriter(hasher, counter), f); err != nil {
		return nil, fmt.Errorf("hash dataset: %w", err)
	}

	return &Snapshot{
		Path:    abs,
		Digest:  hex.EncodeToString(hasher.Sum(nil)),
		Rows:    rows,
		Columns: columns,
		Bytes:   counter.n,
	}, nil
}

// CopyTo writes a read-only copy of the dataset into dir and verifies
// its digest.
//
// Outputs:
//
//	string - Path of the copy (dir/dataset.csv).
//	error - Wraps ErrDatasetChanged when the source no longer matches.
func (s *Snapshot) CopyTo(dir string) (string, error) {
	src, err := os.Open(s.Path)
	if err != nil {
		return "", fmt.Errorf("open dataset: %w", err)
	}
	defer src.Close()

	dst := filepath.Join(dir, CopyName)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create dataset copy: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hasher), src); err != nil {
		out.Close()
		return "", fmt.Errorf("copy dataset: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close dataset copy: %w", err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != s.Digest {
		return "", fmt.Errorf("%w: digest %s, expected %s", ErrDatasetChanged, got[:12], s.Digest[:12])
	}
	if err := os.Chmod(dst, 0o444); err != nil {
		return "", fmt.Errorf("chmod dataset copy: %w", err)
	}
	return dst, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
