// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pathguard checks that filesystem paths stay inside a root.
//
// Containment is decided on canonical paths: both sides are made
// absolute, symlinks are resolved (for paths that do not exist yet, the
// nearest existing ancestor is resolved and the remainder appended), and
// the result is compared with filepath.Rel. Prefix or substring matching
// is never used, so "/data/artifacts-evil" is not inside "/data/artifacts".
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path resolves outside the root.
var ErrOutsideRoot = errors.New("path resolves outside the artifacts root")

// Canonical returns the absolute, symlink-resolved form of path.
//
// Description:
//
//	If path does not exist, the longest existing ancestor is resolved and
//	the missing components are re-joined. ".." components are cleaned
//	lexically by filepath.Abs before any link is resolved.
//
// Outputs:
//
//	string - Canonical path.
//	error - Non-nil when the working directory or a link cannot be read.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path %s: %w", path, err)
	}

	existing := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Clean(filepath.Join(parts...)), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve %s: %w", existing, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return filepath.Clean(abs), nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}

// Within reports whether path canonically resolves inside root (or is
// root itself).
func Within(root, path string) (bool, error) {
	croot, err := Canonical(root)
	if err != nil {
		return false, err
	}
	cpath, err := Canonical(path)
	if err != nil {
		return false, err
	}
	return within(croot, cpath), nil
}

// Check returns the canonical path when it is inside root and an error
// wrapping ErrOutsideRoot otherwise.
func Check(root, path string) (string, error) {
	croot, err := Canonical(root)
	if err != nil {
		return "", err
	}
	cpath, err := Canonical(path)
	if err != nil {
		return "", err
	}
	if !within(croot, cpath) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return cpath, nil
}

// Resolve interprets p relative to base when it is not absolute and then
// applies Check against root.
func Resolve(root, base, p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return Check(root, p)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Escape describes a file under a root whose target leaves the root.
type Escape struct {
	Path   string
	Target string
}

// AuditTree walks root and returns every symlink whose target resolves
// outside root. Regular files are not followed.
func AuditTree(root string) ([]Escape, error) {
	croot, err := Canonical(root)
	if err != nil {
		return nil, err
	}
	var escapes []Escape
	err = filepath.WalkDir(croot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(p)
		if err != nil {
			return nil
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(p), target)
		}
		ctarget, err := Canonical(target)
		if err != nil || !within(croot, ctarget) {
			escapes = append(escapes, Escape{Path: p, Target: target})
		}
		return nil
	})
	return escapes, err
}
