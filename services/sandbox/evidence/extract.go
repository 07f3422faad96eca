// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evidence turns a raw manifest into schema-validated evidence.
//
// Extraction never fails as a whole. Each schema key is looked up,
// type-checked and deep-copied on its own; keys that are absent or do
// not match are reported in Evidence.Missing and the rest are kept.
package evidence

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/autoeda/services/sandbox/config"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/pathguard"
)

// UnserializableKey marks values the harness could not encode.
const UnserializableKey = "__unserializable__"

// Options bound what is copied into evidence.
type Options struct {
	// ArtifactsRoot is the root every path field must resolve inside.
	ArtifactsRoot string

	// BaseDir resolves relative path fields. Usually the attempt's
	// output directory.
	BaseDir string

	// MaxListLen, MaxStringLen and MaxDepth bound copied values.
	// Zero disables the bound.
	MaxListLen   int
	MaxStringLen int
	MaxDepth     int
}

// NewOptions builds Options from configuration.
func NewOptions(cfg config.EvidenceConfig, artifactsRoot, baseDir string) Options {
	return Options{
		ArtifactsRoot: artifactsRoot,
		BaseDir:       baseDir,
		MaxListLen:    cfg.MaxListLen,
		MaxStringLen:  cfg.MaxStringLen,
		MaxDepth:      cfg.MaxDepth,
	}
}

// Reason codes used in MissingField.Reason prefixes and metrics.
const (
	reasonAbsent         = "absent"
	reasonNull           = "null"
	reasonType           = "type_mismatch"
	reasonUnserializable = "unserializable"
	reasonTooLarge       = "too_large"
	reasonOutsideRoot    = "outside_root"
	reasonNotFound       = "not_found"
)

type mismatch struct {
	code   string
	detail string
}

func (m *mismatch) reason() string {
	if m.detail == "" {
		return m.code
	}
	return m.code + ": " + m.detail
}

// Extract validates manifest against schema.
//
// Description:
//
//	Keys are processed in sorted order. A key is first looked up
//	verbatim, then as a dotted path through nested mappings and lists
//	("charts.0.axis.x"). JSON numbers become int64 when integral and
//	float64 otherwise. Values carrying the unserializable marker, lists
//	or strings over the bounds and nesting deeper than MaxDepth count as
//	type mismatches. Path fields must name an existing file inside the
//	artifacts root.
//
// Inputs:
//
//	manifest - Raw manifest. May be nil, in which case every key is absent.
//	schema - Expected keys and types.
//	opts - Bounds and the artifacts root.
//
// Outputs:
//
//	*datatypes.Evidence - Never nil. Fields holds deep copies only.
//
// Thread Safety: Pure apart from filesystem stat calls for path fields.
func Extract(manifest datatypes.Manifest, schema datatypes.ManifestSchema, opts Options) *datatypes.Evidence {
	ev := &datatypes.Evidence{Fields: make(map[string]any, len(schema))}
	codes := make(map[string]int)

	for _, key := range schema.Keys() {
		raw, found := lookup(manifest, key)
		var (
			val any
			m   *mismatch
		)
		switch {
		case !found:
			m = &mismatch{code: reasonAbsent}
		case raw == nil:
			m = &mismatch{code: reasonNull}
		default:
			val, m = convert(raw, schema[key], opts)
		}
		if m != nil {
			ev.Missing = append(ev.Missing, datatypes.MissingField{Key: key, Reason: m.reason()})
			codes[m.code]++
			continue
		}
		ev.Fields[key] = val
	}

	recordExtraction(len(ev.Fields), codes)
	return ev
}

// OutputKeyPrefix prefixes Missing keys for absent expected outputs.
const OutputKeyPrefix = "output:"

// CheckOutputs records every expected output that was not produced.
//
// Each path resolves like a path field. Files that are missing or
// outside the artifacts root are added to ev.Missing under
// OutputKeyPrefix+path, keeping Missing sorted.
func CheckOutputs(ev *datatypes.Evidence, expected []string, opts Options) {
	if ev == nil || len(expected) == 0 {
		return
	}
	codes := make(map[string]int)
	for _, p := range expected {
		if _, m := convert(p, datatypes.FieldPath, opts); m != nil {
			ev.Missing = append(ev.Missing, datatypes.MissingField{Key: OutputKeyPrefix + p, Reason: m.reason()})
			codes[m.code]++
		}
	}
	if len(codes) == 0 {
		return
	}
	sort.SliceStable(ev.Missing, func(i, j int) bool { return ev.Missing[i].Key < ev.Missing[j].Key })
	recordExtraction(0, codes)
}

// lookup finds key verbatim or as a dotted path.
func lookup(manifest datatypes.Manifest, key string) (any, bool) {
	if manifest == nil {
		return nil, false
	}
	if v, ok := manifest[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}

	var cur any = map[string]any(manifest)
	for _, seg := range strings.Split(key, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case datatypes.Manifest:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// convert type-checks raw against want and returns a deep copy.
func convert(raw any, want datatypes.FieldType, opts Options) (any, *mismatch) {
	if name, ok := unserializable(raw); ok {
		return nil, &mismatch{code: reasonUnserializable, detail: name}
	}

	switch want {
	case datatypes.FieldNumber:
		n, ok := number(raw)
		if !ok {
			return nil, typeMismatch(want, raw)
		}
		return n, nil

	case datatypes.FieldBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, typeMismatch(want, raw)
		}
		return b, nil

	case datatypes.FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, typeMismatch(want, raw)
		}
		if opts.MaxStringLen > 0 && len(s) > opts.MaxStringLen {
			return nil, &mismatch{code: reasonTooLarge, detail: fmt.Sprintf("string of %d bytes exceeds %d", len(s), opts.MaxStringLen)}
		}
		return s, nil

	case datatypes.FieldPath:
		s, ok := raw.(string)
		if !ok || s == "" {
			return nil, typeMismatch(want, raw)
		}
		resolved, err := pathguard.Resolve(opts.ArtifactsRoot, opts.BaseDir, s)
		if err != nil {
			return nil, &mismatch{code: reasonOutsideRoot, detail: s}
		}
		info, err := os.Stat(resolved)
		if err != nil || !info.Mode().IsRegular() {
			return nil, &mismatch{code: reasonNotFound, detail: s}
		}
		return resolved, nil

	case datatypes.FieldList:
		if _, ok := raw.([]any); !ok {
			return nil, typeMismatch(want, raw)
		}
		return copyValue(raw, 1, opts)

	case datatypes.FieldMapping:
		if !isMapping(raw) {
			return nil, typeMismatch(want, raw)
		}
		return copyValue(raw, 1, opts)
	}
	return nil, &mismatch{code: reasonType, detail: fmt.Sprintf("unknown field type %q", want)}
}

// copyValue deep-copies JSON-like data, normalising numbers.
func copyValue(raw any, depth int, opts Options) (any, *mismatch) {
	if opts.MaxDepth > 0 && depth > opts.MaxDepth {
		return nil, &mismatch{code: reasonTooLarge, detail: fmt.Sprintf("nesting exceeds depth %d", opts.MaxDepth)}
	}
	if name, ok := unserializable(raw); ok {
		return nil, &mismatch{code: reasonUnserializable, detail: name}
	}

	switch v := raw.(type) {
	case nil, bool:
		return v, nil
	case string:
		if opts.MaxStringLen > 0 && len(v) > opts.MaxStringLen {
			return nil, &mismatch{code: reasonTooLarge, detail: fmt.Sprintf("string of %d bytes exceeds %d", len(v), opts.MaxStringLen)}
		}
		return v, nil
	case []any:
		if opts.MaxListLen > 0 && len(v) > opts.MaxListLen {
			return nil, &mismatch{code: reasonTooLarge, detail: fmt.Sprintf("list of %d items exceeds %d", len(v), opts.MaxListLen)}
		}
		out := make([]any, len(v))
		for i, item := range v {
			c, m := copyValue(item, depth+1, opts)
			if m != nil {
				return nil, m
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		return copyMap(v, depth, opts)
	case datatypes.Manifest:
		return copyMap(v, depth, opts)
	}
	if n, ok := number(raw); ok {
		return n, nil
	}
	return nil, &mismatch{code: reasonType, detail: fmt.Sprintf("unsupported value of type %T", raw)}
}

func copyMap(v map[string]any, depth int, opts Options) (any, *mismatch) {
	out := make(map[string]any, len(v))
	for k, item := range v {
		c, m := copyValue(item, depth+1, opts)
		if m != nil {
			return nil, m
		}
		out[k] = c
	}
	return out, nil
}

// number normalises the numeric types a manifest can carry.
func number(raw any) (any, bool) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		f, err := v.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v), true
		}
		return v, true
	case float32:
		return number(float64(v))
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return float64(v), true
		}
		return int64(v), true
	}
	return nil, false
}

func isMapping(raw any) bool {
	switch raw.(type) {
	case map[string]any, datatypes.Manifest:
		return true
	}
	return false
}

func unserializable(raw any) (string, bool) {
	var m map[string]any
	switch v := raw.(type) {
	case map[string]any:
		m = v
	case datatypes.Manifest:
		m = v
	default:
		return "", false
	}
	name, ok := m[UnserializableKey]
	if !ok {
		return "", false
	}
	return fmt.Sprint(name), true
}

func typeMismatch(want datatypes.FieldType, raw any) *mismatch {
	return &mismatch{code: reasonType, detail: fmt.Sprintf("expected %s, got %s", want, describe(raw))}
}

func describe(raw any) string {
	switch raw.(type) {
	case bool:
		return "bool"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any, datatypes.Manifest:
		return "mapping"
	}
	if _, ok := number(raw); ok {
		return "number"
	}
	return fmt.Sprintf("%T", raw)
}

// Number reads a numeric evidence field as float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	c, ok := number(v)
	if !ok {
		return 0, false
	}
	return Number(c)
}
