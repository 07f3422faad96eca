// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/autoeda/pkg/logging"
	"github.com/AleutianAI/autoeda/services/sandbox/config"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
)

var (
	// ErrDuplicateAttempt is returned when (run, task, attempt) already
	// exists.
	ErrDuplicateAttempt = errors.New("attempt already recorded")

	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("execution log is closed")
)

const keyPrefix = "result/"

// Store is the append-only execution log.
//
// Thread Safety: Safe for concurrent use. Concurrent appends of the same
// (run, task, attempt) resolve to one success and one ErrDuplicateAttempt.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens the log described by cfg.
//
// Inputs:
//
//	cfg - Storage settings. InMemory skips the disk; GCInterval > 0
//	      starts periodic value log GC for persistent logs.
//	logger - Logger; nil uses logging.Nop().
//
// Outputs:
//
//	*Store - Open store. Call Close when done.
//	error - When the database cannot be opened.
func Open(cfg config.StorageConfig, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	db, err := openBadger(cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		gc, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create gc runner: %w", err)
		}
		s.gc = gc
		gc.start()
	}
	return s, nil
}

// Close stops GC and closes the database. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func resultKey(runID, taskID string, attempt int) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%06d", keyPrefix, runID, taskID, attempt))
}

func runPrefix(runID string) []byte {
	return []byte(keyPrefix + runID + "/")
}

func taskPrefix(runID, taskID string) []byte {
	return []byte(keyPrefix + runID + "/" + taskID + "/")
}

// parseKey splits a key into run id, task id and attempt.
func parseKey(key []byte) (runID, taskID string, attempt int, ok bool) {
	rest, found := strings.CutPrefix(string(key), keyPrefix)
	if !found {
		return "", "", 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", 0, false
	}
	attempt, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, false
	}
	return parts[0], parts[1], attempt, true
}

func checkSegment(what, id string) error {
	if id == "" {
		return fmt.Errorf("append: result needs a %s id", what)
	}
	if strings.ContainsRune(id, '/') {
		return fmt.Errorf("append: %s id %q contains '/'", what, id)
	}
	return nil
}

// Append records one attempt.
//
// Outputs:
//
//	error - ErrDuplicateAttempt when the key exists, ErrClosed after
//	        Close, or a storage error.
func (s *Store) Append(ctx context.Context, r *datatypes.ExecutionResult) error {
	if r == nil || r.Attempt < 1 {
		return errors.New("append: result needs attempt >= 1")
	}
	if err := checkSegment("run", r.RunID); err != nil {
		return err
	}
	if err := checkSegment("task", r.TaskID); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	key := resultKey(r.RunID, r.TaskID, r.Attempt)
	err = withTxn(ctx, s.db, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateAttempt
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = ErrDuplicateAttempt
	}
	if err != nil {
		return fmt.Errorf("append %s/%s#%d: %w", r.RunID, r.TaskID, r.Attempt, err)
	}
	s.logger.Debug("execution result appended",
		"run_id", r.RunID,
		"task_id", r.TaskID,
		"attempt", r.Attempt,
		"bytes", len(data),
	)
	return nil
}

// Get returns one attempt.
func (s *Store) Get(ctx context.Context, runID, taskID string, attempt int) (*datatypes.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out *datatypes.ExecutionResult
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(runID, taskID, attempt))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out, err = decode(val)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s#%d: %w", runID, taskID, attempt, err)
	}
	return out, nil
}

// ListTask returns every attempt of taskID within runID, in attempt order.
func (s *Store) ListTask(ctx context.Context, runID, taskID string) ([]*datatypes.ExecutionResult, error) {
	return s.collect(ctx, taskPrefix(runID, taskID))
}

// ListRun returns every attempt of runID in task/attempt order.
func (s *Store) ListRun(ctx context.Context, runID string) ([]*datatypes.ExecutionResult, error) {
	return s.collect(ctx, runPrefix(runID))
}

// List returns every record in key order.
func (s *Store) List(ctx context.Context) ([]*datatypes.ExecutionResult, error) {
	return s.collect(ctx, []byte(keyPrefix))
}

// Latest returns the highest attempt of taskID within runID.
func (s *Store) Latest(ctx context.Context, runID, taskID string) (*datatypes.ExecutionResult, error) {
	all, err := s.ListTask(ctx, runID, taskID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("latest %s/%s: %w", runID, taskID, ErrNotFound)
	}
	return all[len(all)-1], nil
}

// Runs returns the distinct run ids in key order, oldest first for
// UUIDv7 ids. Values are not read.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	var runs []string
	err := s.keys(ctx, []byte(keyPrefix), func(runID, _ string, _ int) {
		if len(runs) == 0 || runs[len(runs)-1] != runID {
			runs = append(runs, runID)
		}
	})
	return runs, err
}

// LatestRun returns the last run id in key order.
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	runs, err := s.Runs(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return runs[len(runs)-1], nil
}

// Tasks returns the distinct task ids of runID in key order. Values are
// not read.
func (s *Store) Tasks(ctx context.Context, runID string) ([]string, error) {
	var tasks []string
	err := s.keys(ctx, runPrefix(runID), func(_, taskID string, _ int) {
		if len(tasks) == 0 || tasks[len(tasks)-1] != taskID {
			tasks = append(tasks, taskID)
		}
	})
	return tasks, err
}

// WriteJSONL writes records as JSON lines, in key order. An empty runID
// exports every run.
func (s *Store) WriteJSONL(ctx context.Context, w io.Writer, runID string) (int, error) {
	prefix := []byte(keyPrefix)
	if runID != "" {
		prefix = runPrefix(runID)
	}
	bw := bufio.NewWriter(w)
	n := 0
	err := s.scan(ctx, prefix, func(r *datatypes.ExecutionResult) error {
		line, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, bw.Flush()
}

func (s *Store) collect(ctx context.Context, prefix []byte) ([]*datatypes.ExecutionResult, error) {
	var out []*datatypes.ExecutionResult
	err := s.scan(ctx, prefix, func(r *datatypes.ExecutionResult) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// keys walks the keys under prefix without reading values.
func (s *Store) keys(ctx context.Context, prefix []byte, fn func(runID, taskID string, attempt int)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			runID, taskID, attempt, ok := parseKey(it.Item().Key())
			if !ok {
				continue
			}
			fn(runID, taskID, attempt)
		}
		return nil
	})
}

func (s *Store) scan(ctx context.Context, prefix []byte, fn func(*datatypes.ExecutionResult) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var r *datatypes.ExecutionResult
			err := item.Value(func(val []byte) error {
				var derr error
				r, derr = decode(val)
				return derr
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	})
}

func decode(val []byte) (*datatypes.ExecutionResult, error) {
	var r datatypes.ExecutionResult
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
