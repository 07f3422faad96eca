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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// errQuotaExceeded is reported when an attempt writes more than its
// artifact budget.
var errQuotaExceeded = errors.New("artifact quota exceeded")

// quotaWatcher follows writes under an output directory with fsnotify and
// calls onExceed once when the total size or file count goes over budget.
//
// Sizes are sampled from Lstat on each event, so the accounting is
// approximate between events and exact after the writer stops. Per-file
// size is bounded separately by RLIMIT_FSIZE.
type quotaWatcher struct {
	watcher  *fsnotify.Watcher
	maxBytes int64
	maxFiles int
	onExceed func(error)

	mu       sync.Mutex
	sizes    map[string]int64
	baseline map[string]int64
	exceeded error
	done     chan struct{}
}

// newQuotaWatcher starts watching dir and every existing subdirectory.
// Files already present are the baseline and do not count against the
// budget unless they grow.
func newQuotaWatcher(dir string, maxBytes int64, maxFiles int, onExceed func(error)) (*quotaWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	q := &quotaWatcher{
		watcher:  w,
		maxBytes: maxBytes,
		maxFiles: maxFiles,
		onExceed: onExceed,
		sizes:    make(map[string]int64),
		baseline: make(map[string]int64),
		done:     make(chan struct{}),
	}

	err = filepath.Walk(dir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if info.IsDir() {
			return w.Add(p)
		}
		q.baseline[p] = info.Size()
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	go q.run()
	return q, nil
}

func (q *quotaWatcher) run() {
	defer close(q.done)
	for {
		select {
		case ev, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			q.handle(ev)
		case _, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (q *quotaWatcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		q.mu.Lock()
		delete(q.sizes, ev.Name)
		q.mu.Unlock()
		return
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
	default:
		return
	}

	info, err := os.Lstat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		_ = q.watcher.Add(ev.Name)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	size := info.Size() - q.baseline[ev.Name]
	if size < 0 {
		size = 0
	}
	q.sizes[ev.Name] = size
	if q.exceeded != nil {
		return
	}

	var total int64
	for _, s := range q.sizes {
		total += s
	}
	switch {
	case q.maxBytes > 0 && total > q.maxBytes:
		q.exceeded = fmt.Errorf("%w: %d bytes written, limit %d", errQuotaExceeded, total, q.maxBytes)
	case q.maxFiles > 0 && len(q.sizes) > q.maxFiles:
		q.exceeded = fmt.Errorf("%w: %d files written, limit %d", errQuotaExceeded, len(q.sizes), q.maxFiles)
	}
	if q.exceeded != nil && q.onExceed != nil {
		go q.onExceed(q.exceeded)
	}
}

// Close stops the watcher and returns the quota error, if any.
func (q *quotaWatcher) Close() error {
	_ = q.watcher.Close()
	<-q.done
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exceeded
}
