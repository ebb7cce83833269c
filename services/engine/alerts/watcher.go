// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package alerts

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RuleWatcher hot-reloads the rules file when it changes on disk.
//
// # Description
//
// Watches the parent directory rather than the file itself so editors
// that replace the file (rename + create) keep being observed. Reload
// failures keep the previous rule set active.
//
// # Thread Safety
//
// Start should only be called once; run it in a goroutine.
type RuleWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	system  *System
}

// NewRuleWatcher creates a watcher that pushes reloaded rules into system.
func NewRuleWatcher(path string, system *System) (*RuleWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RuleWatcher{
		path:    path,
		watcher: watcher,
		system:  system,
	}, nil
}

// Start blocks watching for rule file changes until ctx is cancelled.
func (w *RuleWatcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("failed to watch rules directory",
			"dir", dir,
			"error", err)
		return
	}
	slog.Debug("watching alert rules file", "path", w.path)

	// Editors emit bursts of events per save; coalesce with a short timer.
	var debounce *time.Timer
	reload := func() {
		rules, err := LoadRules(w.path)
		if err != nil {
			slog.Error("rules reload failed, keeping previous rules",
				"path", w.path,
				"error", err)
			return
		}
		w.system.ReplaceRules(rules)
		slog.Info("alert rules reloaded", "path", w.path, "rules", len(rules))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("rules watcher error", "error", err)
		}
	}
}
