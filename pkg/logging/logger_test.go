// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelStringsAndMapping(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.True(t, LevelDebug < LevelInfo)
	assert.True(t, LevelWarn < LevelError)
}

func TestFileLoggingWritesJSON(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "engine",
		Quiet:   true,
	})

	logger.Info("analysis started", "session_id", "s1")
	logger.Debug("suppressed below level", "session_id", "s1")
	require.NoError(t, logger.Close())

	filename := filepath.Join(dir, "engine_"+time.Now().Format("2006-01-02")+".log")
	raw, err := os.ReadFile(filename)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(raw, &entry), "file log must be one JSON object per line")
	assert.Equal(t, "analysis started", entry["msg"])
	assert.Equal(t, "s1", entry["session_id"])
	assert.Equal(t, "engine", entry["service"])
	assert.NotContains(t, string(raw), "suppressed below level")
}

func TestChildLoggerSharesFileHandle(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "engine", Quiet: true})

	child := logger.With("component", "collector")
	child.Warn("flush retry scheduled")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "close is idempotent")

	filename := filepath.Join(dir, "engine_"+time.Now().Format("2006-01-02")+".log")
	raw, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "collector")
}

func TestDefaultLoggerNeverNil(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger.Slog())
	assert.NoError(t, logger.Close())
}
