// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
analysis:
  url: http://analysis:9000
`)
	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 12310, config.Server.Port)
	assert.Equal(t, 50.0, config.Analysis.RatePerSec)
	assert.InDelta(t, 0.25, config.Engine.Weights["model"], 1e-9)
	assert.Equal(t, "info", config.Log.Level)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
analysis:
  url: http://from-file:9000
`)
	t.Setenv("FAIRLENS_PORT", "8123")
	t.Setenv("FAIRLENS_ANALYSIS_URL", "http://from-env:9000")
	t.Setenv("FAIRLENS_DATA_DIR", "/var/lib/fairlens")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8123, config.Server.Port)
	assert.Equal(t, "http://from-env:9000", config.Analysis.URL)
	assert.Equal(t, filepath.Join("/var/lib/fairlens", "cache"), config.dataPath("cache"))
}

func TestLoadConfigRequiresAnalysisURL(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis.url")
}

func TestLoadConfigRejectsBadWeights(t *testing.T) {
	path := writeConfig(t, `
analysis:
  url: http://analysis:9000
engine:
  weights:
    preprocessing: 0.4
    model: 0.3
    interactive: 0.2
    evaluation: 0.2
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights")
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FAIRLENS_ANALYSIS_URL", "http://from-env:9000")

	config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:9000", config.Analysis.URL)
	assert.Equal(t, "", config.dataPath("cache"), "no data dir means in-memory stores")
}
