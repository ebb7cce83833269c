// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/fairlens-ai/fairlens/services/engine"
)

// Config is the top-level deployment configuration, loaded from YAML
// with environment variable overrides for containerized deployments.
type Config struct {
	Server struct {
		// Port the API listens on. Env: FAIRLENS_PORT. Default: 12310.
		Port int `yaml:"port"`
	} `yaml:"server"`

	Analysis struct {
		// URL of the external analysis service.
		// Env: FAIRLENS_ANALYSIS_URL.
		URL string `yaml:"url"`

		// RatePerSec caps outbound layer calls. Default: 50.
		RatePerSec float64 `yaml:"rate_per_sec"`
	} `yaml:"analysis"`

	// Engine carries layer weights, thresholds and timeouts.
	Engine engine.Config `yaml:"engine"`

	Data struct {
		// Dir is the base directory for badger stores. Empty runs
		// everything in memory (development only).
		// Env: FAIRLENS_DATA_DIR.
		Dir string `yaml:"dir"`
	} `yaml:"data"`

	Alerts struct {
		// RulesPath is the alert rules YAML, hot-reloaded on change.
		RulesPath string `yaml:"rules_path"`
	} `yaml:"alerts"`

	Influx struct {
		// URL enables historical metric export when non-empty.
		URL    string `yaml:"url"`
		Token  string `yaml:"token"` // Env: INFLUXDB_TOKEN
		Org    string `yaml:"org"`
		Bucket string `yaml:"bucket"`
	} `yaml:"influx"`

	Slack struct {
		// Token enables the Slack alert sink when non-empty.
		Token   string `yaml:"token"` // Env: SLACK_BOT_TOKEN
		Channel string `yaml:"channel"`
	} `yaml:"slack"`

	Otel struct {
		// Endpoint of the OTLP gRPC collector. Empty disables tracing.
		// Env: OTEL_EXPORTER_OTLP_ENDPOINT.
		Endpoint string `yaml:"endpoint"`
	} `yaml:"otel"`

	Log struct {
		// Level is debug, info, warn or error. Default: info.
		Level string `yaml:"level"`

		// Dir enables JSON file logging when non-empty.
		Dir string `yaml:"dir"`
	} `yaml:"log"`
}

// LoadConfig reads the YAML file at path (missing file means all
// defaults), applies environment overrides and validates.
func LoadConfig(path string) (Config, error) {
	var config Config

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &config); err != nil {
			return config, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults plus env overrides.
	default:
		return config, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if config.Analysis.URL == "" {
		return config, fmt.Errorf("analysis.url is required (or set FAIRLENS_ANALYSIS_URL)")
	}
	if err := config.Engine.Validate(); err != nil {
		return config, fmt.Errorf("engine configuration: %w", err)
	}
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("FAIRLENS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("FAIRLENS_ANALYSIS_URL"); v != "" {
		config.Analysis.URL = v
	}
	if v := os.Getenv("FAIRLENS_DATA_DIR"); v != "" {
		config.Data.Dir = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		config.Influx.Token = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		config.Slack.Token = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		config.Otel.Endpoint = v
	}
}

func applyDefaults(config *Config) {
	if config.Server.Port <= 0 {
		config.Server.Port = 12310
	}
	if config.Analysis.RatePerSec <= 0 {
		config.Analysis.RatePerSec = 50
	}
	defaults := engine.DefaultConfig()
	if len(config.Engine.Weights) == 0 {
		config.Engine.Weights = defaults.Weights
	}
	if config.Engine.Thresholds == (engine.SeverityThresholds{}) {
		config.Engine.Thresholds = defaults.Thresholds
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
}

// dataPath returns the badger directory for one store, or "" for the
// in-memory mode when no data dir is configured.
func (c Config) dataPath(store string) string {
	if c.Data.Dir == "" {
		return ""
	}
	return filepath.Join(c.Data.Dir, store)
}
