// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	serverURL  string
	actor      string

	rootCmd = &cobra.Command{
		Use:   "fairlens",
		Short: "A cli to run and query the Fairlens bias detection engine",
		Long: `Fairlens orchestrates multi-layer fairness analysis of
				therapeutic sessions: scoring, aggregation, alerting and
				compliance-grade audit trails.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the bias detection engine API server",
		RunE:  runServe,
	}

	analyzeCmd = &cobra.Command{
		Use:   "analyze [session.json...]",
		Short: "Submit session transcripts to a running engine for analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAnalyze, // Defined in client.go
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Report the health of a running engine",
		RunE:  runHealth, // Defined in client.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"config.yaml", "path to the configuration file")

	clientFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&serverURL, "server",
			"http://localhost:12310", "base URL of the running engine")
	}
	clientFlags(analyzeCmd)
	clientFlags(healthCmd)
	analyzeCmd.Flags().StringVar(&actor, "actor", "",
		"acting principal recorded in the audit trail")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(healthCmd)
}
