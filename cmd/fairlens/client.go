// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

var cliHTTP = &http.Client{Timeout: 60 * time.Second}

// runAnalyze submits each session file to a running engine and prints
// the scores.
func runAnalyze(cmd *cobra.Command, args []string) error {
	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		// Validate locally before shipping so a typo'd file gives a
		// usable message instead of a server 400.
		var session datatypes.TherapeuticSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return fmt.Errorf("%s is not a session transcript: %w", path, err)
		}

		req, err := http.NewRequest(http.MethodPost, serverURL+"/v1/analyze", bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if actor != "" {
			req.Header.Set("X-Fairlens-Actor", actor)
		}

		resp, err := cliHTTP.Do(req)
		if err != nil {
			return fmt.Errorf("reaching engine at %s: %w", serverURL, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: engine returned %d: %s", path, resp.StatusCode, body)
		}
		var result datatypes.BiasAnalysisResult
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("decoding result for %s: %w", path, err)
		}
		printResult(path, &result)
	}
	return nil
}

func printResult(path string, result *datatypes.BiasAnalysisResult) {
	fmt.Printf("%s (session %s)\n", path, result.SessionID)
	fmt.Printf("  overall bias score: %.4f (confidence %.2f)\n",
		result.OverallScore, result.Confidence)
	for _, layer := range datatypes.AllLayers() {
		lr := result.Layers[layer]
		marker := ""
		if lr.Degraded {
			marker = "  [degraded]"
		}
		fmt.Printf("  %-14s %.4f%s\n", layer, lr.Score, marker)
	}
	if result.Fallback {
		fmt.Println("  WARNING: analysis service unreachable, scores are neutral placeholders")
	}
}

// runHealth prints the engine's aggregate health report.
func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := cliHTTP.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("reaching engine at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("unexpected health payload: %s", body)
	}
	fmt.Println(pretty.String())
	return nil
}
