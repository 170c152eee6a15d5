// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command datahub runs and operates the data hub.
//
// "datahub serve" starts the daemon: it opens the local badger store,
// wires the scheduler with the configured sources and builds, starts
// the periodic pipeline, and serves the trigger API.
//
// All other subcommands are thin HTTP clients against a running
// daemon, so operators can trigger and inspect the pipeline without
// touching the store directly.
//
// # Environment Variables
//
//   - DATAHUB_SERVER: daemon URL for client subcommands (default: http://localhost:8085)
//   - DATAHUB_CONFIG: config file path for serve (default: datahub.yaml)
//
// # Usage
//
//	datahub serve --config datahub.yaml
//	datahub upload entrez
//	datahub build genes
//	datahub publish genes
//	datahub rollback genes
//	datahub status jobs --build genes
package main

import (
	"log"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
