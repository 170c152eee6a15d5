// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath  string
	serverURL   string
	logLevel    string
	logDir      string
	jobsType    string
	jobsSource  string
	jobsBuild   string
	jobsState   string

	rootCmd = &cobra.Command{
		Use:   "datahub",
		Short: "A cli to run and operate the data hub",
		Long: `Datahub ingests versioned upstream sources, merges them into
builds, and publishes incremental diffs to a serving backend with
zero-downtime pointer swaps.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the hub daemon (scheduler, periodic pipeline, trigger API)",
		Run:   runServe, // Defined in serve.go
	}

	uploadCmd = &cobra.Command{
		Use:   "upload [source]",
		Short: "Trigger an upload for a configured source",
		Args:  cobra.ExactArgs(1),
		Run:   runUpload, // Defined in client.go
	}

	buildCmd = &cobra.Command{
		Use:   "build [name]",
		Short: "Trigger a merged build",
		Args:  cobra.ExactArgs(1),
		Run:   runBuild, // Defined in client.go
	}

	publishCmd = &cobra.Command{
		Use:   "publish [name]",
		Short: "Diff and publish the latest ready build",
		Args:  cobra.ExactArgs(1),
		Run:   runPublish, // Defined in client.go
	}

	rollbackCmd = &cobra.Command{
		Use:   "rollback [name]",
		Short: "Swap the live pointer back to the previous release",
		Args:  cobra.ExactArgs(1),
		Run:   runRollback, // Defined in client.go
	}

	// --- Status / Inspection ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Inspect jobs, sources, builds, and releases",
	}
	statusJobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, optionally filtered",
		Run:   runStatusJobs, // Defined in client.go
	}
	statusJobCmd = &cobra.Command{
		Use:   "job [id]",
		Short: "Show one job and its transition log",
		Args:  cobra.ExactArgs(1),
		Run:   runStatusJob, // Defined in client.go
	}
	statusSourceCmd = &cobra.Command{
		Use:   "source [name]",
		Short: "Show the last successful upload for a source",
		Args:  cobra.ExactArgs(1),
		Run:   runStatusSource, // Defined in client.go
	}
	statusReleasesCmd = &cobra.Command{
		Use:   "releases [build]",
		Short: "Show the live release and history for a build",
		Args:  cobra.ExactArgs(1),
		Run:   runStatusReleases, // Defined in client.go
	}
)

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", getEnvString("DATAHUB_CONFIG", "datahub.yaml"), "Config file path")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "Directory for JSON log files (stderr only when empty)")

	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		getEnvString("DATAHUB_SERVER", "http://localhost:8085"), "Daemon URL for client commands")

	statusJobsCmd.Flags().StringVar(&jobsType, "type", "", "Filter by job type (upload, build, diff, publish)")
	statusJobsCmd.Flags().StringVar(&jobsSource, "source", "", "Filter by source name")
	statusJobsCmd.Flags().StringVar(&jobsBuild, "build", "", "Filter by build name")
	statusJobsCmd.Flags().StringVar(&jobsState, "state", "", "Filter by job state")

	statusCmd.AddCommand(statusJobsCmd, statusJobCmd, statusSourceCmd, statusReleasesCmd)
	rootCmd.AddCommand(serveCmd, uploadCmd, buildCmd, publishCmd, rollbackCmd, statusCmd)
}
