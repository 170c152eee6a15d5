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
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// TriggerResponse is the daemon's answer to a trigger request.
type TriggerResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Job    struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		State string `json:"state"`
	} `json:"job"`
}

// post sends a trigger and decodes the standard response envelope.
func post(path string) (int, TriggerResponse) {
	resp, err := httpClient.Post(serverURL+path, "application/json", nil)
	if err != nil {
		log.Fatalf("Cannot reach the hub at %s: %v", serverURL, err)
	}
	defer resp.Body.Close()

	var out TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("Unexpected response from the hub: %v", err)
	}
	return resp.StatusCode, out
}

// get fetches a path and returns the raw body for pretty-printing.
func get(path string) (int, []byte) {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		log.Fatalf("Cannot reach the hub at %s: %v", serverURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, body
}

// reportTrigger prints the outcome of one trigger request.
func reportTrigger(kind, name string, code int, out TriggerResponse) {
	switch code {
	case http.StatusAccepted:
		fmt.Printf("%s of %q accepted, job %s\n", kind, name, out.Job.ID)
		fmt.Printf("Follow it with: datahub status job %s\n", out.Job.ID)
	case http.StatusOK:
		fmt.Printf("%s of %q skipped: already up to date\n", kind, name)
	case http.StatusConflict:
		fmt.Printf("%s of %q rejected: a job for it is already in flight\n", kind, name)
	case http.StatusTooManyRequests:
		fmt.Printf("%s of %q rejected: trigger rate exceeded, try again shortly\n", kind, name)
	case http.StatusNotFound:
		log.Fatalf("%s of %q failed: no such name is configured", kind, name)
	default:
		log.Fatalf("%s of %q failed (%d): %s", kind, name, code, out.Error)
	}
}

func runUpload(cmd *cobra.Command, args []string) {
	name := args[0]
	code, out := post("/v1/hub/sources/" + url.PathEscape(name) + "/upload")
	reportTrigger("Upload", name, code, out)
}

func runBuild(cmd *cobra.Command, args []string) {
	name := args[0]
	code, out := post("/v1/hub/builds/" + url.PathEscape(name) + "/build")
	reportTrigger("Build", name, code, out)
}

func runPublish(cmd *cobra.Command, args []string) {
	name := args[0]
	code, out := post("/v1/hub/builds/" + url.PathEscape(name) + "/publish")
	reportTrigger("Publish", name, code, out)
}

func runRollback(cmd *cobra.Command, args []string) {
	name := args[0]
	code, out := post("/v1/hub/builds/" + url.PathEscape(name) + "/rollback")
	switch code {
	case http.StatusOK:
		fmt.Printf("Rolled %q back to the previous release\n", name)
	case http.StatusNotFound:
		log.Fatalf("Rollback of %q failed: build unknown or never published", name)
	default:
		log.Fatalf("Rollback of %q failed (%d): %s", name, code, out.Error)
	}
}

func runStatusJobs(cmd *cobra.Command, args []string) {
	q := url.Values{}
	if jobsType != "" {
		q.Set("type", jobsType)
	}
	if jobsSource != "" {
		q.Set("source", jobsSource)
	}
	if jobsBuild != "" {
		q.Set("build", jobsBuild)
	}
	if jobsState != "" {
		q.Set("state", jobsState)
	}
	path := "/v1/hub/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	printJSON("jobs", path)
}

func runStatusJob(cmd *cobra.Command, args []string) {
	id := url.PathEscape(args[0])
	printJSON("job", "/v1/hub/jobs/"+id)
	printJSON("job log", "/v1/hub/jobs/"+id+"/log")
}

func runStatusSource(cmd *cobra.Command, args []string) {
	printJSON("source", "/v1/hub/sources/"+url.PathEscape(args[0]))
}

func runStatusReleases(cmd *cobra.Command, args []string) {
	printJSON("releases", "/v1/hub/builds/"+url.PathEscape(args[0])+"/releases")
}

// printJSON fetches a path and prints the body re-indented.
func printJSON(what, path string) {
	code, body := get(path)
	if code == http.StatusNotFound {
		log.Fatalf("No %s found", what)
	}
	if code != http.StatusOK {
		log.Fatalf("Fetching %s failed (%d): %s", what, code, strings.TrimSpace(string(body)))
	}

	var pretty json.RawMessage
	if err := json.Unmarshal(body, &pretty); err != nil {
		log.Fatalf("Unexpected response from the hub: %v", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		log.Fatalf("Failed to format response: %v", err)
	}
	fmt.Println(string(out))
}
