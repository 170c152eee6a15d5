// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobstore

import (
	"time"
)

// =============================================================================
// Job Model
// =============================================================================

// JobType identifies which pipeline stage a job belongs to.
type JobType string

const (
	// JobUpload ingests one source at one version into staging.
	JobUpload JobType = "upload"
	// JobBuild merges staged sources into a build collection.
	JobBuild JobType = "build"
	// JobDiff computes the change-set between two builds of a name.
	JobDiff JobType = "diff"
	// JobPublish applies a diff (or full build) to the serving backend.
	JobPublish JobType = "publish"
)

// JobState is the lifecycle state of a job.
//
// Valid transitions: pending -> running -> succeeded | failed.
// A terminal job is immutable; re-runs create a new job, never mutate
// a terminal one.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
)

// Terminal reports whether s is a terminal state.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Job is one durable unit of work. Rows are created once, transitioned
// through states with optimistic checks, and never deleted.
type Job struct {
	// ID is a UUID assigned at creation.
	ID string `json:"id"`

	// Type is the pipeline stage.
	Type JobType `json:"type"`

	// State is the current lifecycle state.
	State JobState `json:"state"`

	// Source is the source name for upload jobs (empty otherwise).
	Source string `json:"source,omitempty"`

	// Build is the build name for build/diff/publish jobs.
	Build string `json:"build,omitempty"`

	// TargetVersion is the source version an upload aims at, or the
	// build version a publish aims at (formatted as an integer).
	TargetVersion string `json:"target_version,omitempty"`

	// StagingRef points at the staging collection written by a
	// succeeded upload ("<source>@<version>").
	StagingRef string `json:"staging_ref,omitempty"`

	// BuildVersion is the build version produced by a succeeded build
	// job, or diffed/published by diff/publish jobs.
	BuildVersion uint64 `json:"build_version,omitempty"`

	// RecordCount is the number of records touched by the job
	// (uploaded, merged, or applied), set on success.
	RecordCount int `json:"record_count,omitempty"`

	// Checksum is the staging checksum for upload jobs.
	Checksum string `json:"checksum,omitempty"`

	// Attempt counts scheduler retries of the same logical trigger,
	// starting at 1. Each attempt is its own job row.
	Attempt int `json:"attempt"`

	// ErrKind and Err carry the originating error taxonomy and message
	// for failed jobs. Never set on succeeded jobs.
	ErrKind string `json:"err_kind,omitempty"`
	Err     string `json:"err,omitempty"`

	// CreatedAt/StartedAt/EndedAt are the bookkeeping timestamps.
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Running reports whether the job occupies a concurrency slot.
func (j Job) Running() bool {
	return j.State == StatePending || j.State == StateRunning
}

// =============================================================================
// Source and Release Bookkeeping
// =============================================================================

// SourceStatus is the durable record of a source's last successful upload.
// Mutated only by a completed upload job.
type SourceStatus struct {
	// Name is the configured source name.
	Name string `json:"name"`

	// Version is the opaque version token of the last succeeded upload.
	Version string `json:"version"`

	// Checksum is the staging checksum of that upload.
	Checksum string `json:"checksum"`

	// RecordCount is the number of records staged by that upload.
	RecordCount int `json:"record_count"`

	// StagingRef points at the staging collection holding the records.
	StagingRef string `json:"staging_ref"`

	// UploadJobID is the job that produced this status.
	UploadJobID string `json:"upload_job_id"`

	// UpdatedAt is when the upload completed.
	UpdatedAt time.Time `json:"updated_at"`
}

// BuildState is the lifecycle state of a build collection.
type BuildState string

const (
	BuildBuilding BuildState = "building"
	BuildReady    BuildState = "ready"
	BuildFailed   BuildState = "failed"
)

// SourceSnapshot pins one source version a build was merged from. Each
// snapshot must correspond to a succeeded upload job.
type SourceSnapshot struct {
	Source     string `json:"source"`
	Version    string `json:"version"`
	Checksum   string `json:"checksum"`
	StagingRef string `json:"staging_ref"`
}

// Build is the durable record of one merged, versioned build. Immutable
// once ready.
type Build struct {
	// Name is the build name (one serving pointer per name).
	Name string `json:"name"`

	// Version is the monotonic build version within the name.
	Version uint64 `json:"version"`

	// Fingerprint is the content hash identifying the build's logical
	// contents: a pure function of the source snapshots and the merge
	// precedence, so replayed builds reproduce it exactly.
	Fingerprint string `json:"fingerprint"`

	// Sources are the pinned source snapshots the build was merged from.
	Sources []SourceSnapshot `json:"sources"`

	// State is building, ready, or failed.
	State BuildState `json:"state"`

	// Ref is the build collection reference holding the merged records.
	Ref string `json:"ref"`

	// RecordCount is the number of merged records (set when ready).
	RecordCount int `json:"record_count,omitempty"`

	// BuildJobID is the job that produced this build.
	BuildJobID string `json:"build_job_id,omitempty"`

	// CreatedAt is when the merge started.
	CreatedAt time.Time `json:"created_at"`
}

// Release records one cut-over of the serving pointer for a build name.
// The newest entry per name is the live release; older entries are
// retained as rollback targets until pruned.
type Release struct {
	// Build is the build name the release serves.
	Build string `json:"build"`

	// Version is the build version fully applied to the backend.
	Version uint64 `json:"version"`

	// Fingerprint is the content fingerprint of that build.
	Fingerprint string `json:"fingerprint"`

	// Target is the backend collection the pointer resolves to.
	Target string `json:"target"`

	// PublishJobID is the publish job that cut this release over
	// (empty for rollback entries).
	PublishJobID string `json:"publish_job_id,omitempty"`

	// RolledBack marks entries created by a rollback rather than a
	// publish.
	RolledBack bool `json:"rolled_back,omitempty"`

	// CreatedAt is when the pointer swap completed.
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// Transition Events
// =============================================================================

// TransitionEvent is emitted for every job state transition, for external
// log/metrics collection.
type TransitionEvent struct {
	JobType   JobType   `json:"job_type"`
	ID        string    `json:"id"`
	From      JobState  `json:"from_state"`
	To        JobState  `json:"to_state"`
	Timestamp time.Time `json:"timestamp"`
	Err       string    `json:"error,omitempty"`
}

// Observer receives transition events. Observers must be fast and must not
// call back into the store.
type Observer func(TransitionEvent)

// Filter narrows ListJobs results. Zero fields match everything.
type Filter struct {
	Type   JobType
	Source string
	Build  string
	State  JobState
}

// Match reports whether a job passes the filter.
func (f Filter) Match(j Job) bool {
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.Source != "" && j.Source != f.Source {
		return false
	}
	if f.Build != "" && j.Build != f.Build {
		return false
	}
	if f.State != "" && j.State != f.State {
		return false
	}
	return true
}
