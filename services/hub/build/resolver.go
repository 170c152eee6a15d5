// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package build

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
)

// ErrNotReady is returned when a build's dependency sources are not
// satisfied.
var ErrNotReady = errors.New("build: dependency not satisfied")

// Readiness is the outcome of a dependency check: either every required
// source is pinned to a snapshot, or Reasons explains what is missing.
type Readiness struct {
	// Ready is true when the build may start.
	Ready bool

	// Snapshots pins the (source, version, checksum, staging ref)
	// tuples the build would merge from. Populated only when Ready.
	Snapshots []jobstore.SourceSnapshot

	// Reasons lists, per unsatisfied source, why it is not ready.
	Reasons []string
}

// Err converts a not-ready result into an ErrNotReady error.
func (r Readiness) Err(name string) error {
	if r.Ready {
		return nil
	}
	return fmt.Errorf("%w: build %q: %s", ErrNotReady, name, strings.Join(r.Reasons, "; "))
}

// CheckReadiness decides whether a build may start, against one
// point-in-time snapshot of the job store.
//
// A source is satisfied when it has at least one succeeded upload and no
// in-flight upload aimed at a different version than the succeeded one.
// The in-flight rule keeps a build off a half-updated source; a source
// whose newest upload attempt failed is still satisfied at its previous
// succeeded version (the next build cycle picks up whatever eventually
// succeeds).
//
// The snapshot is not a lock. A source may complete a newer upload while
// the build runs; that race is resolved by the next build cycle, never
// by aborting mid-flight.
func CheckReadiness(snap *jobstore.Snapshot, spec Spec) (Readiness, error) {
	var out Readiness
	for _, src := range spec.Sources {
		st, err := snap.SourceStatusFor(src)
		if errors.Is(err, jobstore.ErrNotFound) {
			out.Reasons = append(out.Reasons, fmt.Sprintf("source %q has no succeeded upload", src))
			continue
		}
		if err != nil {
			return Readiness{}, err
		}

		inflight, err := inflightUpload(snap, src, st.Version)
		if err != nil {
			return Readiness{}, err
		}
		if inflight != "" {
			out.Reasons = append(out.Reasons,
				fmt.Sprintf("source %q has upload in flight for version %q", src, inflight))
			continue
		}

		out.Snapshots = append(out.Snapshots, jobstore.SourceSnapshot{
			Source:     src,
			Version:    st.Version,
			Checksum:   st.Checksum,
			StagingRef: st.StagingRef,
		})
	}
	out.Ready = len(out.Reasons) == 0
	if !out.Ready {
		out.Snapshots = nil
	}
	return out, nil
}

// inflightUpload returns the target version of a non-terminal upload job
// for src aimed past the succeeded version, or "" when none exists.
func inflightUpload(snap *jobstore.Snapshot, src, succeededVersion string) (string, error) {
	jobs, err := snap.Jobs(jobstore.Filter{Type: jobstore.JobUpload, Source: src})
	if err != nil {
		return "", err
	}
	for _, j := range jobs {
		if j.Running() && j.TargetVersion != succeededVersion {
			return j.TargetVersion, nil
		}
	}
	return "", nil
}
