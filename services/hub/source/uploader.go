// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/faults"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
)

var (
	// ErrStaleVersion is returned when the target version is not newer
	// than the source's recorded version. Rejects late retries of an
	// upload that was already superseded.
	ErrStaleVersion = errors.New("source: target version is not newer than current")
)

// UploadResult summarizes a successful upload.
type UploadResult struct {
	// StagingRef is the staging collection holding the records.
	StagingRef string
	// Count is the number of staged records.
	Count int
	// Checksum is the staging collection's content checksum.
	Checksum string
}

// Uploader ingests one source at a version into a staging collection and
// reports the outcome to the job store. One Uploader serves all sources;
// the scheduler bounds how many uploads run concurrently.
type Uploader struct {
	store    *jobstore.Store
	cols     *collections.Store
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithTimeout bounds a single upload attempt. Default: 15 minutes.
func WithTimeout(d time.Duration) UploaderOption {
	return func(u *Uploader) { u.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) { u.logger = l }
}

// NewUploader wires an uploader to its stores and fetcher registry.
func NewUploader(store *jobstore.Store, cols *collections.Store, registry *Registry, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		store:    store,
		cols:     cols,
		registry: registry,
		timeout:  15 * time.Minute,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Run executes one upload job end to end.
//
// Description:
//
//	Moves the job to running, fetches the record sequence for the
//	job's target version, stages it (replacing any previous staging
//	collection for the same source+version), records the source
//	status, and moves the job to its terminal state. Failures are
//	classified per the hub taxonomy and written to the job row; the
//	returned error carries the same classification for the
//	scheduler's retry decision.
//
//	A partial staging write is simply superseded by the next
//	successful upload; it is never rolled back.
//
// Inputs:
//
//	ctx - Cancellation scope. The attempt also carries its own
//	      bounded timeout.
//	cfg - The source to ingest.
//	job - The pending upload job created by the scheduler, with
//	      TargetVersion set.
//
// Outputs:
//
//	jobstore.Job - The terminal job row.
//	error - Non-nil when the job failed; classified via faults.
func (u *Uploader) Run(ctx context.Context, cfg Config, job jobstore.Job) (jobstore.Job, error) {
	running, err := u.store.Transition(job.ID, jobstore.StatePending, jobstore.StateRunning, nil)
	if err != nil {
		return jobstore.Job{}, err
	}

	res, upErr := u.upload(ctx, cfg, running.TargetVersion)
	if upErr != nil {
		failed, terr := u.store.Transition(job.ID, jobstore.StateRunning, jobstore.StateFailed, func(j *jobstore.Job) {
			j.ErrKind = string(faults.KindOf(upErr))
			j.Err = upErr.Error()
		})
		if terr != nil {
			return jobstore.Job{}, terr
		}
		return failed, upErr
	}

	done, err := u.store.Transition(job.ID, jobstore.StateRunning, jobstore.StateSucceeded, func(j *jobstore.Job) {
		j.StagingRef = res.StagingRef
		j.RecordCount = res.Count
		j.Checksum = res.Checksum
	})
	if err != nil {
		return jobstore.Job{}, err
	}

	// Source status is what the resolver and the next stale check read;
	// it must only ever reflect a fully succeeded upload.
	err = u.store.SetSourceStatus(jobstore.SourceStatus{
		Name:        cfg.Name,
		Version:     running.TargetVersion,
		Checksum:    res.Checksum,
		RecordCount: res.Count,
		StagingRef:  res.StagingRef,
		UploadJobID: done.ID,
	})
	if err != nil {
		return jobstore.Job{}, fmt.Errorf("record source status %s: %w", cfg.Name, err)
	}

	u.logger.Info("upload complete",
		"source", cfg.Name,
		"version", running.TargetVersion,
		"count", res.Count,
		"checksum", res.Checksum)
	return done, nil
}

// upload performs the fetch+stage work without touching job state.
func (u *Uploader) upload(ctx context.Context, cfg Config, targetVersion string) (UploadResult, error) {
	fetcher, err := u.registry.For(cfg)
	if err != nil {
		return UploadResult{}, faults.Wrap(faults.KindValidation, err)
	}

	// Local stale check only; the scheduler owns the full conflict
	// policy (no duplicate uploads for a source).
	if cur, err := u.store.SourceStatusFor(cfg.Name); err == nil {
		if cur.Version != "" && !fetcher.Newer(targetVersion, cur.Version) {
			return UploadResult{}, faults.Wrapf(faults.KindConflict,
				"%s: %q vs current %q: %s", cfg.Name, targetVersion, cur.Version, ErrStaleVersion)
		}
	} else if !errors.Is(err, jobstore.ErrNotFound) {
		return UploadResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	it, err := fetcher.Fetch(ctx, cfg, targetVersion)
	if err != nil {
		return UploadResult{}, faults.Wrap(faults.KindFetch, err)
	}
	defer func() { _ = it.Close() }()

	ref := collections.StagingRef(cfg.Name, targetVersion)
	w, err := u.cols.NewWriter(ref)
	if err != nil {
		return UploadResult{}, err
	}
	defer w.Discard()

	for {
		if err := ctx.Err(); err != nil {
			return UploadResult{}, timeoutOrCancel(ctx, cfg.Name)
		}
		rec, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return UploadResult{}, faults.Wrapf(faults.KindFetch, "fetch %s: %w", cfg.Name, err)
		}
		if err := w.Add(rec); err != nil {
			return UploadResult{}, faults.Wrapf(faults.KindValidation, "stage %s: %w", cfg.Name, err)
		}
	}

	res, err := w.Commit()
	if err != nil {
		return UploadResult{}, err
	}
	return UploadResult{StagingRef: res.Ref, Count: res.Count, Checksum: res.Checksum}, nil
}

// timeoutOrCancel distinguishes the attempt's own deadline from an
// operator cancellation.
func timeoutOrCancel(ctx context.Context, name string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return faults.Wrapf(faults.KindTimeout, "upload %s: %w", name, ctx.Err())
	}
	return faults.Wrapf(faults.KindCancelled, "upload %s: %w", name, ctx.Err())
}

// LexicalVersions provides version ordering for fetchers whose tokens
// sort lexicographically (dates, padded integers). Embed it to satisfy
// the Newer method.
type LexicalVersions struct{}

// Newer implements Fetcher.Newer by lexicographic comparison.
func (LexicalVersions) Newer(a, b string) bool {
	if b == "" {
		return a != ""
	}
	return a > b
}
