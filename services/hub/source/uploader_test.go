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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/faults"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/record"
	hubbadger "github.com/AleutianAI/AleutianHub/services/hub/storage/badger"
)

// fakeFetcher serves canned record sets keyed by version, with optional
// injected failures.
type fakeFetcher struct {
	LexicalVersions
	current  string
	records  map[string][]record.Record
	fetchErr error
	iterErr  error
}

func (f *fakeFetcher) Version(_ context.Context, _ Config) (string, error) {
	return f.current, nil
}

func (f *fakeFetcher) Fetch(_ context.Context, cfg Config, version string) (Iterator, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	recs, ok := f.records[version]
	if !ok {
		return nil, fmt.Errorf("no such version %q for %s", version, cfg.Name)
	}
	if f.iterErr != nil {
		return &failingIterator{recs: recs, failAfter: 1, err: f.iterErr}, nil
	}
	return NewSliceIterator(recs), nil
}

type failingIterator struct {
	recs      []record.Record
	pos       int
	failAfter int
	err       error
}

func (it *failingIterator) Next() (record.Record, error) {
	if it.pos >= it.failAfter {
		return record.Record{}, it.err
	}
	rec := it.recs[it.pos]
	it.pos++
	return rec, nil
}

func (it *failingIterator) Close() error { return nil }

type uploadEnv struct {
	store    *jobstore.Store
	cols     *collections.Store
	uploader *Uploader
	fetcher  *fakeFetcher
	cfg      Config
}

func newUploadEnv(t *testing.T) *uploadEnv {
	t.Helper()
	db, err := hubbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := jobstore.New(db)
	cols := collections.New(db, nil)
	fetcher := &fakeFetcher{records: map[string][]record.Record{}}
	reg := NewRegistry()
	reg.Register("fake", fetcher)

	return &uploadEnv{
		store:    store,
		cols:     cols,
		uploader: NewUploader(store, cols, reg),
		fetcher:  fetcher,
		cfg:      Config{Name: "genes", Kind: "fake"},
	}
}

func (e *uploadEnv) newJob(t *testing.T, version string) jobstore.Job {
	t.Helper()
	job, err := e.store.CreateJob(jobstore.Job{
		Type: jobstore.JobUpload, Source: e.cfg.Name, TargetVersion: version,
	})
	require.NoError(t, err)
	return job
}

func genes(n int) []record.Record {
	recs := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{
			ID:     fmt.Sprintf("gene%03d", i),
			Fields: map[string]any{"symbol": fmt.Sprintf("SYM%d", i)},
		})
	}
	return recs
}

func TestUploadSuccess(t *testing.T) {
	env := newUploadEnv(t)
	env.fetcher.records["v1"] = genes(100)

	job := env.newJob(t, "v1")
	done, err := env.uploader.Run(context.Background(), env.cfg, job)
	require.NoError(t, err)

	assert.Equal(t, jobstore.StateSucceeded, done.State)
	assert.Equal(t, 100, done.RecordCount)
	assert.Equal(t, collections.StagingRef("genes", "v1"), done.StagingRef)
	assert.NotEmpty(t, done.Checksum)

	st, err := env.store.SourceStatusFor("genes")
	require.NoError(t, err)
	assert.Equal(t, "v1", st.Version)
	assert.Equal(t, done.Checksum, st.Checksum)
	assert.Equal(t, done.ID, st.UploadJobID)

	n, err := env.cols.Count(st.StagingRef)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestUploadFetchErrorIsRetryable(t *testing.T) {
	env := newUploadEnv(t)
	env.fetcher.fetchErr = errors.New("upstream unreachable")

	job := env.newJob(t, "v1")
	failed, err := env.uploader.Run(context.Background(), env.cfg, job)
	require.Error(t, err)

	assert.Equal(t, jobstore.StateFailed, failed.State)
	assert.Equal(t, string(faults.KindFetch), failed.ErrKind)
	assert.True(t, faults.Retryable(err))
}

func TestUploadMidStreamFetchError(t *testing.T) {
	env := newUploadEnv(t)
	env.fetcher.records["v1"] = genes(5)
	env.fetcher.iterErr = errors.New("connection reset")

	job := env.newJob(t, "v1")
	_, err := env.uploader.Run(context.Background(), env.cfg, job)
	require.Error(t, err)
	assert.Equal(t, faults.KindFetch, faults.KindOf(err))

	// No source status: the upload never succeeded.
	_, err = env.store.SourceStatusFor("genes")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestUploadValidationErrorIsFatal(t *testing.T) {
	env := newUploadEnv(t)
	env.fetcher.records["v1"] = []record.Record{{ID: "", Fields: map[string]any{"x": 1.0}}}

	job := env.newJob(t, "v1")
	failed, err := env.uploader.Run(context.Background(), env.cfg, job)
	require.Error(t, err)

	assert.Equal(t, string(faults.KindValidation), failed.ErrKind)
	assert.False(t, faults.Retryable(err))
}

// TestUploadRejectsStaleVersion verifies a retry aimed at an already
// superseded version is rejected locally.
func TestUploadRejectsStaleVersion(t *testing.T) {
	env := newUploadEnv(t)
	env.fetcher.records["v1"] = genes(3)
	env.fetcher.records["v2"] = genes(4)

	_, err := env.uploader.Run(context.Background(), env.cfg, env.newJob(t, "v2"))
	require.NoError(t, err)

	failed, err := env.uploader.Run(context.Background(), env.cfg, env.newJob(t, "v1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
	assert.Equal(t, jobstore.StateFailed, failed.State)
}

// TestUploadNewVersionReplacesStatus verifies the happy upgrade path.
func TestUploadNewVersionReplacesStatus(t *testing.T) {
	env := newUploadEnv(t)
	env.fetcher.records["v1"] = genes(100)
	env.fetcher.records["v2"] = genes(101)

	_, err := env.uploader.Run(context.Background(), env.cfg, env.newJob(t, "v1"))
	require.NoError(t, err)
	_, err = env.uploader.Run(context.Background(), env.cfg, env.newJob(t, "v2"))
	require.NoError(t, err)

	st, err := env.store.SourceStatusFor("genes")
	require.NoError(t, err)
	assert.Equal(t, "v2", st.Version)
	assert.Equal(t, 101, st.RecordCount)
}

func TestUploadCancellation(t *testing.T) {
	env := newUploadEnv(t)
	env.fetcher.records["v1"] = genes(50)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	failed, err := env.uploader.Run(ctx, env.cfg, env.newJob(t, "v1"))
	require.Error(t, err)
	assert.Equal(t, faults.KindCancelled, faults.KindOf(err))
	assert.Equal(t, jobstore.StateFailed, failed.State)
}

func TestLexicalVersions(t *testing.T) {
	var v LexicalVersions
	assert.True(t, v.Newer("2024-02", "2024-01"))
	assert.False(t, v.Newer("2024-01", "2024-01"))
	assert.False(t, v.Newer("2024-01", "2024-02"))
	assert.True(t, v.Newer("v1", ""))
	assert.False(t, v.Newer("", ""))
}
