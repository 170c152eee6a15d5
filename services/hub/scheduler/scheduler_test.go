// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHub/services/hub/build"
	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/diff"
	"github.com/AleutianAI/AleutianHub/services/hub/faults"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/publish"
	"github.com/AleutianAI/AleutianHub/services/hub/record"
	"github.com/AleutianAI/AleutianHub/services/hub/source"
	hubbadger "github.com/AleutianAI/AleutianHub/services/hub/storage/badger"
)

// fakeFetcher serves canned record sets per version, with optional
// blocking and injected failures.
type fakeFetcher struct {
	source.LexicalVersions
	current   string
	records   map[string][]record.Record
	failTimes int
	block     chan struct{}
}

func (f *fakeFetcher) Version(_ context.Context, _ source.Config) (string, error) {
	return f.current, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, cfg source.Config, version string) (source.Iterator, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failTimes > 0 {
		f.failTimes--
		return nil, fmt.Errorf("upstream %s unreachable: connection refused", cfg.Name)
	}
	recs, ok := f.records[version]
	if !ok {
		return nil, fmt.Errorf("no such version %q", version)
	}
	return source.NewSliceIterator(recs), nil
}

type schedEnv struct {
	store   *jobstore.Store
	cols    *collections.Store
	diffs   *diff.Store
	backend *publish.MemoryBackend
	fetcher *fakeFetcher
	sched   *Scheduler
}

func newSchedEnv(t *testing.T, limits Limits) *schedEnv {
	t.Helper()
	db, err := hubbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := jobstore.New(db)
	cols := collections.New(db, nil)
	diffs := diff.NewStore(db)
	backend := publish.NewMemoryBackend()

	fetcher := &fakeFetcher{
		current: "v1",
		records: map[string][]record.Record{"v1": geneRecords(100)},
	}
	registry := source.NewRegistry()
	registry.Register("fake", fetcher)

	deps := Deps{
		Store:     store,
		Cols:      cols,
		Registry:  registry,
		Uploader:  source.NewUploader(store, cols, registry),
		Builder:   build.NewBuilder(store, cols, nil),
		Differ:    diff.NewDiffer(store, cols, diffs, nil),
		Diffs:     diffs,
		Publisher: publish.NewPublisher(store, backend),
		Logger:    nil,
	}
	sources := []source.Config{{Name: "genes", Kind: "fake"}}
	builds := []build.Spec{{Name: "main", Sources: []string{"genes"}}}

	sched, err := New(deps, sources, builds, limits)
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop() })

	return &schedEnv{store: store, cols: cols, diffs: diffs, backend: backend, fetcher: fetcher, sched: sched}
}

func geneRecords(n int) []record.Record {
	recs := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{
			ID:     fmt.Sprintf("%04d", i),
			Fields: map[string]any{"symbol": fmt.Sprintf("GENE%d", i)},
		})
	}
	return recs
}

func waitTerminal(t *testing.T, store *jobstore.Store, id string) jobstore.Job {
	t.Helper()
	var job jobstore.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetJob(id)
		return err == nil && job.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func (e *schedEnv) uploadAndWait(t *testing.T) jobstore.Job {
	t.Helper()
	job, err := e.sched.TriggerUpload(context.Background(), "genes")
	require.NoError(t, err)
	done := waitTerminal(t, e.store, job.ID)
	require.Equal(t, jobstore.StateSucceeded, done.State)
	return done
}

func (e *schedEnv) buildAndWait(t *testing.T) jobstore.Job {
	t.Helper()
	job, err := e.sched.TriggerBuild(context.Background(), "main")
	require.NoError(t, err)
	done := waitTerminal(t, e.store, job.ID)
	require.Equal(t, jobstore.StateSucceeded, done.State)
	return done
}

func (e *schedEnv) publishAndWait(t *testing.T) {
	t.Helper()
	diffJob, err := e.sched.TriggerPublish(context.Background(), "main")
	require.NoError(t, err)
	done := waitTerminal(t, e.store, diffJob.ID)
	require.Equal(t, jobstore.StateSucceeded, done.State)
	require.Eventually(t, func() bool {
		jobs, err := e.store.ListJobs(jobstore.Filter{Type: jobstore.JobPublish, Build: "main"})
		if err != nil || len(jobs) == 0 {
			return false
		}
		last := jobs[len(jobs)-1]
		return last.State == jobstore.StateSucceeded
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTriggerUnknownNames(t *testing.T) {
	env := newSchedEnv(t, Limits{})
	_, err := env.sched.TriggerUpload(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownSource)
	_, err = env.sched.TriggerBuild(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownBuild)
	_, err = env.sched.TriggerPublish(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownBuild)
	_, err = env.sched.Rollback(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownBuild)
}

func TestTriggerUploadRejectsDuplicate(t *testing.T) {
	env := newSchedEnv(t, Limits{})
	env.fetcher.block = make(chan struct{})

	job, err := env.sched.TriggerUpload(context.Background(), "genes")
	require.NoError(t, err)

	_, err = env.sched.TriggerUpload(context.Background(), "genes")
	assert.ErrorIs(t, err, ErrBusy)

	close(env.fetcher.block)
	done := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, jobstore.StateSucceeded, done.State)
}

// TestTriggerUploadConcurrentDuplicates races many triggers for one
// source; exactly one may create a job, the rest must see ErrBusy.
func TestTriggerUploadConcurrentDuplicates(t *testing.T) {
	env := newSchedEnv(t, Limits{TriggerRate: 100, TriggerBurst: 100})
	env.fetcher.block = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	var accepted, busy atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.sched.TriggerUpload(context.Background(), "genes")
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(callers-1), busy.Load())

	jobs, err := env.store.ListJobs(jobstore.Filter{Type: jobstore.JobUpload, Source: "genes"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	close(env.fetcher.block)
	waitTerminal(t, env.store, jobs[0].ID)
}

func TestTriggerUploadUpToDate(t *testing.T) {
	env := newSchedEnv(t, Limits{})
	env.uploadAndWait(t)

	_, err := env.sched.TriggerUpload(context.Background(), "genes")
	assert.ErrorIs(t, err, ErrUpToDate)
}

func TestBuildBeforeUploadFails(t *testing.T) {
	env := newSchedEnv(t, Limits{})

	job, err := env.sched.TriggerBuild(context.Background(), "main")
	require.NoError(t, err)

	done := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, jobstore.StateFailed, done.State)
	assert.Equal(t, string(faults.KindValidation), done.ErrKind)
	assert.Contains(t, done.Err, "dependency not satisfied")
}

func TestUploadRetriesTransientFetchFailure(t *testing.T) {
	env := newSchedEnv(t, Limits{MaxAttempts: 3, RetryBackoff: time.Millisecond, MaxRetryBackoff: 5 * time.Millisecond})
	env.fetcher.failTimes = 1

	job, err := env.sched.TriggerUpload(context.Background(), "genes")
	require.NoError(t, err)

	first := waitTerminal(t, env.store, job.ID)
	assert.Equal(t, jobstore.StateFailed, first.State)
	assert.Equal(t, string(faults.KindFetch), first.ErrKind)

	// The retry is a fresh job row with the attempt counter bumped.
	require.Eventually(t, func() bool {
		jobs, err := env.store.ListJobs(jobstore.Filter{Type: jobstore.JobUpload, Source: "genes"})
		if err != nil || len(jobs) != 2 {
			return false
		}
		return jobs[1].State == jobstore.StateSucceeded && jobs[1].Attempt == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTriggerThrottling(t *testing.T) {
	env := newSchedEnv(t, Limits{TriggerRate: 0.001, TriggerBurst: 1})

	env.fetcher.block = make(chan struct{})
	defer close(env.fetcher.block)
	_, err := env.sched.TriggerUpload(context.Background(), "genes")
	require.NoError(t, err)

	_, err = env.sched.TriggerUpload(context.Background(), "genes")
	assert.ErrorIs(t, err, ErrThrottled)
}

// TestFullPipeline walks the whole lifecycle: upload 100 records, build
// and publish v1, upload a changed version, build and publish v2, then
// roll back to v1 and verify a replayed build reproduces v2's
// fingerprint.
func TestFullPipeline(t *testing.T) {
	env := newSchedEnv(t, Limits{})
	ctx := context.Background()

	env.uploadAndWait(t)
	env.buildAndWait(t)
	env.publishAndWait(t)

	v1Build, err := env.store.LatestReadyBuild("main")
	require.NoError(t, err)
	live, err := env.store.LiveRelease("main")
	require.NoError(t, err)
	assert.Equal(t, v1Build.Version, live.Version)

	served, err := env.backend.ReadAll(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, served, 100)

	// Publishing again with nothing new is a no-op.
	_, err = env.sched.TriggerPublish(ctx, "main")
	assert.ErrorIs(t, err, ErrUpToDate)

	// Version 2 upstream: 3 changed records, 1 new one.
	v2 := geneRecords(100)
	for _, i := range []int{5, 6, 7} {
		v2[i].Fields["alias"] = "renamed"
	}
	v2 = append(v2, record.Record{ID: "9999", Fields: map[string]any{"symbol": "NEWGENE"}})
	env.fetcher.current = "v2"
	env.fetcher.records["v2"] = v2

	env.uploadAndWait(t)
	env.buildAndWait(t)

	v2Build, err := env.store.LatestReadyBuild("main")
	require.NoError(t, err)
	assert.NotEqual(t, v1Build.Fingerprint, v2Build.Fingerprint)

	// The stored change-set is exactly 3 updates and 1 insert.
	env.publishAndWait(t)
	stored, err := env.diffs.Get("main", v2Build.Version)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Stats.Updates)
	assert.Equal(t, 1, stored.Stats.Inserts)
	assert.Equal(t, 0, stored.Stats.Deletes)

	live, err = env.store.LiveRelease("main")
	require.NoError(t, err)
	assert.Equal(t, v2Build.Version, live.Version)
	served, err = env.backend.ReadAll(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, served, 101)

	// Roll back: readers see v1 again without any recomputation.
	rel, err := env.sched.Rollback(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, v1Build.Version, rel.Version)
	served, err = env.backend.ReadAll(ctx, "main")
	require.NoError(t, err)
	assert.Len(t, served, 100)

	// A replayed build from the unchanged sources reproduces v2's
	// fingerprint exactly.
	env.buildAndWait(t)
	replayed, err := env.store.LatestReadyBuild("main")
	require.NoError(t, err)
	assert.Equal(t, v2Build.Fingerprint, replayed.Fingerprint)
}
