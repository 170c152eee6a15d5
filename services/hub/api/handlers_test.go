// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHub/services/hub/build"
	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/diff"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/publish"
	"github.com/AleutianAI/AleutianHub/services/hub/record"
	"github.com/AleutianAI/AleutianHub/services/hub/scheduler"
	"github.com/AleutianAI/AleutianHub/services/hub/source"
	hubbadger "github.com/AleutianAI/AleutianHub/services/hub/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubFetcher struct {
	source.LexicalVersions
	current string
	records []record.Record
}

func (f *stubFetcher) Version(_ context.Context, _ source.Config) (string, error) {
	return f.current, nil
}

func (f *stubFetcher) Fetch(_ context.Context, _ source.Config, _ string) (source.Iterator, error) {
	return source.NewSliceIterator(f.records), nil
}

type apiEnv struct {
	store  *jobstore.Store
	sched  *scheduler.Scheduler
	router *gin.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	db, err := hubbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := jobstore.New(db)
	cols := collections.New(db, nil)
	diffs := diff.NewStore(db)
	backend := publish.NewMemoryBackend()

	recs := make([]record.Record, 0, 10)
	for i := 0; i < 10; i++ {
		recs = append(recs, record.Record{
			ID:     fmt.Sprintf("%02d", i),
			Fields: map[string]any{"symbol": fmt.Sprintf("GENE%d", i)},
		})
	}
	registry := source.NewRegistry()
	registry.Register("stub", &stubFetcher{current: "v1", records: recs})

	deps := scheduler.Deps{
		Store:     store,
		Cols:      cols,
		Registry:  registry,
		Uploader:  source.NewUploader(store, cols, registry),
		Builder:   build.NewBuilder(store, cols, nil),
		Differ:    diff.NewDiffer(store, cols, diffs, nil),
		Diffs:     diffs,
		Publisher: publish.NewPublisher(store, backend),
	}
	sources := []source.Config{{Name: "genes", Kind: "stub"}}
	builds := []build.Spec{{Name: "main", Sources: []string{"genes"}}}

	sched, err := scheduler.New(deps, sources, builds, scheduler.Limits{})
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop() })

	return &apiEnv{
		store:  store,
		sched:  sched,
		router: NewRouter(NewHandlers(sched, store, diffs, nil)),
	}
}

func (e *apiEnv) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	e.router.ServeHTTP(w, req)

	body := map[string]json.RawMessage{}
	if strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func (e *apiEnv) waitTerminal(t *testing.T, id string) jobstore.Job {
	t.Helper()
	var job jobstore.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.store.GetJob(id)
		return err == nil && job.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

// acceptedJob extracts the job from a 202 trigger response.
func acceptedJob(t *testing.T, body map[string]json.RawMessage) jobstore.Job {
	t.Helper()
	var job jobstore.Job
	require.NoError(t, json.Unmarshal(body["job"], &job))
	require.NotEmpty(t, job.ID)
	return job
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	w, body := env.do(t, "GET", "/v1/hub/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"ok"`, string(body["status"]))
}

func TestUploadTrigger(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, "POST", "/v1/hub/sources/genes/upload")
	require.Equal(t, http.StatusAccepted, w.Code)
	job := acceptedJob(t, body)

	done := env.waitTerminal(t, job.ID)
	assert.Equal(t, jobstore.StateSucceeded, done.State)
	assert.Equal(t, 10, done.RecordCount)
}

func TestUploadTriggerUnknownSource(t *testing.T) {
	env := newAPIEnv(t)
	w, _ := env.do(t, "POST", "/v1/hub/sources/nope/upload")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadTriggerUpToDate(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, "POST", "/v1/hub/sources/genes/upload")
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitTerminal(t, acceptedJob(t, body).ID)

	w, body = env.do(t, "POST", "/v1/hub/sources/genes/upload")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"up_to_date"`, string(body["status"]))
}

func TestBuildTriggerWithoutUpload(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, "POST", "/v1/hub/builds/main/build")
	require.Equal(t, http.StatusAccepted, w.Code)

	done := env.waitTerminal(t, acceptedJob(t, body).ID)
	assert.Equal(t, jobstore.StateFailed, done.State)
}

func TestJobEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, "POST", "/v1/hub/sources/genes/upload")
	require.Equal(t, http.StatusAccepted, w.Code)
	job := acceptedJob(t, body)
	env.waitTerminal(t, job.ID)

	w, _ = env.do(t, "GET", "/v1/hub/jobs/"+job.ID)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = env.do(t, "GET", "/v1/hub/jobs?type=upload&source=genes")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []jobstore.Job
	require.NoError(t, json.Unmarshal(body["jobs"], &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	w, body = env.do(t, "GET", "/v1/hub/jobs/"+job.ID+"/log")
	require.Equal(t, http.StatusOK, w.Code)
	var events []jobstore.TransitionEvent
	require.NoError(t, json.Unmarshal(body["events"], &events))
	assert.GreaterOrEqual(t, len(events), 3)

	w, _ = env.do(t, "GET", "/v1/hub/jobs/no-such-id")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, "GET", "/v1/hub/jobs/no-such-id/log")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSourceStatus(t *testing.T) {
	env := newAPIEnv(t)

	w, _ := env.do(t, "GET", "/v1/hub/sources/genes")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := env.do(t, "POST", "/v1/hub/sources/genes/upload")
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitTerminal(t, acceptedJob(t, body).ID)

	w, _ = env.do(t, "GET", "/v1/hub/sources/genes")
	require.Equal(t, http.StatusOK, w.Code)
	var st jobstore.SourceStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "v1", st.Version)
}

func TestPublishPipelineAndReleases(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, "POST", "/v1/hub/sources/genes/upload")
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitTerminal(t, acceptedJob(t, body).ID)

	w, body = env.do(t, "POST", "/v1/hub/builds/main/build")
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitTerminal(t, acceptedJob(t, body).ID)

	w, body = env.do(t, "POST", "/v1/hub/builds/main/publish")
	require.Equal(t, http.StatusAccepted, w.Code)
	env.waitTerminal(t, acceptedJob(t, body).ID)

	require.Eventually(t, func() bool {
		w, _ := env.do(t, "GET", "/v1/hub/builds/main/releases")
		return w.Code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	w, body = env.do(t, "GET", "/v1/hub/builds/main/releases")
	require.Equal(t, http.StatusOK, w.Code)
	var live jobstore.Release
	require.NoError(t, json.Unmarshal(body["live"], &live))
	assert.Equal(t, uint64(1), live.Version)

	w, body = env.do(t, "GET", "/v1/hub/builds/main")
	require.Equal(t, http.StatusOK, w.Code)
	var builds []jobstore.Build
	require.NoError(t, json.Unmarshal(body["builds"], &builds))
	require.Len(t, builds, 1)

	// No earlier release exists, so rollback has nowhere to go.
	w, _ = env.do(t, "POST", "/v1/hub/builds/main/rollback")
	assert.Equal(t, http.StatusConflict, w.Code)

	// The publish pipeline recorded a full-insert diff for v1.
	w, body = env.do(t, "GET", "/v1/hub/builds/main/diff/1")
	require.Equal(t, http.StatusOK, w.Code)
	var d diff.Diff
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, 10, d.Stats.Inserts)
	assert.Empty(t, d.Entries)

	w, _ = env.do(t, "GET", "/v1/hub/builds/main/diff/1?entries=true")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Len(t, d.Entries, 10)
}

func TestBuildDiffErrors(t *testing.T) {
	env := newAPIEnv(t)

	w, _ := env.do(t, "GET", "/v1/hub/builds/main/diff/7")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, "GET", "/v1/hub/builds/main/diff/zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRollbackUnknownBuild(t *testing.T) {
	env := newAPIEnv(t)
	w, _ := env.do(t, "POST", "/v1/hub/builds/nope/rollback")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	w, _ := env.do(t, "GET", "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
