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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/faults"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/record"
)

// stageSource commits record sets into a staging collection and records
// the source status the way a succeeded upload would.
func stageSource(t *testing.T, store *jobstore.Store, cols *collections.Store, name, version string, recs []record.Record) {
	t.Helper()
	w, err := cols.NewWriter(collections.StagingRef(name, version))
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Add(r))
	}
	res, err := w.Commit()
	require.NoError(t, err)
	require.NoError(t, store.SetSourceStatus(jobstore.SourceStatus{
		Name:       name,
		Version:    version,
		Checksum:   res.Checksum,
		StagingRef: res.Ref,
	}))
}

func newBuildJob(t *testing.T, store *jobstore.Store, name string) jobstore.Job {
	t.Helper()
	job, err := store.CreateJob(jobstore.Job{Type: jobstore.JobBuild, Build: name})
	require.NoError(t, err)
	return job
}

func TestBuilderMergesWithFieldPrecedence(t *testing.T) {
	store, cols := newTestStore(t)
	b := NewBuilder(store, cols, nil)

	stageSource(t, store, cols, "entrez", "2026-08-01", []record.Record{
		{ID: "1017", Fields: map[string]any{"symbol": "CDK2", "entrez_summary": "cyclin dependent kinase 2"}},
		{ID: "1018", Fields: map[string]any{"symbol": "CDK3"}},
	})
	stageSource(t, store, cols, "ensembl", "v114", []record.Record{
		{ID: "1017", Fields: map[string]any{"symbol": "cdk2-old", "ensembl_gene": "ENSG00000123374"}},
		{ID: "9999", Fields: map[string]any{"symbol": "NEW1"}},
	})

	spec := Spec{
		Name:       "genes",
		Sources:    []string{"entrez", "ensembl"},
		Precedence: []string{"entrez", "ensembl"},
	}
	job := newBuildJob(t, store, spec.Name)

	done, built, err := b.Run(context.Background(), spec, job)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateSucceeded, done.State)
	assert.Equal(t, built.Version, done.BuildVersion)
	assert.Equal(t, 3, done.RecordCount)

	assert.Equal(t, jobstore.BuildReady, built.State)
	assert.Len(t, built.Sources, 2)
	assert.NotEmpty(t, built.Fingerprint)

	// entrez wins the shared field, ensembl's disjoint field survives.
	merged, err := cols.Get(built.Ref, "1017")
	require.NoError(t, err)
	assert.Equal(t, "CDK2", merged.Fields["symbol"])
	assert.Equal(t, "ENSG00000123374", merged.Fields["ensembl_gene"])
	assert.Equal(t, "cyclin dependent kinase 2", merged.Fields["entrez_summary"])

	// Records present in only one source pass through untouched.
	_, err = cols.Get(built.Ref, "1018")
	assert.NoError(t, err)
	_, err = cols.Get(built.Ref, "9999")
	assert.NoError(t, err)

	latest, err := store.LatestReadyBuild("genes")
	require.NoError(t, err)
	assert.Equal(t, built.Version, latest.Version)
	assert.Equal(t, built.Fingerprint, latest.Fingerprint)
}

func TestBuilderRejectsUnsatisfiedDependency(t *testing.T) {
	store, cols := newTestStore(t)
	b := NewBuilder(store, cols, nil)

	spec := Spec{Name: "genes", Sources: []string{"entrez"}}
	job := newBuildJob(t, store, spec.Name)

	done, _, err := b.Run(context.Background(), spec, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "dependency not satisfied")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	assert.Equal(t, jobstore.StateFailed, done.State)
	assert.Equal(t, string(faults.KindValidation), done.ErrKind)

	failed, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, failed.State)

	_, err = store.LatestReadyBuild("genes")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestBuilderRejectsInvalidSpec(t *testing.T) {
	store, cols := newTestStore(t)
	b := NewBuilder(store, cols, nil)

	spec := Spec{Name: "genes", Sources: []string{"entrez", "ensembl"}}
	job := newBuildJob(t, store, spec.Name)

	_, _, err := b.Run(context.Background(), spec, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPrecedenceIncomplete)
	assert.Equal(t, faults.KindMergeConflict, faults.KindOf(err))
}

func TestBuilderCancellation(t *testing.T) {
	store, cols := newTestStore(t)
	b := NewBuilder(store, cols, nil)

	stageSource(t, store, cols, "entrez", "2026-08-01", []record.Record{
		{ID: "1017", Fields: map[string]any{"symbol": "CDK2"}},
	})
	spec := Spec{Name: "genes", Sources: []string{"entrez"}}
	job := newBuildJob(t, store, spec.Name)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := b.Run(ctx, spec, job)
	require.Error(t, err)
	assert.Equal(t, faults.KindCancelled, faults.KindOf(err))

	failed, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, failed.State)
}

func TestFingerprintReplayable(t *testing.T) {
	store, cols := newTestStore(t)
	b := NewBuilder(store, cols, nil)

	recs := map[string][]record.Record{
		"entrez":  {{ID: "1017", Fields: map[string]any{"symbol": "CDK2"}}},
		"ensembl": {{ID: "1017", Fields: map[string]any{"ensembl_gene": "ENSG00000123374"}}},
	}
	stageSource(t, store, cols, "entrez", "2026-08-01", recs["entrez"])
	stageSource(t, store, cols, "ensembl", "v114", recs["ensembl"])

	spec := Spec{
		Name:       "genes",
		Sources:    []string{"entrez", "ensembl"},
		Precedence: []string{"entrez", "ensembl"},
	}

	_, first, err := b.Run(context.Background(), spec, newBuildJob(t, store, spec.Name))
	require.NoError(t, err)
	_, second, err := b.Run(context.Background(), spec, newBuildJob(t, store, spec.Name))
	require.NoError(t, err)

	// Same source tuples, same fingerprint, distinct versions.
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Greater(t, second.Version, first.Version)

	// A changed source version changes the fingerprint.
	stageSource(t, store, cols, "ensembl", "v115", recs["ensembl"])
	_, third, err := b.Run(context.Background(), spec, newBuildJob(t, store, spec.Name))
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
}

func TestFingerprintIsOrderIndependentOverSnapshots(t *testing.T) {
	spec := Spec{
		Name:       "genes",
		Sources:    []string{"entrez", "ensembl"},
		Precedence: []string{"entrez", "ensembl"},
	}
	a := jobstore.SourceSnapshot{Source: "entrez", Version: "2026-08-01", Checksum: "aa-1"}
	c := jobstore.SourceSnapshot{Source: "ensembl", Version: "v114", Checksum: "bb-1"}

	assert.Equal(t,
		Fingerprint(spec, []jobstore.SourceSnapshot{a, c}),
		Fingerprint(spec, []jobstore.SourceSnapshot{c, a}))

	flipped := spec
	flipped.Precedence = []string{"ensembl", "entrez"}
	assert.NotEqual(t,
		Fingerprint(spec, []jobstore.SourceSnapshot{a, c}),
		Fingerprint(flipped, []jobstore.SourceSnapshot{a, c}))
}
