// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diff

import (
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

type diffEnv struct {
	store  *jobstore.Store
	cols   *collections.Store
	diffs  *Store
	differ *Differ
}

func newDiffEnv(t *testing.T) *diffEnv {
	t.Helper()
	db, err := hubbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := jobstore.New(db)
	cols := collections.New(db, nil)
	diffs := NewStore(db)
	return &diffEnv{
		store:  store,
		cols:   cols,
		diffs:  diffs,
		differ: NewDiffer(store, cols, diffs, nil),
	}
}

// writeBuild commits records into a build collection and returns ready
// build metadata describing it.
func (e *diffEnv) writeBuild(t *testing.T, name string, version uint64, fingerprint string, recs []record.Record) jobstore.Build {
	t.Helper()
	ref := collections.BuildRef(name, version)
	w, err := e.cols.NewWriter(ref)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Add(r))
	}
	_, err = w.Commit()
	require.NoError(t, err)
	return jobstore.Build{
		Name:        name,
		Version:     version,
		Fingerprint: fingerprint,
		State:       jobstore.BuildReady,
		Ref:         ref,
		RecordCount: len(recs),
	}
}

func geneRecords(n int) []record.Record {
	recs := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, record.Record{
			ID:     fmt.Sprintf("%04d", i),
			Fields: map[string]any{"symbol": fmt.Sprintf("GENE%d", i), "taxid": float64(9606)},
		})
	}
	return recs
}

func TestComputeFullInsertWithoutPredecessor(t *testing.T) {
	env := newDiffEnv(t)
	to := env.writeBuild(t, "main", 1, "f1", geneRecords(5))

	d, err := Compute(env.cols, jobstore.Build{}, to)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), d.FromVersion)
	assert.Equal(t, uint64(1), d.ToVersion)
	require.Len(t, d.Entries, 5)
	for _, e := range d.Entries {
		assert.Equal(t, OpInsert, e.Op)
		assert.NotNil(t, e.Payload)
	}
	assert.Equal(t, 5, d.Stats.Inserts)
}

func TestComputeIncremental(t *testing.T) {
	env := newDiffEnv(t)

	// Build v1: 100 records. Build v2: 3 changed, 1 new, rest identical.
	v1 := geneRecords(100)
	v2 := geneRecords(100)
	for _, i := range []int{3, 17, 42} {
		v2[i] = record.Record{ID: v2[i].ID, Fields: map[string]any{
			"symbol": v2[i].Fields["symbol"],
			"taxid":  float64(9606),
			"alias":  "renamed",
		}}
	}
	v2 = append(v2, record.Record{ID: "9999", Fields: map[string]any{"symbol": "NEWGENE", "taxid": float64(9606)}})

	from := env.writeBuild(t, "main", 1, "f1", v1)
	to := env.writeBuild(t, "main", 2, "f2", v2)

	d, err := Compute(env.cols, from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Stats.Inserts)
	assert.Equal(t, 3, d.Stats.Updates)
	assert.Equal(t, 0, d.Stats.Deletes)
	assert.Len(t, d.Entries, 4)
	assert.Equal(t, 3, d.Stats.UpdatedFields["alias"])

	// Upserts precede deletes and each section is in id order.
	var ids []string
	for _, e := range d.Entries {
		require.NotEqual(t, OpDelete, e.Op)
		ids = append(ids, e.ID)
	}
	assert.IsIncreasing(t, ids)
}

func TestComputeDeletes(t *testing.T) {
	env := newDiffEnv(t)
	v1 := geneRecords(10)
	v2 := v1[:7]

	from := env.writeBuild(t, "main", 1, "f1", v1)
	to := env.writeBuild(t, "main", 2, "f2", v2)

	d, err := Compute(env.cols, from, to)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Stats.Deletes)
	assert.Equal(t, 0, d.Stats.Inserts)
	assert.Equal(t, 0, d.Stats.Updates)
	require.Len(t, d.Entries, 3)
	for _, e := range d.Entries {
		assert.Equal(t, OpDelete, e.Op)
		assert.Nil(t, e.Payload)
	}
}

func TestComputeFingerprintShortCircuit(t *testing.T) {
	env := newDiffEnv(t)
	recs := geneRecords(5)
	from := env.writeBuild(t, "main", 1, "same", recs)
	to := env.writeBuild(t, "main", 2, "same", recs)

	d, err := Compute(env.cols, from, to)
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.Equal(t, uint64(1), d.FromVersion)
	assert.Equal(t, uint64(2), d.ToVersion)
}

func TestComputeDeterministic(t *testing.T) {
	env := newDiffEnv(t)
	v1 := geneRecords(20)
	v2 := append(geneRecords(18), record.Record{ID: "zzzz", Fields: map[string]any{"symbol": "LAST"}})

	from := env.writeBuild(t, "main", 1, "f1", v1)
	to := env.writeBuild(t, "main", 2, "f2", v2)

	first, err := Compute(env.cols, from, to)
	require.NoError(t, err)
	second, err := Compute(env.cols, from, to)
	require.NoError(t, err)
	assert.Equal(t, first.Entries, second.Entries)
	assert.Equal(t, first.Stats, second.Stats)
}

func TestDifferRunPersistsDiff(t *testing.T) {
	env := newDiffEnv(t)
	from := env.writeBuild(t, "main", 1, "f1", geneRecords(4))
	to := env.writeBuild(t, "main", 2, "f2", geneRecords(6))

	job, err := env.store.CreateJob(jobstore.Job{Type: jobstore.JobDiff, Build: "main"})
	require.NoError(t, err)

	done, d, err := env.differ.Run(job, from, to)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateSucceeded, done.State)
	assert.Equal(t, uint64(2), done.BuildVersion)
	assert.Equal(t, len(d.Entries), done.RecordCount)

	stored, err := env.diffs.Get("main", 2)
	require.NoError(t, err)
	assert.Equal(t, d.Entries, stored.Entries)
	assert.Equal(t, d.Stats, stored.Stats)
}

func TestDifferRejectsUnreadyTarget(t *testing.T) {
	env := newDiffEnv(t)
	to := env.writeBuild(t, "main", 1, "f1", geneRecords(2))
	to.State = jobstore.BuildBuilding

	job, err := env.store.CreateJob(jobstore.Job{Type: jobstore.JobDiff, Build: "main"})
	require.NoError(t, err)

	done, _, err := env.differ.Run(job, jobstore.Build{}, to)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	assert.Equal(t, jobstore.StateFailed, done.State)

	_, err = env.diffs.Get("main", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiffStoreMissing(t *testing.T) {
	env := newDiffEnv(t)
	_, err := env.diffs.Get("main", 7)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, env.diffs.Put(Diff{}))
}
