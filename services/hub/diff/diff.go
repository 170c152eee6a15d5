// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff computes ordered change-sets between successive builds of
// the same name.
//
// A diff carries enough payload per entry to be applied to a serving
// backend without re-reading the build it came from. Identical (from,
// to) build pairs always produce an identical diff, entry for entry,
// which is what makes re-publish after a crash idempotent.
package diff

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/faults"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/record"
)

// Op is a change-set operation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Entry is one change: the record to upsert, or the id to remove.
type Entry struct {
	ID string `json:"id"`
	Op Op     `json:"op"`

	// Payload is the full new record content for insert and update
	// entries; nil for deletes.
	Payload map[string]any `json:"payload,omitempty"`
}

// Stats summarizes a diff for operators.
type Stats struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`

	// UpdatedFields counts, per field name, how many update entries
	// changed that field.
	UpdatedFields map[string]int `json:"updated_fields,omitempty"`
}

// Diff is the immutable change-set between two builds of one name.
// FromVersion 0 marks a full-insert diff with no predecessor.
type Diff struct {
	Build           string    `json:"build"`
	FromVersion     uint64    `json:"from_version"`
	ToVersion       uint64    `json:"to_version"`
	FromFingerprint string    `json:"from_fingerprint,omitempty"`
	ToFingerprint   string    `json:"to_fingerprint"`
	Entries         []Entry   `json:"entries"`
	Stats           Stats     `json:"stats"`
	CreatedAt       time.Time `json:"created_at"`
}

// Empty reports whether applying the diff would change nothing.
func (d Diff) Empty() bool {
	return len(d.Entries) == 0
}

// recordSource is the read surface the differ needs from a collection
// store. Satisfied by *collections.Store.
type recordSource interface {
	Get(ref, id string) (record.Record, error)
	ForEach(ref string, fn func(record.Record) error) error
	IDBatches(ref string, batchSize int, fn func(ids []string) error) error
}

func inconsistency(format string, args ...any) error {
	return faults.Wrapf(faults.KindDiffInconsistency, format, args...)
}

func fingerprintsEqual(from, to jobstore.Build) bool {
	return from.Fingerprint != "" && from.Fingerprint == to.Fingerprint
}

// Compute builds the change-set transforming from's content into to's.
//
// Description:
//
//	Two passes, mirroring the shape of an id-batched comparison. Pass
//	one walks the new build in id order: ids absent from the previous
//	build become inserts, ids present with a different content hash
//	become updates carrying the new payload. Pass two walks the
//	previous build's ids and emits a delete for every id the new build
//	no longer has. Inserts and updates therefore precede deletes, and
//	each section is in id order, so the entry sequence is a pure
//	function of the two builds.
//
//	A zero-valued from (no predecessor) yields a full-insert diff. A
//	shared fingerprint short-circuits to an empty diff without reading
//	either collection.
//
// Inputs:
//
//	src - Collection reads (the collections store).
//	from - The previously published build; zero value if none exists.
//	to - The build to publish.
//
// Outputs:
//
//	Diff - The ordered change-set, with summary stats.
//	error - DiffInconsistency faults for defects (an id in both the
//	        upsert and delete sets, or an unhashable record mid-walk).
func Compute(src recordSource, from, to jobstore.Build) (Diff, error) {
	d := Diff{
		Build:           to.Name,
		FromVersion:     from.Version,
		ToVersion:       to.Version,
		FromFingerprint: from.Fingerprint,
		ToFingerprint:   to.Fingerprint,
		CreatedAt:       time.Now().UTC(),
	}

	if fingerprintsEqual(from, to) {
		return d, nil
	}

	if from.Version == 0 {
		err := src.ForEach(to.Ref, func(rec record.Record) error {
			d.Entries = append(d.Entries, Entry{ID: rec.ID, Op: OpInsert, Payload: rec.Fields})
			d.Stats.Inserts++
			return nil
		})
		if err != nil {
			return Diff{}, fmt.Errorf("diff %s full insert: %w", to.Name, err)
		}
		return d, nil
	}

	upserted := make(map[string]struct{})

	err := src.ForEach(to.Ref, func(newRec record.Record) error {
		oldRec, err := src.Get(from.Ref, newRec.ID)
		if errors.Is(err, collections.ErrNotFound) {
			d.Entries = append(d.Entries, Entry{ID: newRec.ID, Op: OpInsert, Payload: newRec.Fields})
			d.Stats.Inserts++
			upserted[newRec.ID] = struct{}{}
			return nil
		}
		if err != nil {
			return err
		}
		newHash, err := newRec.Hash()
		if err != nil {
			return inconsistency("diff %s: hash %q in v%d: %w", to.Name, newRec.ID, to.Version, err)
		}
		oldHash, err := oldRec.Hash()
		if err != nil {
			return inconsistency("diff %s: hash %q in v%d: %w", to.Name, oldRec.ID, from.Version, err)
		}
		if newHash == oldHash {
			return nil
		}
		d.Entries = append(d.Entries, Entry{ID: newRec.ID, Op: OpUpdate, Payload: newRec.Fields})
		d.Stats.Updates++
		countChangedFields(&d.Stats, oldRec.Fields, newRec.Fields)
		upserted[newRec.ID] = struct{}{}
		return nil
	})
	if err != nil {
		return Diff{}, fmt.Errorf("diff %s v%d..v%d: %w", to.Name, from.Version, to.Version, err)
	}

	err = src.IDBatches(from.Ref, 1000, func(ids []string) error {
		for _, id := range ids {
			if _, err := src.Get(to.Ref, id); err == nil {
				continue
			} else if !errors.Is(err, collections.ErrNotFound) {
				return err
			}
			if _, ok := upserted[id]; ok {
				return inconsistency("diff %s: %q in both upsert and delete sets", to.Name, id)
			}
			d.Entries = append(d.Entries, Entry{ID: id, Op: OpDelete})
			d.Stats.Deletes++
		}
		return nil
	})
	if err != nil {
		return Diff{}, fmt.Errorf("diff %s v%d..v%d: %w", to.Name, from.Version, to.Version, err)
	}

	return d, nil
}

// countChangedFields tallies which fields an update touched: changed or
// added fields from the new record, plus fields the new record dropped.
func countChangedFields(st *Stats, oldFields, newFields map[string]any) {
	if st.UpdatedFields == nil {
		st.UpdatedFields = make(map[string]int)
	}
	for k, nv := range newFields {
		ov, ok := oldFields[k]
		if !ok || !fieldsEqual(ov, nv) {
			st.UpdatedFields[k]++
		}
	}
	for k := range oldFields {
		if _, ok := newFields[k]; !ok {
			st.UpdatedFields[k]++
		}
	}
}

func fieldsEqual(a, b any) bool {
	ab, aerr := record.CanonicalBytes(a)
	bb, berr := record.CanonicalBytes(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}
