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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/faults"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/telemetry"
)

// ErrNotFound is returned when no stored diff matches.
var ErrNotFound = errors.New("diff: not found")

const diffPrefix = "diffset/"

// Store persists computed diffs so a publish interrupted mid-apply can
// resume from the exact same change-set.
type Store struct {
	db *badger.DB
}

// NewStore wraps an opened badger database.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func diffKey(build string, to uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", diffPrefix, build, to))
}

// Put persists a diff, keyed by build name and target version. Writing
// the same key twice overwrites; diffs are deterministic, so the
// rewrite is byte-equivalent apart from CreatedAt.
func (s *Store) Put(d Diff) error {
	if d.Build == "" || d.ToVersion == 0 {
		return errors.New("diff: build name and target version are required")
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(diffKey(d.Build, d.ToVersion), raw)
	})
}

// Get returns the stored diff targeting one build version.
func (s *Store) Get(build string, to uint64) (Diff, error) {
	var d Diff
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(diffKey(build, to))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s v%d", ErrNotFound, build, to)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		})
	})
	return d, err
}

// Differ runs diff jobs: compute the change-set between two builds and
// persist it for the publisher.
type Differ struct {
	store  *jobstore.Store
	cols   *collections.Store
	diffs  *Store
	logger *slog.Logger
}

// NewDiffer wires a differ to its stores.
func NewDiffer(store *jobstore.Store, cols *collections.Store, diffs *Store, logger *slog.Logger) *Differ {
	if logger == nil {
		logger = slog.Default()
	}
	return &Differ{store: store, cols: cols, diffs: diffs, logger: logger}
}

// Run executes one diff job: compute from..to, persist the result, and
// move the job to a terminal state. from is the zero value when no
// previous build was ever published.
func (d *Differ) Run(job jobstore.Job, from, to jobstore.Build) (jobstore.Job, Diff, error) {
	if _, err := d.store.Transition(job.ID, jobstore.StatePending, jobstore.StateRunning, nil); err != nil {
		return jobstore.Job{}, Diff{}, err
	}

	out, computeErr := d.compute(from, to)
	if computeErr != nil {
		failed, terr := d.store.Transition(job.ID, jobstore.StateRunning, jobstore.StateFailed, func(j *jobstore.Job) {
			j.ErrKind = string(faults.KindOf(computeErr))
			j.Err = computeErr.Error()
		})
		if terr != nil {
			return jobstore.Job{}, Diff{}, terr
		}
		return failed, Diff{}, computeErr
	}

	done, err := d.store.Transition(job.ID, jobstore.StateRunning, jobstore.StateSucceeded, func(j *jobstore.Job) {
		j.BuildVersion = to.Version
		j.RecordCount = len(out.Entries)
	})
	if err != nil {
		return jobstore.Job{}, Diff{}, err
	}
	return done, out, nil
}

func (d *Differ) compute(from, to jobstore.Build) (Diff, error) {
	if to.State != jobstore.BuildReady {
		return Diff{}, faults.Wrapf(faults.KindValidation,
			"diff %s: target build v%d is %s, not ready", to.Name, to.Version, to.State)
	}
	out, err := Compute(d.cols, from, to)
	if err != nil {
		return Diff{}, err
	}
	if err := d.diffs.Put(out); err != nil {
		return Diff{}, err
	}
	telemetry.RecordDiffEntries(out.Build, out.Stats.Inserts, out.Stats.Updates, out.Stats.Deletes)
	d.logger.Info("diff computed",
		"build", out.Build,
		"from", out.FromVersion,
		"to", out.ToVersion,
		"inserts", out.Stats.Inserts,
		"updates", out.Stats.Updates,
		"deletes", out.Stats.Deletes,
		"empty", out.Empty())
	return out, nil
}
