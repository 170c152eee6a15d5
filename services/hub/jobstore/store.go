// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobstore provides the durable, append-only record of every unit
// of work the hub performs (uploads, builds, diffs, publishes), plus the
// source and release bookkeeping derived from completed jobs.
//
// # Model
//
// Job rows are created in `pending`, moved with optimistic state checks
// (a transition is rejected if the stored state does not match the
// expected prior state), and become immutable once terminal. Every
// transition also appends an event to a per-job causal log, which gives
// the system its audit trail and makes crash recovery a replay of
// incomplete states rather than a repair.
//
// # Keyspace
//
//	job/<id>                 one Job row
//	joblog/<id>/<seq>        one TransitionEvent per transition
//	source/<name>            SourceStatus of the last succeeded upload
//	release/<name>/<seq>     Release history, newest entry is live
//	seq/build/<name>         monotonic build version counter
//	seq/release/<name>       monotonic release history counter
//
// # Thread Safety
//
// Store is safe for concurrent use. Per-row write serialization comes
// from running every transition inside one badger update transaction
// with an expected-state check, which detects duplicate scheduler
// triggers without any external locking.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a job, source, or release does not exist.
	ErrNotFound = errors.New("jobstore: not found")

	// ErrStateConflict is returned when a transition's expected prior
	// state does not match the stored state. This is how duplicate
	// scheduler triggers surface.
	ErrStateConflict = errors.New("jobstore: state conflict")

	// ErrTerminal is returned when transitioning a job that already
	// reached a terminal state.
	ErrTerminal = errors.New("jobstore: job is terminal")

	// ErrDuplicateID is returned when creating a job whose ID exists.
	ErrDuplicateID = errors.New("jobstore: duplicate job id")
)

const (
	jobPrefix     = "job/"
	jobLogPrefix  = "joblog/"
	sourcePrefix  = "source/"
	buildPrefix   = "buildmeta/"
	releasePrefix = "release/"
	buildSeqKey   = "seq/build/"
	releaseSeqKey = "seq/release/"
)

func buildKey(name string, version uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", buildPrefix, name, version))
}

// Store is the badger-backed job store.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger for transition events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithObserver registers an observer for every transition event.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, o) }
}

// New wraps an opened badger database. The caller retains ownership of
// the database lifecycle (opened at startup, closed at shutdown).
func New(db *badger.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe adds an observer after construction.
func (s *Store) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// =============================================================================
// Jobs
// =============================================================================

// CreateJob persists a new job in state pending and returns it with ID
// and CreatedAt populated.
func (s *Store) CreateJob(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		return Job{}, errors.New("jobstore: job type is required")
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	job.State = StatePending
	job.CreatedAt = time.Now().UTC()

	ev := TransitionEvent{JobType: job.Type, ID: job.ID, From: "", To: StatePending, Timestamp: job.CreatedAt}
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(jobPrefix + job.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := putJSON(txn, key, job); err != nil {
			return err
		}
		return s.appendLog(txn, ev)
	})
	if err != nil {
		return Job{}, err
	}
	s.emit(ev)
	return job, nil
}

// Transition moves a job from an expected prior state to a new state.
//
// Description:
//
//	Runs the whole transition in one update transaction: loads the row,
//	rejects it if the stored state differs from `from` (optimistic
//	check) or is already terminal, applies the optional mutate hook,
//	stamps timestamps, persists the row, and appends the causal log
//	entry. Observers fire only after the transaction commits.
//
// Inputs:
//
//	id - Job ID.
//	from - Expected current state.
//	to - New state.
//	mutate - Optional hook to set result fields (counts, refs, error).
//	         Runs inside the transaction; must not touch the store.
//
// Outputs:
//
//	Job - The stored row after the transition.
//	error - ErrNotFound, ErrStateConflict, ErrTerminal, or storage errors.
func (s *Store) Transition(id string, from, to JobState, mutate func(*Job)) (Job, error) {
	var out Job
	var ev TransitionEvent
	err := s.db.Update(func(txn *badger.Txn) error {
		job, err := getJob(txn, id)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, id, job.State)
		}
		if job.State != from {
			return fmt.Errorf("%w: %s is %s, expected %s", ErrStateConflict, id, job.State, from)
		}
		now := time.Now().UTC()
		job.State = to
		switch {
		case to == StateRunning:
			job.StartedAt = now
		case to.Terminal():
			job.EndedAt = now
		}
		if mutate != nil {
			mutate(&job)
		}
		if err := putJSON(txn, []byte(jobPrefix+id), job); err != nil {
			return err
		}
		ev = TransitionEvent{JobType: job.Type, ID: job.ID, From: from, To: to, Timestamp: now, Err: job.Err}
		if err := s.appendLog(txn, ev); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	s.emit(ev)
	return out, nil
}

// GetJob returns one job by ID.
func (s *Store) GetJob(id string) (Job, error) {
	var job Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = getJob(txn, id)
		return err
	})
	return job, err
}

// ListJobs returns jobs matching the filter, oldest first.
func (s *Store) ListJobs(f Filter) ([]Job, error) {
	var jobs []Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		jobs, err = listJobs(txn, f)
		return err
	})
	return jobs, err
}

// JobLog returns the causal log of one job, in transition order.
func (s *Store) JobLog(id string) ([]TransitionEvent, error) {
	var events []TransitionEvent
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(jobLogPrefix + id + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ev TransitionEvent
			if err := valueJSON(it.Item(), &ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

// RecoverStale fails every non-terminal job left over from a previous
// process, so a restart never resumes half-done work. Returns the jobs
// it failed.
func (s *Store) RecoverStale() ([]Job, error) {
	jobs, err := s.ListJobs(Filter{})
	if err != nil {
		return nil, err
	}
	var recovered []Job
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		failed, err := s.Transition(j.ID, j.State, StateFailed, func(job *Job) {
			job.ErrKind = "interrupted"
			job.Err = "job interrupted by process restart"
		})
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", j.ID, err)
		}
		s.logger.Warn("recovered stale job", "job_id", failed.ID, "job_type", failed.Type, "prior_state", j.State)
		recovered = append(recovered, failed)
	}
	return recovered, nil
}

// =============================================================================
// Sources
// =============================================================================

// SetSourceStatus records the outcome of a succeeded upload. Called only
// by the uploader after its job reaches `succeeded`.
func (s *Store) SetSourceStatus(st SourceStatus) error {
	if st.Name == "" {
		return errors.New("jobstore: source name is required")
	}
	st.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, []byte(sourcePrefix+st.Name), st)
	})
}

// SourceStatusFor returns the last succeeded upload bookkeeping for a
// source, or ErrNotFound if the source never uploaded successfully.
func (s *Store) SourceStatusFor(name string) (SourceStatus, error) {
	var st SourceStatus
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, []byte(sourcePrefix+name), &st)
	})
	return st, err
}

// =============================================================================
// Builds
// =============================================================================

// PutBuild persists build metadata. Called by the builder when a merge
// starts (state building) and when it completes (ready or failed). A
// ready build row is never rewritten.
func (s *Store) PutBuild(b Build) error {
	if b.Name == "" || b.Version == 0 {
		return errors.New("jobstore: build name and version are required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var existing Build
		err := readJSON(txn, buildKey(b.Name, b.Version), &existing)
		if err == nil && existing.State == BuildReady {
			return fmt.Errorf("jobstore: build %s v%d is ready and immutable", b.Name, b.Version)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return putJSON(txn, buildKey(b.Name, b.Version), b)
	})
}

// GetBuild returns build metadata for one version.
func (s *Store) GetBuild(name string, version uint64) (Build, error) {
	var b Build
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, buildKey(name, version), &b)
	})
	return b, err
}

// LatestReadyBuild returns the highest-versioned ready build for a name.
func (s *Store) LatestReadyBuild(name string) (Build, error) {
	var latest Build
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(buildPrefix + name + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var b Build
			if err := valueJSON(it.Item(), &b); err != nil {
				return err
			}
			if b.State == BuildReady {
				latest = b
				found = true
			}
		}
		return nil
	})
	if err != nil {
		return Build{}, err
	}
	if !found {
		return Build{}, fmt.Errorf("%w: no ready build for %s", ErrNotFound, name)
	}
	return latest, nil
}

// ListBuilds returns every build row for a name, oldest version first.
func (s *Store) ListBuilds(name string) ([]Build, error) {
	var builds []Build
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(buildPrefix + name + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var b Build
			if err := valueJSON(it.Item(), &b); err != nil {
				return err
			}
			builds = append(builds, b)
		}
		return nil
	})
	return builds, err
}

// =============================================================================
// Releases
// =============================================================================

// AppendRelease appends a release history entry for a build name. The
// appended entry becomes the live release.
func (s *Store) AppendRelease(r Release) (Release, error) {
	if r.Build == "" {
		return Release{}, errors.New("jobstore: release build name is required")
	}
	r.CreatedAt = time.Now().UTC()
	err := s.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, releaseSeqKey+r.Build)
		if err != nil {
			return err
		}
		return putJSON(txn, releaseKey(r.Build, seq), r)
	})
	if err != nil {
		return Release{}, err
	}
	return r, nil
}

// LiveRelease returns the newest release entry for a build name.
func (s *Store) LiveRelease(build string) (Release, error) {
	history, err := s.ReleaseHistory(build)
	if err != nil {
		return Release{}, err
	}
	if len(history) == 0 {
		return Release{}, fmt.Errorf("%w: release %s", ErrNotFound, build)
	}
	return history[len(history)-1], nil
}

// ReleaseHistory returns every retained release entry for a build name,
// oldest first.
func (s *Store) ReleaseHistory(build string) ([]Release, error) {
	var history []Release
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(releasePrefix + build + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r Release
			if err := valueJSON(it.Item(), &r); err != nil {
				return err
			}
			history = append(history, r)
		}
		return nil
	})
	return history, err
}

// PruneReleases drops the oldest release entries beyond keep. The live
// entry is never pruned. This is the one deliberate deletion in the
// store; everything else is superseded, not removed.
func (s *Store) PruneReleases(build string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	pruned := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(releasePrefix + build + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		if len(keys) <= keep {
			return nil
		}
		for _, k := range keys[:len(keys)-keep] {
			if err := txn.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// NextBuildVersion returns the next monotonic build version for a name.
func (s *Store) NextBuildVersion(build string) (uint64, error) {
	var v uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		v, err = nextSeq(txn, buildSeqKey+build)
		return err
	})
	return v, err
}

// =============================================================================
// Snapshots
// =============================================================================

// Snapshot is a point-in-time, read-only view over the store, used by the
// dependency resolver so readiness checks see one consistent state.
type Snapshot struct {
	txn *badger.Txn
}

// Snapshot opens a point-in-time view. Callers must Close it.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{txn: s.db.NewTransaction(false)}
}

// Close releases the snapshot.
func (sn *Snapshot) Close() {
	sn.txn.Discard()
}

// SourceStatusFor reads a source's status in the snapshot.
func (sn *Snapshot) SourceStatusFor(name string) (SourceStatus, error) {
	var st SourceStatus
	err := readJSON(sn.txn, []byte(sourcePrefix+name), &st)
	return st, err
}

// Jobs lists jobs matching the filter in the snapshot, oldest first.
func (sn *Snapshot) Jobs(f Filter) ([]Job, error) {
	return listJobs(sn.txn, f)
}

// =============================================================================
// Internals
// =============================================================================

// appendLog writes one causal log entry. The caller builds the event so
// the persisted entry and the emitted observer event carry the same
// timestamp.
func (s *Store) appendLog(txn *badger.Txn, ev TransitionEvent) error {
	seq, err := nextSeq(txn, "seq/joblog/"+ev.ID)
	if err != nil {
		return err
	}
	return putJSON(txn, []byte(fmt.Sprintf("%s%s/%08d", jobLogPrefix, ev.ID, seq)), ev)
}

func (s *Store) emit(ev TransitionEvent) {
	s.logger.Info("job transition",
		"job_type", ev.JobType,
		"job_id", ev.ID,
		"from", string(ev.From),
		"to", string(ev.To),
		"error", ev.Err)
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		o(ev)
	}
}

func getJob(txn *badger.Txn, id string) (Job, error) {
	var job Job
	if err := readJSON(txn, []byte(jobPrefix+id), &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func listJobs(txn *badger.Txn, f Filter) ([]Job, error) {
	var jobs []Job
	prefix := []byte(jobPrefix)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var job Job
		if err := valueJSON(it.Item(), &job); err != nil {
			return nil, err
		}
		if f.Match(job) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func nextSeq(txn *badger.Txn, key string) (uint64, error) {
	var cur uint64
	item, err := txn.Get([]byte(key))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		cur = 0
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			_, scanErr := fmt.Sscanf(string(val), "%d", &cur)
			return scanErr
		}); err != nil {
			return 0, err
		}
	}
	cur++
	if err := txn.Set([]byte(key), []byte(fmt.Sprintf("%d", cur))); err != nil {
		return 0, err
	}
	return cur, nil
}

func releaseKey(build string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", releasePrefix, build, seq))
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func readJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSuffix(string(key), "/"))
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func valueJSON(item *badger.Item, v any) error {
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
