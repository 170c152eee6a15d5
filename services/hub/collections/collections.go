// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collections stores named record collections in badger.
//
// Both kinds of intermediate data in the hub are collections of records
// keyed by id: staging collections written by uploads
// ("staging/<source>@<version>") and build collections written by the
// builder ("build/<name>@<version>"). This package gives both the same
// primitives: atomic-feeling replace-on-write, streaming reads, batched
// id feeds for the differ, and an order-independent content checksum.
//
// A collection name is an opaque reference; helpers StagingRef and
// BuildRef produce the two conventional forms.
package collections

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianHub/services/hub/record"
)

var (
	// ErrNotFound is returned when a record or collection does not exist.
	ErrNotFound = errors.New("collections: not found")

	// ErrWriterClosed is returned when adding to a committed or
	// discarded writer.
	ErrWriterClosed = errors.New("collections: writer is closed")
)

// StagingRef names the staging collection for one source version.
func StagingRef(source, version string) string {
	return fmt.Sprintf("staging/%s@%s", source, version)
}

// BuildRef names the build collection for one build version.
func BuildRef(build string, version uint64) string {
	return fmt.Sprintf("build/%s@%d", build, version)
}

// Store provides access to record collections in one badger database.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// New wraps an opened badger database. The caller owns the db lifecycle.
func New(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// =============================================================================
// Writing
// =============================================================================

// Result summarizes a committed collection write.
type Result struct {
	// Ref is the collection reference that was written.
	Ref string
	// Count is the number of records in the collection.
	Count int
	// Checksum is the order-independent content checksum of the
	// collection (hex). Two collections with identical records always
	// produce identical checksums, whatever order they were written in.
	Checksum string
}

// Writer accumulates records for one collection and replaces the
// collection's previous contents on Commit. Not safe for concurrent use;
// one uploader or builder owns a writer at a time.
type Writer struct {
	store  *Store
	ref    string
	batch  *badger.WriteBatch
	count  int
	digest uint64
	ids    map[string]struct{}
	closed bool
}

// NewWriter starts a replace-write of the named collection. The previous
// contents stay readable until Commit; a discarded writer leaves them
// untouched.
func (s *Store) NewWriter(ref string) (*Writer, error) {
	if ref == "" {
		return nil, errors.New("collections: ref is required")
	}
	return &Writer{
		store: s,
		ref:   ref,
		batch: s.db.NewWriteBatch(),
		ids:   make(map[string]struct{}),
	}, nil
}

// Add appends one record. Records must have unique ids within the
// collection; a duplicate id is a validation failure of the upstream
// data, not something to resolve silently here.
func (w *Writer) Add(rec record.Record) error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, dup := w.ids[rec.ID]; dup {
		return fmt.Errorf("collections: duplicate record id %q in %s", rec.ID, w.ref)
	}
	raw, err := record.Encode(rec)
	if err != nil {
		return err
	}
	if err := w.batch.Set(recordKey(w.ref, rec.ID), raw); err != nil {
		return err
	}
	w.ids[rec.ID] = struct{}{}
	w.count++
	w.digest += recordDigest(rec.ID, raw)
	return nil
}

// Commit flushes the batch, removes records of the previous generation
// that are absent from this one, and returns the write summary.
func (w *Writer) Commit() (Result, error) {
	if w.closed {
		return Result{}, ErrWriterClosed
	}
	w.closed = true
	if err := w.batch.Flush(); err != nil {
		return Result{}, fmt.Errorf("flush %s: %w", w.ref, err)
	}
	if err := w.store.dropExcept(w.ref, w.ids); err != nil {
		return Result{}, err
	}
	res := Result{
		Ref:      w.ref,
		Count:    w.count,
		Checksum: fmt.Sprintf("%016x-%d", w.digest, w.count),
	}
	w.store.logger.Debug("collection committed", "ref", w.ref, "count", res.Count, "checksum", res.Checksum)
	return res, nil
}

// Discard abandons the write, leaving the previous contents intact.
func (w *Writer) Discard() {
	if w.closed {
		return
	}
	w.closed = true
	w.batch.Cancel()
}

// Drop removes a whole collection. Used when pruning superseded staging
// or build generations, never by the pipeline mid-flight.
func (s *Store) Drop(ref string) error {
	return s.dropExcept(ref, nil)
}

// dropExcept deletes every record of ref whose id is not in keep.
func (s *Store) dropExcept(ref string, keep map[string]struct{}) error {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(ref + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			id := string(key[len(prefix):])
			if _, ok := keep[id]; !ok {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// =============================================================================
// Reading
// =============================================================================

// Get returns one record from a collection.
func (s *Store) Get(ref, id string) (record.Record, error) {
	var rec record.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(ref, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, ref, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = record.Decode(id, val)
			return err
		})
	})
	return rec, err
}

// Count returns the number of records in a collection.
func (s *Store) Count(ref string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: []byte(ref + "/"), PrefetchValues: false}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// ForEach streams every record of a collection in id order.
func (s *Store) ForEach(ref string, fn func(record.Record) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(ref + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			var rec record.Record
			err := item.Value(func(val []byte) error {
				var decErr error
				rec, decErr = record.Decode(id, val)
				return decErr
			})
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// IDBatches feeds the ids of a collection in sorted batches of at most
// batchSize, the way the differ walks a build without loading it whole.
func (s *Store) IDBatches(ref string, batchSize int, fn func(ids []string) error) error {
	if batchSize < 1 {
		batchSize = 1000
	}
	var batch []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.IteratorOptions{Prefix: []byte(ref + "/"), PrefetchValues: false}
		it := txn.NewIterator(opts)
		defer it.Close()
		prefixLen := len(ref) + 1
		for it.Rewind(); it.Valid(); it.Next() {
			batch = append(batch, string(it.Item().Key()[prefixLen:]))
			if len(batch) == batchSize {
				if err := fn(batch); err != nil {
					return err
				}
				batch = nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// Checksum recomputes the order-independent checksum of a collection.
// Matches the checksum a Writer reported when the collection was written.
func (s *Store) Checksum(ref string) (string, error) {
	var digest uint64
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(ref + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			if err := item.Value(func(val []byte) error {
				digest += recordDigest(id, val)
				return nil
			}); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x-%d", digest, count), nil
}

// SortedIDs returns every id in a collection, sorted. Intended for tests
// and small administrative reads, not pipeline hot paths.
func (s *Store) SortedIDs(ref string) ([]string, error) {
	var ids []string
	err := s.IDBatches(ref, 4096, func(batch []string) error {
		ids = append(ids, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// =============================================================================
// Internals
// =============================================================================

func recordKey(ref, id string) []byte {
	return []byte(ref + "/" + id)
}

// recordDigest hashes one encoded record with its id. Summing digests
// mod 2^64 across a collection yields an order-independent checksum.
func recordDigest(id string, encoded []byte) uint64 {
	h := xxhash.New()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(id)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.WriteString(id)
	_, _ = h.Write(encoded)
	return h.Sum64()
}
