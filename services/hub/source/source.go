// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package source defines upstream sources and the uploader that ingests
// them into staging collections.
//
// The hub never knows how records are fetched; it depends only on the
// Fetcher capability interface. Concrete fetchers (HTTP dump readers,
// database extractors, ...) register by kind and are resolved from the
// source configuration, so the orchestrator core stays free of transport
// concerns.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AleutianAI/AleutianHub/services/hub/record"
)

// ErrUnknownKind is returned when no fetcher is registered for a
// source's configured kind.
var ErrUnknownKind = errors.New("source: no fetcher registered for kind")

// Config declares one upstream source. Created by configuration; its
// runtime state (current version, checksum) lives in the job store and
// is mutated only by completed upload jobs.
type Config struct {
	// Name is the unique source name builds refer to.
	Name string `yaml:"name" validate:"required"`

	// Kind selects the registered Fetcher variant.
	Kind string `yaml:"kind" validate:"required"`

	// Params are fetcher-specific settings (URL, credentials ref, ...).
	Params map[string]string `yaml:"params,omitempty"`

	// Every is the periodic upload cadence. Zero means manual triggers
	// only.
	Every time.Duration `yaml:"every,omitempty"`
}

// Iterator is a lazy, finite sequence of fetched records. Next returns
// io.EOF when the sequence ends. Iterators are restartable at the
// fetcher level: a failed upload discards the iterator and a retry
// fetches a fresh one.
type Iterator interface {
	Next() (record.Record, error)
	Close() error
}

// Fetcher is the pluggable fetch capability for one upstream kind.
type Fetcher interface {
	// Version returns the upstream's current version token for cfg.
	// Tokens are opaque; only Newer gives them an order.
	Version(ctx context.Context, cfg Config) (string, error)

	// Newer reports whether version a is strictly newer than b.
	// An empty b (source never uploaded) is older than anything.
	Newer(a, b string) bool

	// Fetch opens the record sequence for cfg at the given version.
	Fetch(ctx context.Context, cfg Config, version string) (Iterator, error)
}

// Registry maps fetcher kinds to implementations.
type Registry struct {
	fetchers map[string]Fetcher
}

// NewRegistry returns an empty fetcher registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register binds a fetcher to a kind, replacing any previous binding.
func (r *Registry) Register(kind string, f Fetcher) {
	r.fetchers[kind] = f
}

// For resolves the fetcher for a source config.
func (r *Registry) For(cfg Config) (Fetcher, error) {
	f, ok := r.fetchers[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return f, nil
}

// SliceIterator adapts an in-memory record slice to Iterator. Used by
// tests and by fetchers that decode a whole payload up front.
type SliceIterator struct {
	records []record.Record
	pos     int
}

// NewSliceIterator returns an iterator over recs.
func NewSliceIterator(recs []record.Record) *SliceIterator {
	return &SliceIterator{records: recs}
}

// Next implements Iterator.
func (it *SliceIterator) Next() (record.Record, error) {
	if it.pos >= len(it.records) {
		return record.Record{}, io.EOF
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, nil
}

// Close implements Iterator.
func (it *SliceIterator) Close() error { return nil }
