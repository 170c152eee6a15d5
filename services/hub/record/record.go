// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package record defines the structured record model shared by every stage
// of the hub pipeline (staging, build, diff, publish).
//
// A Record is an identifier plus a flat-to-nested field map, as produced by
// an upstream fetcher after decoding. Records are value types: once handed
// to a store or a build they MUST NOT be mutated.
//
// # Content Hashing
//
// Records carry no stored hash; Hash() recomputes it from a canonical JSON
// encoding (recursively sorted keys) so that two records with equal logical
// content always hash identically, regardless of map iteration order or of
// which component produced them. The same canonical encoding feeds build
// fingerprints and per-record diff comparisons, which is what makes diffs
// and fingerprints reproducible across process restarts.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrEmptyID is returned when a record has no identifier.
	ErrEmptyID = errors.New("record has empty id")

	// ErrUnencodable is returned when a field value cannot be canonically
	// encoded (e.g., a channel or func smuggled in via any).
	ErrUnencodable = errors.New("record field cannot be encoded")
)

// Record is one structured document flowing through the pipeline.
type Record struct {
	// ID is the stable identifier records are merged and diffed by.
	ID string `json:"_id"`

	// Fields holds the document body. Values are the usual JSON scalar,
	// slice and map[string]any shapes.
	Fields map[string]any `json:"fields"`
}

// Validate checks structural invariants before a record enters a store.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyID
	}
	return nil
}

// Hash returns the content hash of the record body.
//
// The hash covers Fields only, not ID: the diff layer compares records
// that already share an identifier, and including the ID would make
// cross-collection fingerprint arithmetic awkward for no benefit.
func (r Record) Hash() (uint64, error) {
	enc, err := CanonicalBytes(r.Fields)
	if err != nil {
		return 0, fmt.Errorf("hash %q: %w", r.ID, err)
	}
	return xxhash.Sum64(enc), nil
}

// Clone returns a deep copy safe to mutate independently.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Fields: cloneValue(r.Fields).(map[string]any)}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// CanonicalBytes encodes a value as JSON with recursively sorted object
// keys. encoding/json already sorts map keys, but only at the top level of
// a map value and not through intermediate any indirections produced by a
// prior Unmarshal; normalizing through sortValue keeps the guarantee
// explicit and independent of stdlib behavior.
func CanonicalBytes(v any) ([]byte, error) {
	norm, err := sortValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// sortValue rebuilds v with deterministic ordering. json.Marshal sorts
// map[string]any keys itself, so the real work here is rejecting
// unencodable values early and normalizing numbers decoded from JSON.
func sortValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return t, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			sv, err := sortValue(t[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = sv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			sv, err := sortValue(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = sv
		}
		return out, nil
	default:
		// Anything else (structs from fetchers, time.Time, ...) must
		// round-trip through JSON to a comparable shape.
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %T", ErrUnencodable, t)
		}
		var back any
		if err := json.Unmarshal(raw, &back); err != nil {
			return nil, fmt.Errorf("%w: %T", ErrUnencodable, t)
		}
		return sortValue(back)
	}
}

// Encode serializes a record for storage.
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	fields, err := CanonicalBytes(r.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", r.ID, err)
	}
	return fields, nil
}

// Decode rebuilds a record stored under id.
func Decode(id string, data []byte) (Record, error) {
	var fields map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return Record{}, fmt.Errorf("decode %q: %w", id, err)
		}
	}
	return Record{ID: id, Fields: fields}, nil
}
