// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publish applies change-sets to a serving backend and advances
// the live release pointer through an atomic swap.
//
// A publish never writes into what readers currently see. Entries are
// applied to a versioned target that is not yet referenced by the
// pointer; only after every entry is acknowledged and the record count
// verified does the pointer move. A failure at any earlier step leaves
// the previous release live and the new target orphaned.
package publish

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianHub/services/hub/diff"
)

// Target names the versioned backend collection for one build version.
// The pointer for a build name resolves to exactly one target at a time.
func Target(build string, version uint64) string {
	return fmt.Sprintf("%s/v%d", build, version)
}

// Ack is one entry's application outcome. Err is empty on success.
type Ack struct {
	ID  string
	Op  diff.Op
	Err string
}

// Backend is the serving system a publish writes to.
//
// Implementations must make Swap a single atomic operation: a reader
// resolving the pointer sees either the old target or the new one,
// never an in-between state. Backends without a native alias primitive
// simulate it with the versioned-key indirection Target encodes.
type Backend interface {
	// EnsureTarget creates an empty versioned target.
	EnsureTarget(ctx context.Context, target string) error

	// CloneTarget copies one target's full contents into another,
	// giving an incremental diff its base state.
	CloneTarget(ctx context.Context, from, to string) error

	// Apply bulk-writes entries into a target, in order, returning one
	// ack per entry. A non-nil error means the batch as a whole failed;
	// per-entry failures come back as acks with Err set.
	Apply(ctx context.Context, target string, entries []diff.Entry) ([]Ack, error)

	// Count returns the number of records in a target.
	Count(ctx context.Context, target string) (int, error)

	// Swap atomically re-points a build name at a target.
	Swap(ctx context.Context, name, target string) error

	// Pointer resolves a build name to its current target, or "" when
	// the name has never been published.
	Pointer(ctx context.Context, name string) (string, error)

	// DropTarget removes an unreferenced target's data.
	DropTarget(ctx context.Context, target string) error
}
