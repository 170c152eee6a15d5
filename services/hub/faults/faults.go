// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package faults defines the hub's error taxonomy.
//
// Every pipeline failure is wrapped with a Kind so that two distant
// consumers can act on it without string matching: the scheduler's retry
// policy (retryable kinds get bounded backoff, fatal kinds surface as
// failed terminal jobs) and the job store's audit fields (ErrKind/Err on
// failed rows).
//
// Wrapping preserves the original error chain; errors.Is and errors.As
// keep working through a Fault.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// KindFetch: upstream unreachable or mid-transfer failure. Retryable.
	KindFetch Kind = "fetch"
	// KindValidation: malformed upstream records. Needs operator action.
	KindValidation Kind = "validation"
	// KindConflict: a newer upload already in progress for the source.
	// Rejected, never queued behind.
	KindConflict Kind = "conflict"
	// KindMergeConflict: the configured precedence itself is ambiguous.
	KindMergeConflict Kind = "merge_conflict"
	// KindIncompleteMerge: merged record count does not match expectation.
	KindIncompleteMerge Kind = "incomplete_merge"
	// KindDiffInconsistency: an id appears in more than one diff op set.
	// Always a defect, always fatal.
	KindDiffInconsistency Kind = "diff_inconsistency"
	// KindBackendApply: the serving backend rejected or lost entries.
	// Retryable when marked transient.
	KindBackendApply Kind = "backend_apply"
	// KindTimeout: a bounded operation ran out of time. Retryable.
	KindTimeout Kind = "timeout"
	// KindPointerSwap: the atomic pointer swap failed. Fatal to the
	// publish attempt; the previous release stays live.
	KindPointerSwap Kind = "pointer_swap"
	// KindCancelled: the job was cancelled by an operator.
	KindCancelled Kind = "cancelled"
	// KindInternal: anything the taxonomy does not cover.
	KindInternal Kind = "internal"
)

// Fault attaches a Kind (and a transient marker) to an error.
type Fault struct {
	Kind      Kind
	Transient bool
	Err       error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Wrap tags err with a kind. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Err: err}
}

// Wrapf tags a formatted error with a kind.
func Wrapf(kind Kind, format string, args ...any) error {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Transient tags err as a transient failure of the given kind. Only
// relevant for kinds that are conditionally retryable (backend apply).
func Transient(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Transient: true, Err: err}
}

// KindOf returns the innermost Fault kind in err's chain, or
// KindInternal when the error was never classified.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// Retryable reports whether the scheduler may retry the failed attempt.
//
// FetchError and TimeoutError are always retryable; BackendApplyError
// only when tagged transient. Everything else needs operator attention.
func Retryable(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	switch f.Kind {
	case KindFetch, KindTimeout:
		return true
	case KindBackendApply:
		return f.Transient
	default:
		return false
	}
}
