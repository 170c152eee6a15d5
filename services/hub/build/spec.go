// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package build merges staged source collections into named, versioned,
// fingerprinted build collections.
//
// A build spec declares its required sources and a total precedence
// order. Precedence decides field-level conflicts: when several sources
// contribute the same field of the same record, the source listed
// earlier in Precedence wins that field; disjoint fields from different
// sources coexist in the merged record. Requiring a total order at
// validation time removes merge-time tie-breaking entirely, so merge
// results never depend on iteration order.
package build

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrPrecedenceIncomplete is returned when a multi-source spec does
	// not give a total precedence order over its sources. Undeclared
	// precedence between two sources is a configuration error, caught
	// here rather than tie-broken at merge time.
	ErrPrecedenceIncomplete = errors.New("build: precedence must totally order the declared sources")

	// ErrPrecedenceUnknownSource is returned when precedence names a
	// source the spec does not declare.
	ErrPrecedenceUnknownSource = errors.New("build: precedence names an undeclared source")

	// ErrDuplicateSource is returned when a source appears twice.
	ErrDuplicateSource = errors.New("build: duplicate source in spec")
)

var validate = validator.New()

// Spec declares one named build.
type Spec struct {
	// Name is the build (and release pointer) name.
	Name string `yaml:"name" validate:"required"`

	// Sources are the required source names. The build always takes
	// the latest succeeded upload of each at trigger time; versions
	// are never pinned in the spec.
	Sources []string `yaml:"sources" validate:"required,min=1,dive,required"`

	// Precedence orders Sources from winning to losing for field-level
	// conflicts. Required (and must cover every source) when more than
	// one source is declared; optional for single-source builds.
	Precedence []string `yaml:"precedence,omitempty"`
}

// Validate checks structural tags and the precedence total-order rule.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("build spec %q: %w", s.Name, err)
	}

	declared := make(map[string]bool, len(s.Sources))
	for _, src := range s.Sources {
		if declared[src] {
			return fmt.Errorf("%w: %q in %q", ErrDuplicateSource, src, s.Name)
		}
		declared[src] = true
	}

	if len(s.Sources) == 1 && len(s.Precedence) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(s.Precedence))
	for _, src := range s.Precedence {
		if !declared[src] {
			return fmt.Errorf("%w: %q in %q", ErrPrecedenceUnknownSource, src, s.Name)
		}
		if seen[src] {
			return fmt.Errorf("%w: %q listed twice in %q", ErrPrecedenceIncomplete, src, s.Name)
		}
		seen[src] = true
	}
	if len(seen) != len(declared) {
		return fmt.Errorf("%w: %q declares %d sources, precedence covers %d",
			ErrPrecedenceIncomplete, s.Name, len(declared), len(seen))
	}
	return nil
}

// MergeOrder returns the sources from losing to winning, so a merge can
// apply them in sequence with later writes overriding earlier ones.
func (s Spec) MergeOrder() []string {
	prec := s.Precedence
	if len(prec) == 0 {
		prec = s.Sources
	}
	out := make([]string, len(prec))
	for i, src := range prec {
		out[len(prec)-1-i] = src
	}
	return out
}
