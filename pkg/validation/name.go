// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided identifiers that end
// up in storage keys, API paths, and backend collection names. Using these
// validators prevents injection through configured or request-supplied names
// (key-prefix collisions, path traversal, backend class name abuse).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// namePattern matches valid source and build names.
// Allows: lowercase letters, digits, underscores, hyphens, dots.
// Must start with a letter or digit. Max length: 64 characters.
//
// The character set is the intersection of what is safe in badger key
// segments (no "/" or "@", both are reserved separators), URL path
// segments, and serving backend collection names.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]{0,63}$`)

// ValidateName validates a source or build name.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters a-z and digits 0-9
//   - Underscores, dots, and hyphens after the first character
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateName(cfg.Name); err != nil {
//	    return fmt.Errorf("invalid source name: %w", err)
//	}
//	// Safe to use in store keys and API paths
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name: %q (must be 1-64 lowercase alphanumeric chars, underscores, dots, or hyphens)", name)
	}

	return nil
}

// ValidateNames validates multiple names.
// Returns an error listing all invalid names if any fail validation.
func ValidateNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateName(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid names: %v", invalid)
	}
	return nil
}

// SanitizeName normalizes and validates a name.
// Returns the lowercase name if valid, or an error if invalid.
//
// Use this at the API boundary where names arrive from requests:
//
//	safeName, err := validation.SanitizeName(c.Param("name"))
//	if err != nil {
//	    return err
//	}
//	// safeName is lowercase and validated
func SanitizeName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
