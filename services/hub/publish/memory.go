// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianHub/services/hub/diff"
)

// ErrUnknownTarget is returned for reads of a target that was never
// created.
var ErrUnknownTarget = errors.New("publish: unknown target")

// MemoryBackend is an in-process Backend. It serves as the default
// backend for single-node deployments and as the harness backends are
// verified against: reads resolve through the pointer under the same
// lock Swap takes, so a concurrent reader observes entirely the old
// target or entirely the new one.
type MemoryBackend struct {
	mu       sync.RWMutex
	targets  map[string]map[string]map[string]any
	pointers map[string]string

	// FailAfter, when > 0, fails Apply after that many entries with a
	// transient error. Used to exercise partial-apply recovery.
	FailAfter int

	// SwapErr, when set, makes the next Swap fail.
	SwapErr error
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		targets:  make(map[string]map[string]map[string]any),
		pointers: make(map[string]string),
	}
}

func (m *MemoryBackend) EnsureTarget(_ context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[target]; !ok {
		m.targets[target] = make(map[string]map[string]any)
	}
	return nil
}

func (m *MemoryBackend) CloneTarget(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.targets[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, from)
	}
	dst := make(map[string]map[string]any, len(src))
	for id, fields := range src {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		dst[id] = copied
	}
	m.targets[to] = dst
	return nil
}

func (m *MemoryBackend) Apply(ctx context.Context, target string, entries []diff.Entry) ([]Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst, ok := m.targets[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	acks := make([]Ack, 0, len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return acks, err
		}
		if m.FailAfter > 0 && i >= m.FailAfter {
			return acks, fmt.Errorf("backend write failed after %d entries: connection reset", i)
		}
		switch e.Op {
		case diff.OpInsert, diff.OpUpdate:
			dst[e.ID] = e.Payload
			acks = append(acks, Ack{ID: e.ID, Op: e.Op})
		case diff.OpDelete:
			delete(dst, e.ID)
			acks = append(acks, Ack{ID: e.ID, Op: e.Op})
		default:
			acks = append(acks, Ack{ID: e.ID, Op: e.Op, Err: fmt.Sprintf("unknown op %q", e.Op)})
		}
	}
	return acks, nil
}

func (m *MemoryBackend) Count(_ context.Context, target string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dst, ok := m.targets[target]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return len(dst), nil
}

func (m *MemoryBackend) Swap(_ context.Context, name, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SwapErr != nil {
		err := m.SwapErr
		m.SwapErr = nil
		return err
	}
	if _, ok := m.targets[target]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	m.pointers[name] = target
	return nil
}

func (m *MemoryBackend) Pointer(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pointers[name], nil
}

func (m *MemoryBackend) DropTarget(_ context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, live := range m.pointers {
		if live == target {
			return fmt.Errorf("publish: target %s is live", target)
		}
	}
	delete(m.targets, target)
	return nil
}

// Read resolves a record through the live pointer for a build name.
// Pointer resolution and the read happen under one lock acquisition, so
// interleaved reads during a publish never mix targets.
func (m *MemoryBackend) Read(_ context.Context, name, id string) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.pointers[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: no pointer for %s", ErrUnknownTarget, name)
	}
	fields, ok := m.targets[target][id]
	return fields, ok, nil
}

// ReadAll returns every record visible through the live pointer.
func (m *MemoryBackend) ReadAll(_ context.Context, name string) (map[string]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.pointers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no pointer for %s", ErrUnknownTarget, name)
	}
	out := make(map[string]map[string]any, len(m.targets[target]))
	for id, fields := range m.targets[target] {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		out[id] = copied
	}
	return out, nil
}
