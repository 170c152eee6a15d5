// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate adapts a Weaviate instance to the publish.Backend
// contract.
//
// Weaviate has no alias primitive, so the backend uses versioned-key
// indirection: each publish target becomes its own class, and a small
// pointer class holds one object per build name whose payload names the
// live target class. Replacing that object is a single PUT, which gives
// the publisher its atomic swap.
//
// Record identifiers are arbitrary strings; Weaviate object ids must be
// UUIDs. Ids are mapped deterministically with SHA1-derived UUIDs, so
// re-applying a diff overwrites rather than duplicates.
package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	wvt "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianHub/services/hub/diff"
	"github.com/AleutianAI/AleutianHub/services/hub/publish"
)

const (
	pointerClass = "HubReleasePointer"
	classPrefix  = "Hub_"
	scanPageSize = 200
	batchSize    = 100
)

// idNamespace seeds the deterministic record-id to UUID mapping.
var idNamespace = uuid.MustParse("8f1c9d52-74e7-4a41-9f3b-2b6aafd0c1e7")

// Config configures the backend.
type Config struct {
	// URL is the Weaviate server URL, e.g. "http://localhost:8080".
	URL string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Backend implements publish.Backend against one Weaviate instance.
type Backend struct {
	client *wvt.Client
	logger *slog.Logger
}

var _ publish.Backend = (*Backend)(nil)

// New connects to Weaviate and ensures the pointer class exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("weaviate: URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wcfg := wvt.Config{Host: cfg.URL, Scheme: "http"}
	switch {
	case strings.HasPrefix(cfg.URL, "https://"):
		wcfg.Scheme = "https"
		wcfg.Host = strings.TrimPrefix(cfg.URL, "https://")
	case strings.HasPrefix(cfg.URL, "http://"):
		wcfg.Host = strings.TrimPrefix(cfg.URL, "http://")
	}

	client, err := wvt.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("weaviate: create client: %w", err)
	}

	b := &Backend{client: client, logger: cfg.Logger}
	if err := b.ensureClass(ctx, pointerClass); err != nil {
		return nil, err
	}
	return b, nil
}

// className maps a logical target like "main/v2" to a valid Weaviate
// class name like "Hub_main_v2".
func className(target string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, target)
	return classPrefix + mapped
}

func objectID(class, recordID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(idNamespace, []byte(class+"/"+recordID)).String())
}

func (b *Backend) ensureClass(ctx context.Context, class string) error {
	exists, err := b.client.Schema().ClassExistenceChecker().WithClassName(class).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate: check class %s: %w", class, err)
	}
	if exists {
		return nil
	}
	err = b.client.Schema().ClassCreator().WithClass(&models.Class{
		Class:      class,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "hub_id", DataType: []string{"text"}},
			{Name: "payload", DataType: []string{"text"}},
		},
	}).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate: create class %s: %w", class, err)
	}
	return nil
}

func (b *Backend) EnsureTarget(ctx context.Context, target string) error {
	return b.ensureClass(ctx, className(target))
}

// CloneTarget cursor-reads the source class page by page and batch-writes
// each page into the destination, re-deriving object ids so the copy is
// independent of the original.
func (b *Backend) CloneTarget(ctx context.Context, from, to string) error {
	srcClass, dstClass := className(from), className(to)
	if err := b.ensureClass(ctx, dstClass); err != nil {
		return err
	}
	return b.scan(ctx, srcClass, func(objs []*models.Object) error {
		copies := make([]*models.Object, 0, len(objs))
		for _, o := range objs {
			props, ok := o.Properties.(map[string]any)
			if !ok {
				return fmt.Errorf("weaviate: unexpected properties shape in %s", srcClass)
			}
			hubID, _ := props["hub_id"].(string)
			copies = append(copies, &models.Object{
				Class:      dstClass,
				ID:         objectID(dstClass, hubID),
				Properties: map[string]any{"hub_id": props["hub_id"], "payload": props["payload"]},
			})
		}
		_, err := b.client.Batch().ObjectsBatcher().WithObjects(copies...).Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate: clone batch into %s: %w", dstClass, err)
		}
		return nil
	})
}

// Apply upserts inserts/updates through the objects batcher and issues
// deletes individually, preserving entry order between the two phases
// of a diff (upserts always precede deletes within one change-set).
func (b *Backend) Apply(ctx context.Context, target string, entries []diff.Entry) ([]publish.Ack, error) {
	class := className(target)
	acks := make([]publish.Ack, 0, len(entries))

	var pending []*models.Object
	var pendingEntries []diff.Entry

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		resp, err := b.client.Batch().ObjectsBatcher().WithObjects(pending...).Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate: batch write to %s: %w", class, err)
		}
		for i, r := range resp {
			ack := publish.Ack{ID: pendingEntries[i].ID, Op: pendingEntries[i].Op}
			if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
				ack.Err = r.Result.Errors.Error[0].Message
			}
			acks = append(acks, ack)
		}
		pending = pending[:0]
		pendingEntries = pendingEntries[:0]
		return nil
	}

	for _, e := range entries {
		switch e.Op {
		case diff.OpInsert, diff.OpUpdate:
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				acks = append(acks, publish.Ack{ID: e.ID, Op: e.Op, Err: err.Error()})
				continue
			}
			pending = append(pending, &models.Object{
				Class:      class,
				ID:         objectID(class, e.ID),
				Properties: map[string]any{"hub_id": e.ID, "payload": string(raw)},
			})
			pendingEntries = append(pendingEntries, e)
			if len(pending) >= batchSize {
				if err := flush(); err != nil {
					return acks, err
				}
			}
		case diff.OpDelete:
			if err := flush(); err != nil {
				return acks, err
			}
			err := b.client.Data().Deleter().
				WithClassName(class).
				WithID(string(objectID(class, e.ID))).
				Do(ctx)
			ack := publish.Ack{ID: e.ID, Op: e.Op}
			if err != nil && !isNotFound(err) {
				ack.Err = err.Error()
			}
			acks = append(acks, ack)
		default:
			acks = append(acks, publish.Ack{ID: e.ID, Op: e.Op, Err: fmt.Sprintf("unknown op %q", e.Op)})
		}
	}
	if err := flush(); err != nil {
		return acks, err
	}
	return acks, nil
}

func (b *Backend) Count(ctx context.Context, target string) (int, error) {
	n := 0
	err := b.scan(ctx, className(target), func(objs []*models.Object) error {
		n += len(objs)
		return nil
	})
	return n, err
}

// Swap replaces the pointer object for a build name in one PUT.
func (b *Backend) Swap(ctx context.Context, name, target string) error {
	exists, err := b.client.Schema().ClassExistenceChecker().WithClassName(className(target)).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate: check target %s: %w", target, err)
	}
	if !exists {
		return fmt.Errorf("weaviate: target %s does not exist", target)
	}

	id := string(objectID(pointerClass, name))
	props := map[string]any{
		"hub_id":  name,
		"payload": target,
	}
	err = b.client.Data().Updater().
		WithClassName(pointerClass).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	if err == nil {
		return nil
	}
	// First publish for this name: the pointer object does not exist yet.
	_, cerr := b.client.Data().Creator().
		WithClassName(pointerClass).
		WithID(id).
		WithProperties(props).
		Do(ctx)
	if cerr != nil {
		return fmt.Errorf("weaviate: set pointer %s: update: %v, create: %w", name, err, cerr)
	}
	return nil
}

func (b *Backend) Pointer(ctx context.Context, name string) (string, error) {
	objs, err := b.client.Data().ObjectsGetter().
		WithClassName(pointerClass).
		WithID(string(objectID(pointerClass, name))).
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("weaviate: read pointer %s: %w", name, err)
	}
	if len(objs) == 0 {
		return "", nil
	}
	props, ok := objs[0].Properties.(map[string]any)
	if !ok {
		return "", fmt.Errorf("weaviate: unexpected pointer shape for %s", name)
	}
	target, _ := props["payload"].(string)
	return target, nil
}

func (b *Backend) DropTarget(ctx context.Context, target string) error {
	class := className(target)
	err := b.client.Schema().ClassDeleter().WithClassName(class).Do(ctx)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("weaviate: drop class %s: %w", class, err)
	}
	return nil
}

// scan cursor-reads a whole class in stable id order, one page per
// callback.
func (b *Backend) scan(ctx context.Context, class string, fn func([]*models.Object) error) error {
	after := ""
	for {
		getter := b.client.Data().ObjectsGetter().
			WithClassName(class).
			WithLimit(scanPageSize)
		if after != "" {
			getter = getter.WithAfter(after)
		}
		objs, err := getter.Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate: scan %s: %w", class, err)
		}
		if len(objs) == 0 {
			return nil
		}
		if err := fn(objs); err != nil {
			return err
		}
		if len(objs) < scanPageSize {
			return nil
		}
		after = string(objs[len(objs)-1].ID)
	}
}

// isNotFound inspects the client's typed error rather than the message
// text, so a payload that happens to mention "404" is not mistaken for
// a missing object.
func isNotFound(err error) bool {
	var cerr *fault.WeaviateClientError
	if errors.As(err, &cerr) {
		return cerr.StatusCode == http.StatusNotFound
	}
	return false
}

// WaitReady polls the readiness endpoint until the instance answers or
// the deadline passes. Used at startup so a hub does not race a
// co-deployed Weaviate container.
func (b *Backend) WaitReady(ctx context.Context, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		ready, err := b.client.Misc().ReadyChecker().Do(ctx)
		if err == nil && ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("weaviate: not ready: %w", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}
