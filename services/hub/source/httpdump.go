// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianHub/services/hub/record"
)

// KindHTTPDump is the registry kind for the NDJSON-over-HTTP fetcher.
const KindHTTPDump = "http_dump"

// httpDumpMaxLine bounds one NDJSON line. Records larger than this are
// a data error, not something to buffer through.
const httpDumpMaxLine = 16 * 1024 * 1024

// HTTPDumpFetcher fetches newline-delimited JSON dumps over HTTP.
//
// Params:
//
//	url      - dump URL (required)
//	id_field - record field holding the ID (default "_id")
//
// The version token is the upstream's ETag, falling back to
// Last-Modified. Tokens are change markers, not ordered values: any
// token different from the last uploaded one counts as newer.
type HTTPDumpFetcher struct {
	client *http.Client
}

// NewHTTPDumpFetcher returns a fetcher over the given client. A nil
// client gets a 5 minute timeout default.
func NewHTTPDumpFetcher(client *http.Client) *HTTPDumpFetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPDumpFetcher{client: client}
}

// Version probes the dump URL with a HEAD request and returns its
// change token.
func (f *HTTPDumpFetcher) Version(ctx context.Context, cfg Config) (string, error) {
	url := cfg.Params["url"]
	if url == "" {
		return "", fmt.Errorf("source %s: missing url param", cfg.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("source %s: %w", cfg.Name, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("source %s: probe %s: %w", cfg.Name, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("source %s: probe %s: status %d", cfg.Name, url, resp.StatusCode)
	}

	token := resp.Header.Get("ETag")
	if token == "" {
		token = resp.Header.Get("Last-Modified")
	}
	if token == "" {
		return "", fmt.Errorf("source %s: %s offers no ETag or Last-Modified header", cfg.Name, url)
	}
	return token, nil
}

// Newer treats any token change as newer. An empty b (never uploaded)
// is older than anything.
func (f *HTTPDumpFetcher) Newer(a, b string) bool {
	if a == "" {
		return false
	}
	return b == "" || a != b
}

// Fetch streams the dump and decodes one record per line.
func (f *HTTPDumpFetcher) Fetch(ctx context.Context, cfg Config, version string) (Iterator, error) {
	url := cfg.Params["url"]
	if url == "" {
		return nil, fmt.Errorf("source %s: missing url param", cfg.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source %s: fetch %s: %w", cfg.Name, url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("source %s: fetch %s: status %d", cfg.Name, url, resp.StatusCode)
	}

	// The dump may have rolled over between the probe and the fetch.
	// Catching the mismatch here keeps an upload's version token
	// honest; the retry will pick up the new token.
	if token := resp.Header.Get("ETag"); token != "" && token != version {
		resp.Body.Close()
		return nil, fmt.Errorf("source %s: dump changed during fetch (%s != %s)", cfg.Name, token, version)
	}

	idField := cfg.Params["id_field"]
	if idField == "" {
		idField = "_id"
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), httpDumpMaxLine)
	return &ndjsonIterator{source: cfg.Name, idField: idField, body: resp.Body, sc: sc}, nil
}

// ndjsonIterator decodes one record per scanned line, skipping blanks.
type ndjsonIterator struct {
	source  string
	idField string
	body    io.ReadCloser
	sc      *bufio.Scanner
	line    int
}

// Next implements Iterator.
func (it *ndjsonIterator) Next() (record.Record, error) {
	for it.sc.Scan() {
		it.line++
		raw := it.sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return record.Record{}, fmt.Errorf("source %s: line %d: %w", it.source, it.line, err)
		}

		id, ok := fields[it.idField].(string)
		if !ok || id == "" {
			return record.Record{}, fmt.Errorf("source %s: line %d: missing %s", it.source, it.line, it.idField)
		}
		delete(fields, it.idField)
		return record.Record{ID: id, Fields: fields}, nil
	}
	if err := it.sc.Err(); err != nil {
		return record.Record{}, fmt.Errorf("source %s: read dump: %w", it.source, err)
	}
	return record.Record{}, io.EOF
}

// Close implements Iterator.
func (it *ndjsonIterator) Close() error {
	return it.body.Close()
}
