// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler starts and supervises hub jobs.
//
// The scheduler is the only component that creates work: manual triggers
// and periodic timers both funnel through it. It owns the concurrency
// limits (bounded concurrent uploads and builds), the retry policy
// (bounded attempts with exponential backoff and jitter, retrying only
// faults the taxonomy marks retryable), and per-name serialization of
// the build, diff, and publish pipeline. Every attempt is its own job
// row; a retry never mutates a terminal job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianHub/services/hub/build"
	"github.com/AleutianAI/AleutianHub/services/hub/collections"
	"github.com/AleutianAI/AleutianHub/services/hub/diff"
	"github.com/AleutianAI/AleutianHub/services/hub/faults"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/publish"
	"github.com/AleutianAI/AleutianHub/services/hub/source"
)

var (
	// ErrUnknownSource is returned for a trigger naming an undeclared
	// source.
	ErrUnknownSource = errors.New("scheduler: unknown source")

	// ErrUnknownBuild is returned for a trigger naming an undeclared
	// build.
	ErrUnknownBuild = errors.New("scheduler: unknown build")

	// ErrBusy is returned when an equivalent job is already in flight;
	// duplicate triggers are rejected, never queued.
	ErrBusy = errors.New("scheduler: job already in flight")

	// ErrThrottled is returned when manual triggers exceed the rate
	// limit.
	ErrThrottled = errors.New("scheduler: trigger rate exceeded")

	// ErrUpToDate is returned by a publish trigger when the live
	// release already serves the latest ready build's content.
	ErrUpToDate = errors.New("scheduler: live release is up to date")

	// ErrStopped is returned for triggers after shutdown began.
	ErrStopped = errors.New("scheduler: stopped")
)

// Limits bound the scheduler's concurrency and retry behavior.
type Limits struct {
	// MaxUploads bounds concurrent upload jobs. Default 4.
	MaxUploads int

	// MaxBuilds bounds concurrent build pipelines (across names; one
	// name is never built concurrently with itself). Default 2.
	MaxBuilds int

	// MaxAttempts bounds attempts per logical operation, first try
	// included. Default 3.
	MaxAttempts int

	// RetryBackoff is the initial retry delay. Default 2s.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff. Default 1m.
	MaxRetryBackoff time.Duration

	// RetryJitter randomizes backoff by this fraction. Default 0.25.
	RetryJitter float64

	// TriggerRate bounds manual triggers per second, with TriggerBurst
	// extra capacity. Defaults: 5/s, burst 10.
	TriggerRate  float64
	TriggerBurst int

	// PipelineEvery is the cadence of the automatic build-and-publish
	// sweep. Zero disables it; builds and publishes then run on manual
	// triggers only.
	PipelineEvery time.Duration
}

func (l *Limits) applyDefaults() {
	if l.MaxUploads <= 0 {
		l.MaxUploads = 4
	}
	if l.MaxBuilds <= 0 {
		l.MaxBuilds = 2
	}
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = 3
	}
	if l.RetryBackoff <= 0 {
		l.RetryBackoff = 2 * time.Second
	}
	if l.MaxRetryBackoff <= 0 {
		l.MaxRetryBackoff = time.Minute
	}
	if l.RetryJitter <= 0 || l.RetryJitter > 1 {
		l.RetryJitter = 0.25
	}
	if l.TriggerRate <= 0 {
		l.TriggerRate = 5
	}
	if l.TriggerBurst <= 0 {
		l.TriggerBurst = 10
	}
}

// Scheduler wires the pipeline components together and supervises their
// jobs.
type Scheduler struct {
	store     *jobstore.Store
	cols      *collections.Store
	registry  *source.Registry
	uploader  *source.Uploader
	builder   *build.Builder
	differ    *diff.Differ
	diffs     *diff.Store
	publisher *publish.Publisher

	sources map[string]source.Config
	builds  map[string]build.Spec
	limits  Limits
	logger  *slog.Logger

	limiter   *rate.Limiter
	uploadSem chan struct{}
	buildSem  chan struct{}

	mu        sync.Mutex
	nameLocks map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	grp    *errgroup.Group
}

// Deps are the components a scheduler supervises.
type Deps struct {
	Store     *jobstore.Store
	Cols      *collections.Store
	Registry  *source.Registry
	Uploader  *source.Uploader
	Builder   *build.Builder
	Differ    *diff.Differ
	Diffs     *diff.Store
	Publisher *publish.Publisher
	Logger    *slog.Logger
}

// New builds a scheduler over declared sources and builds. Call Start
// before triggering.
func New(deps Deps, sources []source.Config, builds []build.Spec, limits Limits) (*Scheduler, error) {
	limits.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	srcMap := make(map[string]source.Config, len(sources))
	for _, cfg := range sources {
		if _, dup := srcMap[cfg.Name]; dup {
			return nil, fmt.Errorf("scheduler: source %q declared twice", cfg.Name)
		}
		srcMap[cfg.Name] = cfg
	}
	buildMap := make(map[string]build.Spec, len(builds))
	for _, spec := range builds {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := buildMap[spec.Name]; dup {
			return nil, fmt.Errorf("scheduler: build %q declared twice", spec.Name)
		}
		for _, src := range spec.Sources {
			if _, ok := srcMap[src]; !ok {
				return nil, fmt.Errorf("scheduler: build %q requires undeclared source %q", spec.Name, src)
			}
		}
		buildMap[spec.Name] = spec
	}

	return &Scheduler{
		store:     deps.Store,
		cols:      deps.Cols,
		registry:  deps.Registry,
		uploader:  deps.Uploader,
		builder:   deps.Builder,
		differ:    deps.Differ,
		diffs:     deps.Diffs,
		publisher: deps.Publisher,
		sources:   srcMap,
		builds:    buildMap,
		limits:    limits,
		logger:    deps.Logger,
		limiter:   rate.NewLimiter(rate.Limit(limits.TriggerRate), limits.TriggerBurst),
		uploadSem: make(chan struct{}, limits.MaxUploads),
		buildSem:  make(chan struct{}, limits.MaxBuilds),
		nameLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Start recovers stale jobs from a previous process and begins accepting
// triggers. The supplied context bounds the scheduler's lifetime.
func (s *Scheduler) Start(ctx context.Context) error {
	recovered, err := s.store.RecoverStale()
	if err != nil {
		return fmt.Errorf("scheduler: recover stale jobs: %w", err)
	}
	if len(recovered) > 0 {
		s.logger.Warn("recovered stale jobs at startup", "count", len(recovered))
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.grp, s.ctx = errgroup.WithContext(s.ctx)
	s.startPeriodic(s.limits.PipelineEvery)
	return nil
}

// Stop cancels running jobs and waits for them to reach terminal states.
func (s *Scheduler) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.grp.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) nameLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		s.nameLocks[name] = l
	}
	return l
}

func (s *Scheduler) started() bool {
	return s.ctx != nil
}

func (s *Scheduler) admit() error {
	if !s.started() || s.ctx.Err() != nil {
		return ErrStopped
	}
	if !s.limiter.Allow() {
		return ErrThrottled
	}
	return nil
}

// inflight reports whether a non-terminal job matches the filter.
func (s *Scheduler) inflight(f jobstore.Filter) (bool, error) {
	jobs, err := s.store.ListJobs(f)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if !j.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// backoff returns the delay before retry attempt n (1-based), with
// exponential growth capped at MaxRetryBackoff and ±jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.limits.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if d > s.limits.MaxRetryBackoff || d <= 0 {
		d = s.limits.MaxRetryBackoff
	}
	jitterRange := float64(d) * s.limits.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	d = time.Duration(float64(d) + jitter)
	if d < 0 {
		d = s.limits.RetryBackoff
	}
	return d
}

// retryable reports whether a failed attempt should be retried.
func (s *Scheduler) retryable(err error, attempt int) bool {
	return faults.Retryable(err) && attempt < s.limits.MaxAttempts
}

func (s *Scheduler) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
