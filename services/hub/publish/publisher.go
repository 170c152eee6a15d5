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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHub/services/hub/diff"
	"github.com/AleutianAI/AleutianHub/services/hub/faults"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/telemetry"
)

// ErrNoRollbackTarget is returned when a build name has no retained
// prior release to roll back to.
var ErrNoRollbackTarget = errors.New("publish: no prior release retained")

const (
	defaultTimeout      = 10 * time.Minute
	defaultKeepReleases = 3
)

// Publisher applies diffs to the serving backend and manages release
// pointers. Publishes for one build name are serialized; a publish of
// version n+1 waits for n's attempt to reach a terminal state.
type Publisher struct {
	store   *jobstore.Store
	backend Backend
	timeout time.Duration
	keep    int
	logger  *slog.Logger

	mu    sync.Mutex
	names map[string]*sync.Mutex
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithTimeout bounds one publish attempt's backend work.
func WithTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.timeout = d }
}

// WithKeepReleases sets how many release entries (and their backend
// targets) are retained per build name as rollback candidates.
func WithKeepReleases(n int) PublisherOption {
	return func(p *Publisher) { p.keep = n }
}

// WithLogger sets the publisher's logger.
func WithLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher wires a publisher to the job store and a backend.
func NewPublisher(store *jobstore.Store, backend Backend, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:   store,
		backend: backend,
		timeout: defaultTimeout,
		keep:    defaultKeepReleases,
		logger:  slog.Default(),
		names:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) nameLock(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.names[name]
	if !ok {
		l = &sync.Mutex{}
		p.names[name] = l
	}
	return l
}

// Run executes one publish job: apply the diff to a fresh versioned
// target, verify, swap the pointer, and record the release.
//
// Re-publishing a diff whose target version is already live is a no-op
// that succeeds immediately and returns the existing release; that is
// what makes crash-and-retry safe after the pointer moved but before
// the job row was finalized.
func (p *Publisher) Run(ctx context.Context, job jobstore.Job, build jobstore.Build, d diff.Diff) (jobstore.Job, jobstore.Release, error) {
	lock := p.nameLock(d.Build)
	lock.Lock()
	defer lock.Unlock()

	if _, err := p.store.Transition(job.ID, jobstore.StatePending, jobstore.StateRunning, nil); err != nil {
		return jobstore.Job{}, jobstore.Release{}, err
	}

	rel, pubErr := p.publish(ctx, job, build, d)
	if pubErr != nil {
		failed, terr := p.store.Transition(job.ID, jobstore.StateRunning, jobstore.StateFailed, func(j *jobstore.Job) {
			j.ErrKind = string(faults.KindOf(pubErr))
			j.Err = pubErr.Error()
		})
		if terr != nil {
			return jobstore.Job{}, jobstore.Release{}, terr
		}
		return failed, jobstore.Release{}, pubErr
	}

	done, err := p.store.Transition(job.ID, jobstore.StateRunning, jobstore.StateSucceeded, func(j *jobstore.Job) {
		j.BuildVersion = rel.Version
		j.RecordCount = len(d.Entries)
	})
	if err != nil {
		return jobstore.Job{}, jobstore.Release{}, err
	}
	return done, rel, nil
}

func (p *Publisher) publish(ctx context.Context, job jobstore.Job, build jobstore.Build, d diff.Diff) (jobstore.Release, error) {
	if build.State != jobstore.BuildReady || build.Name != d.Build || build.Version != d.ToVersion {
		return jobstore.Release{}, faults.Wrapf(faults.KindValidation,
			"publish %s: diff targets v%d but build is %s v%d (%s)",
			d.Build, d.ToVersion, build.Name, build.Version, build.State)
	}

	live, err := p.store.LiveRelease(d.Build)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		if d.FromVersion != 0 {
			return jobstore.Release{}, faults.Wrapf(faults.KindValidation,
				"publish %s: diff assumes live v%d but nothing is published", d.Build, d.FromVersion)
		}
	case err != nil:
		return jobstore.Release{}, err
	case live.Version == d.ToVersion:
		// Already live; nothing to apply.
		p.logger.Info("publish already applied", "build", d.Build, "version", d.ToVersion)
		return live, nil
	case live.Version != d.FromVersion:
		return jobstore.Release{}, faults.Wrapf(faults.KindValidation,
			"publish %s: diff assumes live v%d but v%d is live", d.Build, d.FromVersion, live.Version)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := Target(d.Build, d.ToVersion)

	// A crash between the pointer swap and the release row commit leaves
	// the backend one version ahead of the store. The pointer is what
	// readers actually see: when it already resolves to the target,
	// re-cloning the previous build into it would regress live readers,
	// so record the missing release row and stop.
	current, err := p.backend.Pointer(ctx, d.Build)
	if err != nil {
		return jobstore.Release{}, p.classify(ctx, fmt.Errorf("read pointer %s: %w", d.Build, err))
	}
	if current == target {
		rel, err := p.recordRelease(job, build, d, target)
		if err != nil {
			return jobstore.Release{}, err
		}
		p.logger.Warn("reconciled release after interrupted publish",
			"build", d.Build, "version", d.ToVersion, "target", target)
		return rel, nil
	}

	if d.FromVersion == 0 {
		if err := p.backend.EnsureTarget(ctx, target); err != nil {
			return jobstore.Release{}, p.classify(ctx, fmt.Errorf("create target %s: %w", target, err))
		}
	} else {
		if err := p.backend.CloneTarget(ctx, live.Target, target); err != nil {
			return jobstore.Release{}, p.classify(ctx, fmt.Errorf("clone %s to %s: %w", live.Target, target, err))
		}
	}

	if err := p.apply(ctx, target, d); err != nil {
		return jobstore.Release{}, err
	}

	count, err := p.backend.Count(ctx, target)
	if err != nil {
		return jobstore.Release{}, p.classify(ctx, fmt.Errorf("count %s: %w", target, err))
	}
	if count != build.RecordCount {
		return jobstore.Release{}, faults.Wrapf(faults.KindBackendApply,
			"publish %s: target %s holds %d records, build v%d has %d",
			d.Build, target, count, build.Version, build.RecordCount)
	}

	if err := p.backend.Swap(ctx, d.Build, target); err != nil {
		// The previous release stays live; the new target is orphaned.
		return jobstore.Release{}, faults.Wrap(faults.KindPointerSwap,
			fmt.Errorf("swap %s to %s: %w", d.Build, target, err))
	}

	rel, err := p.recordRelease(job, build, d, target)
	if err != nil {
		return jobstore.Release{}, err
	}

	p.pruneOld(ctx, d.Build)

	p.logger.Info("release cut over",
		"build", d.Build,
		"from", d.FromVersion,
		"to", d.ToVersion,
		"target", target,
		"entries", len(d.Entries))
	return rel, nil
}

// recordRelease appends the release row for a swapped-in target and
// moves the live-version gauge.
func (p *Publisher) recordRelease(job jobstore.Job, build jobstore.Build, d diff.Diff, target string) (jobstore.Release, error) {
	rel, err := p.store.AppendRelease(jobstore.Release{
		Build:        d.Build,
		Version:      d.ToVersion,
		Fingerprint:  build.Fingerprint,
		Target:       target,
		PublishJobID: job.ID,
	})
	if err != nil {
		return jobstore.Release{}, err
	}
	telemetry.SetLiveVersion(d.Build, d.ToVersion)
	return rel, nil
}

// apply pushes entries in diff order and rejects any nack.
func (p *Publisher) apply(ctx context.Context, target string, d diff.Diff) error {
	if len(d.Entries) == 0 {
		return nil
	}
	acks, err := p.backend.Apply(ctx, target, d.Entries)
	if err != nil {
		return p.classify(ctx, fmt.Errorf("apply %d entries to %s: %w", len(d.Entries), target, err))
	}
	if len(acks) != len(d.Entries) {
		return faults.Wrapf(faults.KindBackendApply,
			"apply to %s: %d entries sent, %d acknowledged", target, len(d.Entries), len(acks))
	}
	for _, a := range acks {
		if a.Err != "" {
			return faults.Wrapf(faults.KindBackendApply,
				"apply to %s: entry %s (%s) rejected: %s", target, a.ID, a.Op, a.Err)
		}
	}
	return nil
}

// classify maps backend errors to the fault taxonomy: deadline and
// cancellation first, everything else a transient backend failure the
// scheduler may retry.
func (p *Publisher) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return faults.Wrap(faults.KindTimeout, err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return faults.Wrap(faults.KindCancelled, err)
	default:
		return faults.Transient(faults.KindBackendApply, err)
	}
}

// pruneOld trims release history beyond the retention limit and drops
// the pruned entries' backend targets. Failures here never fail the
// publish; orphans are retried on the next cut-over.
func (p *Publisher) pruneOld(ctx context.Context, name string) {
	history, err := p.store.ReleaseHistory(name)
	if err != nil || len(history) <= p.keep {
		return
	}
	retained := make(map[string]bool)
	for _, r := range history[len(history)-p.keep:] {
		retained[r.Target] = true
	}
	for _, r := range history[:len(history)-p.keep] {
		if retained[r.Target] {
			continue
		}
		if err := p.backend.DropTarget(ctx, r.Target); err != nil {
			p.logger.Warn("drop pruned target", "build", name, "target", r.Target, "error", err)
		}
	}
	if _, err := p.store.PruneReleases(name, p.keep); err != nil {
		p.logger.Warn("prune releases", "build", name, "error", err)
	}
}

// Rollback re-points a build name at its immediately prior retained
// release. It recomputes nothing and moves no data, so it is safe
// whenever the prior target still exists.
func (p *Publisher) Rollback(ctx context.Context, name string) (jobstore.Release, error) {
	lock := p.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	history, err := p.store.ReleaseHistory(name)
	if err != nil {
		return jobstore.Release{}, err
	}
	if len(history) == 0 {
		return jobstore.Release{}, fmt.Errorf("%w: %s was never published", jobstore.ErrNotFound, name)
	}
	live := history[len(history)-1]

	// Walk back past the live entry to the most recent entry with a
	// different target.
	var prior *jobstore.Release
	for i := len(history) - 2; i >= 0; i-- {
		if history[i].Target != live.Target {
			prior = &history[i]
			break
		}
	}
	if prior == nil {
		return jobstore.Release{}, fmt.Errorf("%w: %s", ErrNoRollbackTarget, name)
	}

	if err := p.backend.Swap(ctx, name, prior.Target); err != nil {
		return jobstore.Release{}, faults.Wrap(faults.KindPointerSwap,
			fmt.Errorf("rollback %s to %s: %w", name, prior.Target, err))
	}

	rel, err := p.store.AppendRelease(jobstore.Release{
		Build:       name,
		Version:     prior.Version,
		Fingerprint: prior.Fingerprint,
		Target:      prior.Target,
		RolledBack:  true,
	})
	if err != nil {
		return jobstore.Release{}, err
	}

	telemetry.SetLiveVersion(name, prior.Version)
	p.logger.Warn("release rolled back",
		"build", name,
		"from", live.Version,
		"to", prior.Version,
		"target", prior.Target)
	return rel, nil
}
