// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianHub/services/hub/build"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/source"
)

// TriggerUpload queues one upload job for a declared source.
//
// Acceptance is synchronous: the returned job is pending and will run
// asynchronously; completion is reported through the job store. A
// trigger is rejected with ErrBusy while another upload for the same
// source is in flight, and with ErrUpToDate when the upstream version
// equals what the last succeeded upload already staged.
func (s *Scheduler) TriggerUpload(ctx context.Context, name string) (jobstore.Job, error) {
	if err := s.admit(); err != nil {
		return jobstore.Job{}, err
	}
	cfg, ok := s.sources[name]
	if !ok {
		return jobstore.Job{}, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return s.triggerUpload(ctx, cfg)
}

func (s *Scheduler) triggerUpload(ctx context.Context, cfg source.Config) (jobstore.Job, error) {
	name := cfg.Name

	// The in-flight check and job creation hold the trigger lock
	// together; concurrent triggers for one source serialize here.
	admit := s.nameLock("upload/" + name)
	admit.Lock()
	defer admit.Unlock()

	busy, err := s.inflight(jobstore.Filter{Type: jobstore.JobUpload, Source: name})
	if err != nil {
		return jobstore.Job{}, err
	}
	if busy {
		return jobstore.Job{}, fmt.Errorf("%w: upload for %q", ErrBusy, name)
	}

	fetcher, err := s.registry.For(cfg)
	if err != nil {
		return jobstore.Job{}, err
	}
	version, err := fetcher.Version(ctx, cfg)
	if err != nil {
		return jobstore.Job{}, fmt.Errorf("resolve version for %q: %w", name, err)
	}
	if st, err := s.store.SourceStatusFor(name); err == nil && !fetcher.Newer(version, st.Version) {
		return jobstore.Job{}, fmt.Errorf("%w: %q already at %q", ErrUpToDate, name, st.Version)
	} else if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return jobstore.Job{}, err
	}

	job, err := s.store.CreateJob(jobstore.Job{
		Type:          jobstore.JobUpload,
		Source:        name,
		TargetVersion: version,
	})
	if err != nil {
		return jobstore.Job{}, err
	}

	s.grp.Go(func() error {
		s.runUpload(cfg, job)
		return nil
	})
	return job, nil
}

// runUpload executes one upload attempt under the upload semaphore and
// schedules bounded retries for retryable faults. Each retry is a fresh
// job row with Attempt incremented.
func (s *Scheduler) runUpload(cfg source.Config, job jobstore.Job) {
	select {
	case s.uploadSem <- struct{}{}:
		defer func() { <-s.uploadSem }()
	case <-s.ctx.Done():
		s.abandon(job)
		return
	}

	for {
		_, err := s.uploader.Run(s.ctx, cfg, job)
		if err == nil || !s.retryable(err, job.Attempt) {
			return
		}

		delay := s.backoff(job.Attempt)
		s.logger.Warn("upload attempt failed, retrying",
			"source", cfg.Name,
			"attempt", job.Attempt,
			"backoff", delay,
			"error", err)
		if !s.sleep(delay) {
			return
		}

		retry, cerr := s.store.CreateJob(jobstore.Job{
			Type:          jobstore.JobUpload,
			Source:        cfg.Name,
			TargetVersion: job.TargetVersion,
			Attempt:       job.Attempt + 1,
		})
		if cerr != nil {
			s.logger.Error("create retry job", "source", cfg.Name, "error", cerr)
			return
		}
		job = retry
	}
}

// TriggerBuild queues one build job for a declared build name. The
// dependency readiness check runs inside the job; an unsatisfied
// dependency fails the job, it does not block the trigger.
func (s *Scheduler) TriggerBuild(_ context.Context, name string) (jobstore.Job, error) {
	if err := s.admit(); err != nil {
		return jobstore.Job{}, err
	}
	spec, ok := s.builds[name]
	if !ok {
		return jobstore.Job{}, fmt.Errorf("%w: %q", ErrUnknownBuild, name)
	}
	return s.triggerBuild(name, spec)
}

func (s *Scheduler) triggerBuild(name string, spec build.Spec) (jobstore.Job, error) {
	admit := s.nameLock("build/" + name)
	admit.Lock()
	defer admit.Unlock()

	busy, err := s.inflight(jobstore.Filter{Type: jobstore.JobBuild, Build: name})
	if err != nil {
		return jobstore.Job{}, err
	}
	if busy {
		return jobstore.Job{}, fmt.Errorf("%w: build for %q", ErrBusy, name)
	}

	job, err := s.store.CreateJob(jobstore.Job{Type: jobstore.JobBuild, Build: name})
	if err != nil {
		return jobstore.Job{}, err
	}

	s.grp.Go(func() error {
		s.runBuild(spec, job)
		return nil
	})
	return job, nil
}

func (s *Scheduler) runBuild(spec build.Spec, job jobstore.Job) {
	select {
	case s.buildSem <- struct{}{}:
		defer func() { <-s.buildSem }()
	case <-s.ctx.Done():
		s.abandon(job)
		return
	}

	lock := s.nameLock(spec.Name)
	for {
		lock.Lock()
		_, _, err := s.builder.Run(s.ctx, spec, job)
		lock.Unlock()
		if err == nil || !s.retryable(err, job.Attempt) {
			return
		}

		delay := s.backoff(job.Attempt)
		s.logger.Warn("build attempt failed, retrying",
			"build", spec.Name,
			"attempt", job.Attempt,
			"backoff", delay,
			"error", err)
		if !s.sleep(delay) {
			return
		}
		retry, cerr := s.store.CreateJob(jobstore.Job{
			Type:    jobstore.JobBuild,
			Build:   spec.Name,
			Attempt: job.Attempt + 1,
		})
		if cerr != nil {
			s.logger.Error("create retry job", "build", spec.Name, "error", cerr)
			return
		}
		job = retry
	}
}

// TriggerPublish queues the diff-and-publish pipeline for a build name:
// diff the latest ready build against what is live, then apply and cut
// over. Returns the diff job; the publish job follows it in the store.
//
// ErrUpToDate is returned without queuing anything when the live
// release already has the latest build's fingerprint.
func (s *Scheduler) TriggerPublish(_ context.Context, name string) (jobstore.Job, error) {
	if err := s.admit(); err != nil {
		return jobstore.Job{}, err
	}
	if _, ok := s.builds[name]; !ok {
		return jobstore.Job{}, fmt.Errorf("%w: %q", ErrUnknownBuild, name)
	}
	return s.triggerPublish(name)
}

func (s *Scheduler) triggerPublish(name string) (jobstore.Job, error) {
	admit := s.nameLock("publish/" + name)
	admit.Lock()
	defer admit.Unlock()

	for _, typ := range []jobstore.JobType{jobstore.JobDiff, jobstore.JobPublish} {
		busy, err := s.inflight(jobstore.Filter{Type: typ, Build: name})
		if err != nil {
			return jobstore.Job{}, err
		}
		if busy {
			return jobstore.Job{}, fmt.Errorf("%w: %s for %q", ErrBusy, typ, name)
		}
	}

	target, err := s.store.LatestReadyBuild(name)
	if err != nil {
		return jobstore.Job{}, fmt.Errorf("publish %q: %w", name, err)
	}

	var from jobstore.Build
	live, err := s.store.LiveRelease(name)
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		// First publish; full-insert diff.
	case err != nil:
		return jobstore.Job{}, err
	case live.Fingerprint == target.Fingerprint:
		return jobstore.Job{}, fmt.Errorf("%w: %q serves fingerprint %s", ErrUpToDate, name, live.Fingerprint)
	default:
		from, err = s.store.GetBuild(name, live.Version)
		if err != nil {
			return jobstore.Job{}, fmt.Errorf("publish %q: load live build v%d: %w", name, live.Version, err)
		}
	}

	diffJob, err := s.store.CreateJob(jobstore.Job{Type: jobstore.JobDiff, Build: name})
	if err != nil {
		return jobstore.Job{}, err
	}

	s.grp.Go(func() error {
		s.runPublishPipeline(name, from, target, diffJob)
		return nil
	})
	return diffJob, nil
}

// runPublishPipeline diffs then publishes, serialized per name. A
// retryable publish failure re-runs the whole pipeline with fresh jobs;
// the diff is deterministic, so the recomputed change-set is identical.
func (s *Scheduler) runPublishPipeline(name string, from, target jobstore.Build, diffJob jobstore.Job) {
	lock := s.nameLock(name)
	attempt := diffJob.Attempt
	for {
		lock.Lock()
		done := s.publishOnce(name, from, target, diffJob, attempt)
		lock.Unlock()
		if done {
			return
		}

		delay := s.backoff(attempt)
		s.logger.Warn("publish attempt failed, retrying",
			"build", name,
			"attempt", attempt,
			"backoff", delay)
		if !s.sleep(delay) {
			return
		}
		attempt++
		retryDiff, cerr := s.store.CreateJob(jobstore.Job{
			Type:    jobstore.JobDiff,
			Build:   name,
			Attempt: attempt,
		})
		if cerr != nil {
			s.logger.Error("create retry job", "build", name, "error", cerr)
			return
		}
		diffJob = retryDiff
	}
}

// publishOnce runs one diff+publish attempt. Returns true when the
// pipeline is finished, either successfully or with a fault that must
// not be retried.
func (s *Scheduler) publishOnce(name string, from, target jobstore.Build, diffJob jobstore.Job, attempt int) bool {
	_, changeSet, err := s.differ.Run(diffJob, from, target)
	if err != nil {
		s.logger.Error("diff failed", "build", name, "error", err)
		return true
	}

	pubJob, err := s.store.CreateJob(jobstore.Job{
		Type:    jobstore.JobPublish,
		Build:   name,
		Attempt: attempt,
	})
	if err != nil {
		s.logger.Error("create publish job", "build", name, "error", err)
		return true
	}

	_, _, err = s.publisher.Run(s.ctx, pubJob, target, changeSet)
	if err == nil {
		return true
	}
	if !s.retryable(err, attempt) {
		s.logger.Error("publish failed", "build", name, "attempt", attempt, "error", err)
		return true
	}
	return false
}

// Rollback re-points a build name at its prior retained release.
func (s *Scheduler) Rollback(ctx context.Context, name string) (jobstore.Release, error) {
	if err := s.admit(); err != nil {
		return jobstore.Release{}, err
	}
	if _, ok := s.builds[name]; !ok {
		return jobstore.Release{}, fmt.Errorf("%w: %q", ErrUnknownBuild, name)
	}
	return s.publisher.Rollback(ctx, name)
}

// abandon fails a pending job that never got to run because shutdown
// began first.
func (s *Scheduler) abandon(job jobstore.Job) {
	_, err := s.store.Transition(job.ID, jobstore.StatePending, jobstore.StateFailed, func(j *jobstore.Job) {
		j.ErrKind = "cancelled"
		j.Err = "scheduler stopped before the job started"
	})
	if err != nil {
		s.logger.Error("abandon pending job", "job_id", job.ID, "error", err)
	}
}
