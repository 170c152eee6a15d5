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
	"errors"
	"time"

	"github.com/AleutianAI/AleutianHub/services/hub/build"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/source"
)

// startPeriodic launches the timed trigger loops: one upload loop per
// source with a cadence, and one pipeline loop that advances builds and
// publishes when their inputs changed. Periodic triggers bypass the
// manual-trigger rate limiter.
func (s *Scheduler) startPeriodic(pipelineEvery time.Duration) {
	for _, cfg := range s.sources {
		if cfg.Every <= 0 {
			continue
		}
		cfg := cfg
		s.grp.Go(func() error {
			s.uploadLoop(cfg)
			return nil
		})
	}
	if pipelineEvery > 0 {
		s.grp.Go(func() error {
			s.pipelineLoop(pipelineEvery)
			return nil
		})
	}
}

func (s *Scheduler) uploadLoop(cfg source.Config) {
	ticker := time.NewTicker(cfg.Every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := s.triggerUpload(s.ctx, cfg)
		switch {
		case err == nil:
		case errors.Is(err, ErrUpToDate), errors.Is(err, ErrBusy):
			// Nothing new upstream, or a manual trigger got there first.
		default:
			s.logger.Warn("periodic upload trigger failed", "source", cfg.Name, "error", err)
		}
	}
}

// pipelineLoop rebuilds and republishes names whose inputs changed.
// Both checks are cheap: the candidate fingerprint is a pure function
// of the current source snapshots, so no merge happens unless it would
// produce a genuinely new build.
func (s *Scheduler) pipelineLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		for name, spec := range s.builds {
			s.advance(name, spec)
		}
	}
}

// advance triggers a build when the sources moved past the latest ready
// build, then a publish when the latest ready build is not live yet.
func (s *Scheduler) advance(name string, spec build.Spec) {
	snap := s.store.Snapshot()
	ready, err := build.CheckReadiness(snap, spec)
	snap.Close()
	if err != nil {
		s.logger.Warn("periodic readiness check failed", "build", name, "error", err)
		return
	}

	if ready.Ready {
		candidate := build.Fingerprint(spec, ready.Snapshots)
		latest, err := s.store.LatestReadyBuild(name)
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			s.triggerBuildQuiet(name, spec)
			return
		case err != nil:
			s.logger.Warn("periodic build check failed", "build", name, "error", err)
			return
		case latest.Fingerprint != candidate:
			s.triggerBuildQuiet(name, spec)
			return
		}
	}

	latest, err := s.store.LatestReadyBuild(name)
	if err != nil {
		return
	}
	live, err := s.store.LiveRelease(name)
	if err == nil && live.Fingerprint == latest.Fingerprint {
		return
	}
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		s.logger.Warn("periodic publish check failed", "build", name, "error", err)
		return
	}
	if _, err := s.triggerPublish(name); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrUpToDate) {
		s.logger.Warn("periodic publish trigger failed", "build", name, "error", err)
	}
}

func (s *Scheduler) triggerBuildQuiet(name string, spec build.Spec) {
	if _, err := s.triggerBuild(name, spec); err != nil && !errors.Is(err, ErrBusy) {
		s.logger.Warn("periodic build trigger failed", "build", name, "error", err)
	}
}
