// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the hub's trigger and inspection endpoints.
//
// Triggers are asynchronous: a successful trigger returns 202 Accepted
// with the created job row, and the caller polls the job endpoints for
// the outcome. The API never starts work itself; every trigger goes
// through the scheduler, which owns admission, dedup, and throttling.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianHub/services/hub/diff"
	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
	"github.com/AleutianAI/AleutianHub/services/hub/scheduler"
)

// Handlers carries the dependencies the endpoint closures capture.
type Handlers struct {
	sched  *scheduler.Scheduler
	store  *jobstore.Store
	diffs  *diff.Store
	logger *slog.Logger
}

// NewHandlers returns handlers over the scheduler and the hub's stores.
// A nil logger falls back to slog.Default().
func NewHandlers(sched *scheduler.Scheduler, store *jobstore.Store, diffs *diff.Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{sched: sched, store: store, diffs: diffs, logger: logger}
}

// triggerStatus maps a scheduler trigger error to an HTTP status.
//
// Description:
//
//	ErrUpToDate is not a failure: the system is already at the state
//	the trigger asked for, so it maps to 200 with no job. Admission
//	rejections keep their conventional codes (409 busy, 429 throttled,
//	503 stopped) so callers can distinguish "retry later" from "fix
//	your request".
func triggerStatus(err error) (int, string) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownSource),
		errors.Is(err, scheduler.ErrUnknownBuild):
		return http.StatusNotFound, "unknown name"
	case errors.Is(err, scheduler.ErrUpToDate):
		return http.StatusOK, "up_to_date"
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict, "already in flight"
	case errors.Is(err, scheduler.ErrThrottled):
		return http.StatusTooManyRequests, "trigger rate exceeded"
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, "scheduler not running"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// trigger adapts one scheduler trigger function into a handler.
func (h *Handlers) trigger(kind string, fn func(c *gin.Context, name string) (jobstore.Job, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		job, err := fn(c, name)
		if err != nil {
			status, msg := triggerStatus(err)
			if status == http.StatusOK {
				c.JSON(http.StatusOK, gin.H{"status": msg})
				return
			}
			if status == http.StatusInternalServerError {
				h.logger.Error("Trigger failed", "kind", kind, "name", name, "error", err)
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}
		h.logger.Info("Trigger accepted", "kind", kind, "name", name, "job_id", job.ID)
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "job": job})
	}
}

// HandleUploadTrigger starts an upload for one source.
func (h *Handlers) HandleUploadTrigger() gin.HandlerFunc {
	return h.trigger("upload", func(c *gin.Context, name string) (jobstore.Job, error) {
		return h.sched.TriggerUpload(c.Request.Context(), name)
	})
}

// HandleBuildTrigger starts a merged build.
func (h *Handlers) HandleBuildTrigger() gin.HandlerFunc {
	return h.trigger("build", func(c *gin.Context, name string) (jobstore.Job, error) {
		return h.sched.TriggerBuild(c.Request.Context(), name)
	})
}

// HandlePublishTrigger starts the diff and publish pipeline.
func (h *Handlers) HandlePublishTrigger() gin.HandlerFunc {
	return h.trigger("publish", func(c *gin.Context, name string) (jobstore.Job, error) {
		return h.sched.TriggerPublish(c.Request.Context(), name)
	})
}

// HandleRollback swaps the live pointer back to the previous release.
// Rollback is synchronous: it is a pointer move, not a data job.
func (h *Handlers) HandleRollback() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		rel, err := h.sched.Rollback(c.Request.Context(), name)
		if err != nil {
			switch {
			case errors.Is(err, scheduler.ErrUnknownBuild), errors.Is(err, jobstore.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			default:
				h.logger.Error("Rollback failed", "build", name, "error", err)
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			}
			return
		}
		h.logger.Info("Rolled back", "build", name, "version", rel.Version)
		c.JSON(http.StatusOK, gin.H{"status": "rolled_back", "release": rel})
	}
}

// HandleListJobs lists jobs, optionally filtered by query parameters
// type, source, build, and state.
func (h *Handlers) HandleListJobs() gin.HandlerFunc {
	return func(c *gin.Context) {
		f := jobstore.Filter{
			Type:   jobstore.JobType(c.Query("type")),
			Source: c.Query("source"),
			Build:  c.Query("build"),
			State:  jobstore.JobState(c.Query("state")),
		}
		jobs, err := h.store.ListJobs(f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
	}
}

// HandleGetJob returns one job row.
func (h *Handlers) HandleGetJob() gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := h.store.GetJob(c.Param("id"))
		if err != nil {
			if errors.Is(err, jobstore.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// HandleJobLog returns the append-only transition log for one job.
func (h *Handlers) HandleJobLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := h.store.JobLog(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(events) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// HandleSourceStatus returns the last succeeded upload for a source.
func (h *Handlers) HandleSourceStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := h.store.SourceStatusFor(c.Param("name"))
		if err != nil {
			if errors.Is(err, jobstore.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "source has no successful upload"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// HandleListBuilds returns every recorded version of a build.
func (h *Handlers) HandleListBuilds() gin.HandlerFunc {
	return func(c *gin.Context) {
		builds, err := h.store.ListBuilds(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"builds": builds, "count": len(builds)})
	}
}

// HandleBuildDiff returns the stored change-set that produced one build
// version. The full entry list can be large, so it is included only
// when the entries query parameter is set; the default response carries
// the header fields and stats.
func (h *Handlers) HandleBuildDiff() gin.HandlerFunc {
	return func(c *gin.Context) {
		version, err := strconv.ParseUint(c.Param("version"), 10, 64)
		if err != nil || version == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "version must be a positive integer"})
			return
		}
		d, err := h.diffs.Get(c.Param("name"), version)
		if err != nil {
			if errors.Is(err, diff.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no diff recorded for that version"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if c.Query("entries") != "true" {
			d.Entries = nil
		}
		c.JSON(http.StatusOK, d)
	}
}

// HandleReleases returns the release history for a build, newest last.
// The last non-superseded entry is what the pointer currently serves.
func (h *Handlers) HandleReleases() gin.HandlerFunc {
	return func(c *gin.Context) {
		history, err := h.store.ReleaseHistory(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(history) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "build has no releases"})
			return
		}
		live, err := h.store.LiveRelease(c.Param("name"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"live": live, "history": history})
	}
}

// HandleHealth reports process liveness.
func (h *Handlers) HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
