// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exports hub job metrics to Prometheus.
//
// Every job state transition already flows through the job store's
// observer hook; this package turns that stream into counters and an
// in-flight gauge without the pipeline components knowing metrics
// exist.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianHub/services/hub/jobstore"
)

var (
	// jobTransitions counts state transitions by job type and new state
	jobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_job_transitions_total",
		Help: "Total job state transitions by job type and resulting state",
	}, []string{"job_type", "to_state"})

	// jobFailures counts terminal failures by job type
	jobFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_job_failures_total",
		Help: "Total jobs that reached the failed state, by job type",
	}, []string{"job_type"})

	// jobsInflight tracks jobs between creation and a terminal state
	jobsInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hub_jobs_inflight",
		Help: "Jobs created but not yet terminal, by job type",
	}, []string{"job_type"})

	// jobDuration measures creation-to-terminal time per job type
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hub_job_duration_seconds",
		Help:    "Time from job creation to its terminal state, by job type",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"job_type"})

	// diffEntries counts diff entries by build and operation
	diffEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_diff_entries_total",
		Help: "Total diff entries computed, by build and operation",
	}, []string{"build", "op"})

	// liveVersion reports the build version the live pointer serves
	liveVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hub_release_version",
		Help: "Build version currently served by the live release pointer",
	}, []string{"build"})
)

// RecordDiffEntries accounts one computed diff's operations.
func RecordDiffEntries(build string, inserts, updates, deletes int) {
	diffEntries.WithLabelValues(build, "insert").Add(float64(inserts))
	diffEntries.WithLabelValues(build, "update").Add(float64(updates))
	diffEntries.WithLabelValues(build, "delete").Add(float64(deletes))
}

// SetLiveVersion records a completed pointer swap (publish or rollback).
func SetLiveVersion(build string, version uint64) {
	liveVersion.WithLabelValues(build).Set(float64(version))
}

// Observer returns a jobstore observer that records every transition.
// Register it before the scheduler starts so the in-flight gauge never
// goes negative.
//
// Each Observer carries its own start-time map, so a terminal event is
// only timed against a creation the same observer saw.
func Observer() jobstore.Observer {
	var mu sync.Mutex
	started := make(map[string]time.Time)

	return func(ev jobstore.TransitionEvent) {
		typ := string(ev.JobType)
		jobTransitions.WithLabelValues(typ, string(ev.To)).Inc()
		switch {
		case ev.From == "" && ev.To == jobstore.StatePending:
			jobsInflight.WithLabelValues(typ).Inc()
			mu.Lock()
			started[ev.ID] = ev.Timestamp
			mu.Unlock()
		case ev.To.Terminal():
			jobsInflight.WithLabelValues(typ).Dec()
			mu.Lock()
			begin, ok := started[ev.ID]
			delete(started, ev.ID)
			mu.Unlock()
			if ok {
				jobDuration.WithLabelValues(typ).Observe(ev.Timestamp.Sub(begin).Seconds())
			}
		}
		if ev.To == jobstore.StateFailed {
			jobFailures.WithLabelValues(typ).Inc()
		}
	}
}
