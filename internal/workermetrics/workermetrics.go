// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package workermetrics exposes the worker process's own health as
// Prometheus gauges/counters: gather round count, last round size and
// duration, and collective errors. Scraped from the status HTTP server
// the worker's root rank runs alongside its gather loop.
package workermetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	GatherRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smalldata_gather_rounds_total",
		Help: "Number of completed gather rounds.",
	})

	GatherErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smalldata_gather_errors_total",
		Help: "Number of gather rounds that returned an error.",
	})

	LastRoundEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smalldata_last_round_events",
		Help: "Number of events written by the most recent gather round.",
	})

	GatherDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "smalldata_gather_duration_seconds",
		Help:    "Wall-clock duration of a gather round.",
		Buckets: prometheus.DefBuckets,
	})

	EventsObserved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "smalldata_events_observed_total",
		Help: "Number of Event() calls accepted by the buffer (not dropped).",
	})
)

func init() {
	prometheus.MustRegister(GatherRounds, GatherErrors, LastRoundEvents, GatherDuration, EventsObserved)
}

// ObserveGather records the outcome of one gather round.
func ObserveGather(start time.Time, nEvents int, err error) {
	GatherDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		GatherErrors.Inc()
		return
	}
	GatherRounds.Inc()
	LastRoundEvents.Set(float64(nEvents))
}
