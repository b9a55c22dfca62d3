// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package eventsource defines the collaborator boundary between the
// aggregator and whatever is driving events (a live DAQ feed, a replayed
// file, a synthetic generator in tests): the minimal set of calls the
// aggregator needs to stamp an event and to query/capture default
// detectors, kept deliberately narrow so any acquisition front-end can
// implement it (§4.7, §9(b) Open Question: source interface left
// abstract on purpose).
package eventsource

import "context"

// EventSource supplies the current event's timestamp and fiducial, and
// resolves named detector handles used for the default-detector capture
// (§4.7).
type EventSource interface {
	// CurrentEvent reports whether an event is currently available and,
	// if so, its timestamp (as nanoseconds since the Unix epoch, §4.3
	// event_time) and its fiducial counter.
	CurrentEvent() (ok bool, eventTimeNanos uint64, fiducial uint32)

	// RunNumber reports the current run identifier, surfaced through
	// Aggregator.CurrentRun; the file store does not use it.
	RunNumber() int

	// Detector resolves a named detector handle, or ok=false if the
	// experiment configuration has no such source -- absent sources are
	// skipped silently by the default-detector capture (§4.7).
	Detector(name string) (DetectorHandle, bool)
}

// DetectorHandle reads the current event's value for one named detector.
// Capture must be cheap and side-effect free: it may be invoked once per
// event per rank regardless of whether any kv is ever written for it.
type DetectorHandle interface {
	// Capture returns this detector's flattened key/value contribution
	// for the current event, or ok=false if it has no data this event
	// (e.g. a detector that free-runs at a lower event rate).
	Capture(ctx context.Context) (values map[string]Reading, ok bool)
}

// Reading is a single scalar or array reading from a detector, in the raw
// form a DetectorHandle hands back before it is converted to a
// schema.Value by the caller (kept dependency-free of internal/schema so
// this package can be imported by acquisition front-ends without pulling
// in the aggregation internals).
type Reading struct {
	Ints    []int64
	Floats  []float64
	Shape   []int
	IsFloat bool
}

// ShardOwner reports whether rank owns index under a round-robin shard of
// size ranks -- the convention used to split per-shot work for detectors
// that are read on only one rank per event (§4.7, §9 Open Question 9(c)).
func ShardOwner(rank, size, index int) bool {
	if size <= 0 {
		return rank == 0
	}
	return index%size == rank
}
