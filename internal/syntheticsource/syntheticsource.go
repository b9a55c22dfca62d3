// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package syntheticsource is a clock-driven eventsource.EventSource used
// to smoke-test a deployment without a live DAQ feed: every Tick opens a
// new fiducial stamped with the wall-clock time. It has no detectors.
package syntheticsource

import (
	"sync"
	"time"

	"github.com/NHR-FAU/smalldata-go/pkg/eventsource"
)

// Source is a synthetic eventsource.EventSource. The zero value has no
// current event; call Tick to open one.
type Source struct {
	mu      sync.Mutex
	run     int
	ok      bool
	seconds uint64
	fid     uint32
}

// New returns a Source for the given run number.
func New(run int) *Source {
	return &Source{run: run}
}

// Tick opens the next fiducial, stamped with the current wall-clock
// time, and returns it.
func (s *Source) Tick() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ok = true
	s.fid++
	s.seconds = uint64(time.Now().UnixNano())
	return s.fid
}

func (s *Source) CurrentEvent() (ok bool, eventTimeNanos uint64, fiducial uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ok, s.seconds, s.fid
}

func (s *Source) RunNumber() int { return s.run }

// Detector always reports absent: the synthetic source carries no
// default detector data, only the auto-written event_time/fiducials.
func (s *Source) Detector(name string) (eventsource.DetectorHandle, bool) {
	return nil, false
}
