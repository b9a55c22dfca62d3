// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package aggregator is the public API facade: it wires the schema
// catalog, per-worker buffer, gather engine, file store, default
// detector capture and collective reducers into the single object a
// caller drives per event and per gather round.
package aggregator

import (
	"context"
	"fmt"
	"sync"

	"github.com/NHR-FAU/smalldata-go/internal/buffer"
	"github.com/NHR-FAU/smalldata-go/internal/catalog"
	"github.com/NHR-FAU/smalldata-go/internal/detector"
	"github.com/NHR-FAU/smalldata-go/internal/filestore"
	"github.com/NHR-FAU/smalldata-go/internal/gather"
	"github.com/NHR-FAU/smalldata-go/internal/keyclass"
	"github.com/NHR-FAU/smalldata-go/internal/reduce"
	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
	"github.com/NHR-FAU/smalldata-go/pkg/eventsource"
	"github.com/NHR-FAU/smalldata-go/pkg/log"
)

// Aggregator is one rank's handle onto a run: every public method either
// mutates purely local state (Event, Sum/Min/Max) or drives a collective
// round that every rank must call in lockstep (Gather, Close -- §5
// Suspension points).
type Aggregator struct {
	bus   collectivebus.Bus
	src   eventsource.EventSource
	store filestore.FileStore

	numCatalog *catalog.NumCatalog
	arrCatalog *catalog.ArrCatalog
	buf        *buffer.Buffer
	engine     *gather.Engine

	mu              sync.Mutex
	monitors        []gather.Monitor
	reducers        map[string]*reduce.Reducer
	lastRoundEvents int

	closed bool
}

// New wires a fresh Aggregator. bus must be shared by every rank in the
// run; store is only ever written to from root (rank 0).
func New(bus collectivebus.Bus, store filestore.FileStore, src eventsource.EventSource) *Aggregator {
	numCatalog := catalog.NewNumCatalog()
	arrCatalog := catalog.NewArrCatalog()
	buf := buffer.New(numCatalog, arrCatalog)
	return &Aggregator{
		bus:        bus,
		src:        src,
		store:      store,
		numCatalog: numCatalog,
		arrCatalog: arrCatalog,
		buf:        buf,
		engine:     gather.NewEngine(bus, numCatalog, arrCatalog, buf),
		reducers:   map[string]*reduce.Reducer{},
	}
}

// Event appends kv for the current event (§4.3), splicing in the default
// detector capture automatically when this call opens a new fiducial. A
// missing timestamp/fiducial (src reports ok=false) silently drops the
// call, since a gap in the event source is not an error this rank can do
// anything about.
func (a *Aggregator) Event(ctx context.Context, kv map[string]schema.Value) error {
	ok, eventTimeNanos, fid := a.src.CurrentEvent()

	var defaults map[string]schema.Value
	if ok {
		var err error
		defaults, err = detector.Capture(ctx, a.src)
		if err != nil {
			return fmt.Errorf("aggregator: default detector capture: %w", err)
		}
	}

	dropped, err := a.buf.Event(kv, defaults, ok, eventTimeNanos, fid)
	if err != nil {
		return fmt.Errorf("aggregator: event(fid=%d): %w", fid, err)
	}
	if dropped && ok {
		log.Warnf("aggregator: event dropped (stale fiducial %d)", fid)
	}
	return nil
}

// CurrentEvent and CurrentRun pass through the event source, so callers
// building kv maps can stamp auxiliary bookkeeping without holding their
// own reference to it.
func (a *Aggregator) CurrentEvent() (ok bool, eventTimeNanos uint64, fiducial uint32) {
	return a.src.CurrentEvent()
}

func (a *Aggregator) CurrentRun() int { return a.src.RunNumber() }

// AddMonitor registers a live fan-out target (§4.6); every monitor
// receives the latest value for every key after each non-empty round.
func (a *Aggregator) AddMonitor(m gather.Monitor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.monitors = append(a.monitors, m)
}

// Sum, Min and Max accumulate value into a named collective reduction
// (§4.8), created lazily on first use. shape is nil for a scalar
// reduction.
func (a *Aggregator) Sum(name string, shape []int, value []float64) error {
	return a.reduceAdd(name, collectivebus.Sum, shape, value)
}

func (a *Aggregator) Min(name string, shape []int, value []float64) error {
	return a.reduceAdd(name, collectivebus.Min, shape, value)
}

func (a *Aggregator) Max(name string, shape []int, value []float64) error {
	return a.reduceAdd(name, collectivebus.Max, shape, value)
}

func (a *Aggregator) reduceAdd(name string, op collectivebus.ReduceOp, shape []int, value []float64) error {
	a.mu.Lock()
	r, ok := a.reducers[name]
	if !ok {
		r = reduce.NewReducer(a.bus, op, shape)
		a.reducers[name] = r
	}
	a.mu.Unlock()
	return r.Add(value)
}

// FlushReduces exchanges every registered reducer across the group and
// returns the combined results, keyed by name, on root only. Call this
// alongside Gather so reduction rounds stay in lockstep with the rest of
// the collective schedule.
func (a *Aggregator) FlushReduces(ctx context.Context) (map[string][]float64, error) {
	a.mu.Lock()
	names := make([]string, 0, len(a.reducers))
	for name := range a.reducers {
		names = append(names, name)
	}
	reducers := a.reducers
	a.mu.Unlock()

	out := map[string][]float64{}
	for _, name := range names {
		result, err := reducers[name].Reduce(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("aggregator: reduce %q: %w", name, err)
		}
		if a.bus.Rank() == 0 {
			out[name] = result
		}
	}
	return out, nil
}

// BreakAfter resolves this rank's share of a configured total-event run
// limit (§4.4 remainder rule): the first n%size ranks get one extra
// event so the per-rank quotas sum to exactly n.
func (a *Aggregator) BreakAfter(n int) int {
	return gather.RoundQuota(n, a.bus.Size(), a.bus.Rank())
}

// Gather runs one collective gather round and, on root, appends the
// resulting data to the file store and fans it out to any registered
// monitors (§4.4-§4.6). Every rank must call Gather; non-root ranks
// return immediately once their local contribution is sent.
func (a *Aggregator) Gather(ctx context.Context) error {
	round, err := a.engine.Gather(ctx)
	if err != nil {
		return fmt.Errorf("aggregator: gather: %w", err)
	}
	if a.bus.Rank() != 0 {
		return nil
	}

	a.mu.Lock()
	monitors := append([]gather.Monitor(nil), a.monitors...)
	a.mu.Unlock()

	final, err := gather.Process(round, a.store, monitors)
	if err != nil {
		return fmt.Errorf("aggregator: post-gather: %w", err)
	}
	if final == nil {
		return nil
	}
	if err := a.writeRound(final); err != nil {
		return err
	}
	a.mu.Lock()
	a.lastRoundEvents = final.NEvents()
	a.mu.Unlock()
	return nil
}

// LastRoundEvents returns the number of events written by the most
// recent non-empty gather round, on root only (always 0 elsewhere).
func (a *Aggregator) LastRoundEvents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRoundEvents
}

func (a *Aggregator) writeRound(round *gather.RoundData) error {
	for key, col := range round.Columns {
		node, err := a.nodeFor(key, col)
		if err != nil {
			return fmt.Errorf("aggregator: create node %q: %w", key, err)
		}
		if err := node.Append(col.Values); err != nil {
			return fmt.Errorf("aggregator: append to %q: %w", key, err)
		}
	}
	a.store.CommitRound(round.NEvents())
	return nil
}

func (a *Aggregator) nodeFor(key string, col buffer.Column) (filestore.Node, error) {
	if n, ok := a.store.GetNode(key); ok {
		return n, nil
	}
	switch col.Kind {
	case keyclass.Ragged:
		return a.store.CreateVLArray(key, col.Dtype)
	case keyclass.Variable:
		// Flattened by gather.Process before writeRound ever sees it: one
		// node row per element row, not per event, so this is a plain
		// extensible array of the key's element shape, not a ragged node.
		return a.store.CreateEArray(key, col.Dtype, col.Shape)
	default:
		if len(col.Shape) == 0 {
			return a.store.CreateCArray(key, col.Dtype)
		}
		return a.store.CreateEArray(key, col.Dtype, col.Shape)
	}
}

// Close flushes any buffered events with one final gather (§9 Open
// Question: exactly one final gather at close), then closes the file
// store. Safe to call more than once.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.Gather(ctx); err != nil {
		return fmt.Errorf("aggregator: final gather: %w", err)
	}
	if a.bus.Rank() == 0 {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("aggregator: close file store: %w", err)
		}
	}
	return nil
}
