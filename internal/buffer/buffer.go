// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buffer implements the per-worker buffer (§4.3): the append-only,
// per-key ordered sequences of per-event values held on each rank between
// gather rounds, including the two reserved keys event_time and
// fiducials.
package buffer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/NHR-FAU/smalldata-go/internal/catalog"
	"github.com/NHR-FAU/smalldata-go/internal/keyclass"
	"github.com/NHR-FAU/smalldata-go/internal/schema"
)

// Column is one key's ordered sequence of per-event values on this rank.
// For a Variable key, Values is sparse: it only holds rows for events
// where this rank actually had data, not one slot per event (§4.3 step iii
// is skipped for variable-data keys; their companion length key carries
// the per-event alignment instead).
type Column struct {
	Kind      keyclass.Kind
	Dtype     schema.Dtype
	Shape     []int // fixed element shape (for variable keys: excluding the first dimension); nil for scalars/ragged
	LengthKey string // only set when Kind == keyclass.Variable
	Values    []schema.Value
}

// Buffer is the per-rank dlist: one Column per key, plus the bookkeeping
// needed to classify keys, detect duplicates, and keep variable-key
// siblings' row counts consistent within a fiducial.
type Buffer struct {
	mu sync.Mutex

	numCatalog *catalog.NumCatalog
	arrCatalog *catalog.ArrCatalog

	columns    map[string]*Column
	classified map[string]keyclass.Classification
	lastFidFor map[string]uint32 // last fiducial a key was written for, duplicate detection

	fiducials  []uint32
	eventTimes []uint64

	hasCurrent bool
	currentFid uint32

	// varRoundLen tracks, for the current round, the length already
	// recorded for a given length-key + fiducial pair so sibling var_
	// writes under the same prefix can be checked for agreement instead
	// of re-appending.
	varRoundLen map[string]map[uint32]int
}

// New creates an empty buffer backed by the given (already-created, not
// yet synchronized) schema catalogs.
func New(numCatalog *catalog.NumCatalog, arrCatalog *catalog.ArrCatalog) *Buffer {
	return &Buffer{
		numCatalog:  numCatalog,
		arrCatalog:  arrCatalog,
		columns:     map[string]*Column{},
		classified:  map[string]keyclass.Classification{},
		lastFidFor:  map[string]uint32{},
		varRoundLen: map[string]map[uint32]int{},
	}
}

// NEvents is the number of complete events recorded on this rank so far
// (the length of the fiducials sequence, §4.3).
func (b *Buffer) NEvents() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fiducials)
}

func (b *Buffer) Fiducials() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.fiducials...)
}

func (b *Buffer) EventTimes() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.eventTimes...)
}

// classify returns the cached classification for key, computing it on
// first sight.
func (b *Buffer) classify(key string) (keyclass.Classification, error) {
	if c, ok := b.classified[key]; ok {
		return c, nil
	}
	c, err := keyclass.Classify(key)
	if err != nil {
		return keyclass.Classification{}, err
	}
	b.classified[key] = c
	return c, nil
}

// Event materializes or mutates an event tuple (§3 Lifecycle, §4.3
// event()). kv is the flattened caller-supplied map for this call;
// defaults (only consulted when a new fiducial is opened) is the default
// detector capture for the current event, already resolved by the caller.
//
// Returns (dropped, error): dropped is true when the event lacked a valid
// timestamp/fiducial and was silently discarded per §7 kind 6, or when it
// is a stale duplicate for an already-closed fiducial (§7 warnings, DAQ
// split tolerance) -- neither case is an error.
func (b *Buffer) Event(kv map[string]schema.Value, defaults map[string]schema.Value, haveCurrent bool, currentTime uint64, currentFid uint32) (dropped bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !haveCurrent {
		// §7 kind 6: missing timestamp -- silently drop, no mutation.
		return true, nil
	}

	for k := range kv {
		if keyclass.Reserved[k] {
			return false, fmt.Errorf("buffer: %q is a reserved key and cannot be set by event()", k)
		}
	}

	if b.hasCurrent && currentFid < b.currentFid {
		// Stale duplicate arriving after the tuple already rotated --
		// tolerated as a DAQ-split artifact, warned by the caller.
		return true, nil
	}

	if !b.hasCurrent || currentFid != b.currentFid {
		if err := b.appendAutoLocked(currentTime, currentFid); err != nil {
			return false, err
		}
		b.hasCurrent = true
		b.currentFid = currentFid
		for _, k := range sortedDefaults(defaults) {
			if err := b.appendValueLocked(k, defaults[k], currentFid); err != nil {
				return false, err
			}
		}
	}

	for _, k := range sortedKeys(kv) {
		if err := b.appendValueLocked(k, kv[k], currentFid); err != nil {
			return false, err
		}
	}
	return false, nil
}

func sortedKeys(m map[string]schema.Value) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// sortedDefaults exists purely so default-detector writes happen in a
// deterministic order: it returns the default capture's keys, sorted.
func sortedDefaults(m map[string]schema.Value) []string { return sortedKeys(m) }

// appendAutoLocked writes the two reserved keys for a newly opened
// fiducial. Caller holds b.mu.
func (b *Buffer) appendAutoLocked(eventTime uint64, fid uint32) error {
	b.eventTimes = append(b.eventTimes, eventTime)
	b.fiducials = append(b.fiducials, fid)
	return nil
}

// appendValueLocked implements §4.3 append(key, value, fid) steps i-v.
// Caller holds b.mu.
func (b *Buffer) appendValueLocked(key string, value schema.Value, fid uint32) error {
	class, err := b.classify(key)
	if err != nil {
		return err
	}

	if last, ok := b.lastFidFor[key]; ok && last == fid && class.Kind != keyclass.Variable {
		return fmt.Errorf("buffer: duplicate event() call for key %q at fiducial %d", key, fid)
	}

	col, err := b.columnForLocked(key, class, value)
	if err != nil {
		return err
	}

	nevents := len(b.fiducials)
	switch class.Kind {
	case keyclass.Variable:
		b.lastFidFor[key] = fid
		return b.appendVariableLocked(key, class, col, value, fid)
	case keyclass.Ragged:
		b.padLocked(col, nevents-1)
		col.Values = append(col.Values, value.Clone())
	default: // Fixed, Length
		b.padLocked(col, nevents-1)
		col.Values = append(col.Values, value.Clone())
	}
	b.lastFidFor[key] = fid
	return nil
}

// appendVariableLocked implements §4.3 step (v): record the value's
// first-dimension length in the companion length key's sequence, checking
// agreement against any sibling already recorded for the same fiducial.
func (b *Buffer) appendVariableLocked(key string, class keyclass.Classification, col *Column, value schema.Value, fid uint32) error {
	col.Values = append(col.Values, value.Clone()) // sparse: no backfill (§4.3 iii skipped)

	lengthKey := class.LengthKey
	fids, ok := b.varRoundLen[lengthKey]
	if !ok {
		fids = map[uint32]int{}
		b.varRoundLen[lengthKey] = fids
	}

	n := value.FirstDimLen()
	if existing, ok := fids[fid]; ok {
		if existing != n {
			return fmt.Errorf("buffer: variable key %q disagrees with a sibling on row length for fiducial %d (%d != %d)", key, fid, n, existing)
		}
		return nil
	}
	fids[fid] = n

	lenClass, err := b.classify(lengthKey)
	if err != nil {
		return err
	}
	lenCol, err := b.columnForLocked(lengthKey, lenClass, schema.ScalarInt(0))
	if err != nil {
		return err
	}
	b.padLocked(lenCol, len(b.fiducials)-1)
	lenCol.Values = append(lenCol.Values, schema.ScalarInt(int64(n)))
	return nil
}

// padLocked pads col with the key's missing sentinel so its length equals
// target (§4.3 iii / §3 backfill table). Variable data keys never reach
// here (handled in appendVariableLocked); their length companion pads with
// zero instead of the missing sentinel, since "no data this event" is a
// valid, in-band length of zero, not a missing number.
func (b *Buffer) padLocked(col *Column, target int) {
	for len(col.Values) < target {
		switch col.Kind {
		case keyclass.Ragged:
			col.Values = append(col.Values, schema.EmptyRow(col.Dtype))
		case keyclass.Length:
			col.Values = append(col.Values, schema.ScalarInt(0))
		default:
			col.Values = append(col.Values, schema.Missing(col.Dtype, col.Shape))
		}
	}
}

// columnForLocked returns the column for key, creating it (and
// registering its metadata in the appropriate catalog, §4.3 step ii) on
// first sight.
func (b *Buffer) columnForLocked(key string, class keyclass.Classification, sample schema.Value) (*Column, error) {
	if col, ok := b.columns[key]; ok {
		return col, nil
	}

	col := &Column{Kind: class.Kind, Dtype: sample.Dtype}
	switch class.Kind {
	case keyclass.Length:
		col.Dtype = schema.Int64
		if err := b.numCatalog.Register(key, schema.Int64); err != nil {
			return nil, err
		}
	case keyclass.Ragged:
		if err := b.arrCatalog.Register(key, sample.Dtype, nil); err != nil {
			return nil, err
		}
	case keyclass.Variable:
		col.LengthKey = class.LengthKey
		col.Shape = sample.ElemShape()
		if err := b.arrCatalog.Register(key, sample.Dtype, col.Shape); err != nil {
			return nil, err
		}
	default: // Fixed
		if len(sample.Shape) == 0 {
			if err := b.numCatalog.Register(key, sample.Dtype); err != nil {
				return nil, err
			}
		} else {
			col.Shape = append([]int(nil), sample.Shape...)
			if err := b.arrCatalog.Register(key, sample.Dtype, col.Shape); err != nil {
				return nil, err
			}
		}
	}
	b.columns[key] = col
	return col, nil
}

// EnsureColumn creates an empty column for key with the given catalog
// metadata if it doesn't exist locally yet -- the pre-gather backfill step
// (§4.4 step 2) needs every catalog key to exist on every rank before the
// collective gather calls, even ranks that never observed it.
func (b *Buffer) EnsureColumn(key string, class keyclass.Classification, dtype schema.Dtype, shape []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.columns[key]; ok {
		return
	}
	b.columns[key] = &Column{Kind: class.Kind, Dtype: dtype, Shape: shape, LengthKey: class.LengthKey}
}

// PadAll pads every non-variable-data column up to the current event
// count (§4.4 step 2). Variable data keys are skipped; their companion
// length column (itself a Length-kind column) is padded normally.
func (b *Buffer) PadAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.fiducials)
	for _, col := range b.columns {
		if col.Kind == keyclass.Variable {
			continue
		}
		b.padLocked(col, n)
	}
}

// Column returns a defensive copy of key's column, or ok=false if this
// rank has never seen it.
func (b *Buffer) Column(key string) (Column, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	col, ok := b.columns[key]
	if !ok {
		return Column{}, false
	}
	out := Column{Kind: col.Kind, Dtype: col.Dtype, LengthKey: col.LengthKey}
	out.Shape = append([]int(nil), col.Shape...)
	out.Values = make([]schema.Value, len(col.Values))
	for i, v := range col.Values {
		out.Values[i] = v.Clone()
	}
	return out, true
}

// Keys returns every key this rank has ever touched, sorted.
func (b *Buffer) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.columns))
	for k := range b.columns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clear resets every column to empty while preserving its schema (§4.4
// step 5, "clear senders") and resets the fiducial/event-time sequences
// and per-round bookkeeping.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, col := range b.columns {
		col.Values = col.Values[:0]
	}
	b.fiducials = b.fiducials[:0]
	b.eventTimes = b.eventTimes[:0]
	b.lastFidFor = map[string]uint32{}
	b.varRoundLen = map[string]map[uint32]int{}
	b.hasCurrent = false
}
