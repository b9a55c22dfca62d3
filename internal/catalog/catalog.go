// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package catalog implements the schema catalog: two process-local
// dictionaries -- one for number keys, one for array keys -- each
// synchronized across every rank by an all-gather followed by a
// master-broadcast, so every rank ends up iterating an identical, sorted
// set of keys. That identical iteration order is what lets the gather
// engine pair up per-key Gatherv calls correctly without an explicit
// handshake per key.
//
// Each catalog is scoped to a value rather than kept as a package-level
// global, so more than one Aggregator can coexist in a process.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
	"github.com/NHR-FAU/smalldata-go/pkg/log"
	"github.com/NHR-FAU/smalldata-go/internal/schema"
)

// NumEntry is the metadata kept for a number (scalar/array-of-numbers)
// key: just its dtype.
type NumEntry struct {
	Dtype schema.Dtype `json:"dtype"`
}

// ArrEntry is the metadata kept for an array key: its dtype and element
// shape. For "var_" keys, Shape excludes the variable first dimension.
type ArrEntry struct {
	Dtype schema.Dtype `json:"dtype"`
	Shape []int        `json:"shape"`
}

// synchDict is the shared all-gather/broadcast machinery, operating on
// opaque JSON-encoded entries so NumCatalog and ArrCatalog can both use it
// without duplicating the synchronization algorithm.
type synchDict struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage
}

func newSynchDict() *synchDict {
	return &synchDict{entries: map[string]json.RawMessage{}}
}

func (d *synchDict) setIfAbsent(key string, raw json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[key]; !ok {
		d.entries[key] = raw
	}
}

func (d *synchDict) get(key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.entries[key]
	return v, ok
}

func (d *synchDict) keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.entries))
	for k := range d.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *synchDict) snapshot() map[string]json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(d.entries))
	for k, v := range d.entries {
		out[k] = v
	}
	return out
}

// synchronize performs the four steps of §4.1: all-gather, union (first
// rank to report a key wins, §3 invariant), master broadcast, and local
// overwrite with a warning on dtype mismatch. label identifies the catalog
// in log output ("numbers"/"arrays").
func (d *synchDict) synchronize(ctx context.Context, bus collectivebus.Bus, label string) error {
	local, err := json.Marshal(d.snapshot())
	if err != nil {
		return fmt.Errorf("catalog: marshal local %s catalog: %w", label, err)
	}

	all, err := bus.AllGather(ctx, local)
	if err != nil {
		return fmt.Errorf("catalog: all-gather %s catalog: %w", label, err)
	}

	var unionBytes []byte
	if bus.Rank() == 0 {
		union := map[string]json.RawMessage{}
		for _, buf := range all {
			var m map[string]json.RawMessage
			if len(buf) == 0 {
				continue
			}
			if err := json.Unmarshal(buf, &m); err != nil {
				return fmt.Errorf("catalog: decode %s catalog from peer: %w", label, err)
			}
			for k, v := range m {
				if _, ok := union[k]; !ok {
					union[k] = v
				}
			}
		}
		unionBytes, err = json.Marshal(union)
		if err != nil {
			return fmt.Errorf("catalog: marshal union %s catalog: %w", label, err)
		}
	}

	bcast, err := bus.Broadcast(ctx, 0, unionBytes)
	if err != nil {
		return fmt.Errorf("catalog: broadcast %s catalog: %w", label, err)
	}

	var masterView map[string]json.RawMessage
	if err := json.Unmarshal(bcast, &masterView); err != nil {
		return fmt.Errorf("catalog: decode broadcast %s catalog: %w", label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range masterView {
		if old, ok := d.entries[k]; ok && string(old) != string(v) {
			log.Warnf("catalog: %s key %q dtype/shape coerced to master's view (%s != %s)", label, k, old, v)
		}
		d.entries[k] = v
	}
	return nil
}

// NumCatalog is the schema catalog for number keys (num_send_list).
type NumCatalog struct{ d *synchDict }

func NewNumCatalog() *NumCatalog { return &NumCatalog{d: newSynchDict()} }

// Register records dtype for key the first time it is seen on this rank;
// subsequent calls for the same key are no-ops (§3: type is immutable
// after first observation, first rank to report wins).
func (c *NumCatalog) Register(key string, dtype schema.Dtype) error {
	raw, err := json.Marshal(NumEntry{Dtype: dtype})
	if err != nil {
		return err
	}
	c.d.setIfAbsent(key, raw)
	return nil
}

func (c *NumCatalog) Get(key string) (NumEntry, bool) {
	raw, ok := c.d.get(key)
	if !ok {
		return NumEntry{}, false
	}
	var e NumEntry
	_ = json.Unmarshal(raw, &e)
	return e, true
}

// Keys returns the sorted, catalog-wide key set (§4.1 step 4).
func (c *NumCatalog) Keys() []string { return c.d.keys() }

func (c *NumCatalog) Synchronize(ctx context.Context, bus collectivebus.Bus) error {
	return c.d.synchronize(ctx, bus, "numbers")
}

// ArrCatalog is the schema catalog for array keys (arr_send_list).
type ArrCatalog struct{ d *synchDict }

func NewArrCatalog() *ArrCatalog { return &ArrCatalog{d: newSynchDict()} }

func (c *ArrCatalog) Register(key string, dtype schema.Dtype, shape []int) error {
	raw, err := json.Marshal(ArrEntry{Dtype: dtype, Shape: shape})
	if err != nil {
		return err
	}
	c.d.setIfAbsent(key, raw)
	return nil
}

func (c *ArrCatalog) Get(key string) (ArrEntry, bool) {
	raw, ok := c.d.get(key)
	if !ok {
		return ArrEntry{}, false
	}
	var e ArrEntry
	_ = json.Unmarshal(raw, &e)
	return e, true
}

func (c *ArrCatalog) Keys() []string { return c.d.keys() }

func (c *ArrCatalog) Synchronize(ctx context.Context, bus collectivebus.Bus) error {
	return c.d.synchronize(ctx, bus, "arrays")
}
