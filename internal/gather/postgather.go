// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package gather

import (
	"fmt"
	"sort"

	"github.com/NHR-FAU/smalldata-go/internal/keyclass"
	"github.com/NHR-FAU/smalldata-go/internal/schema"
)

// NodeLengthSource reports how many events a key already has on disk, and
// the total number of events written to the store so far, so a key
// observed for the first time partway through a run can be backfilled to
// line up with every other column (§4.5 late-key backfill).
// internal/filestore.FileStore implements this.
type NodeLengthSource interface {
	// NodeLength reports an existing node's on-disk row count, or
	// ok=false if key has never been written before.
	NodeLength(key string) (length int, ok bool)
	// TotalEvents is the number of events already committed to every
	// established column, used to backfill a node on its first write.
	TotalEvents() int
}

// Monitor receives the latest value written for each key in a round, for
// fan-out to a live dashboard/subscriber (§4.6, internal/livepublish).
type Monitor interface {
	Publish(round map[string]schema.Value)
}

// Process runs the full post-gather pipeline (§4.5) over a root-only
// RoundData: variable-key empty-row insertion, time sort, late-key
// backfill, and monitor fan-out. It returns nil if the round carried no
// events (root should simply skip writing).
func Process(round *RoundData, disk NodeLengthSource, monitors []Monitor) (*RoundData, error) {
	if round == nil || round.NEvents() == 0 {
		return nil, nil
	}

	if err := insertVariableEmptyRows(round); err != nil {
		return nil, err
	}

	order := argsortByTime(round.EventTime)
	applyOrder(round, order)

	if err := backfillLateKeys(round, disk); err != nil {
		return nil, err
	}

	flattenVariableColumns(round)

	if len(monitors) > 0 {
		latest := latestValues(round)
		for _, m := range monitors {
			m.Publish(latest)
		}
	}

	return round, nil
}

// insertVariableEmptyRows reconstructs a dense, one-row-per-event
// sequence for every variable data column from its sparse gathered rows
// plus its companion length column's dense, per-event row-length sequence
// (§4.5 step 1).
func insertVariableEmptyRows(round *RoundData) error {
	n := round.NEvents()
	for key, col := range round.Columns {
		if col.Kind != keyclass.Variable {
			continue
		}
		lenCol, ok := round.Columns[col.LengthKey]
		if !ok {
			return fmt.Errorf("gather: variable key %q has no length companion %q in this round", key, col.LengthKey)
		}
		if len(lenCol.Values) != n {
			return fmt.Errorf("gather: length companion %q has %d rows, expected %d", col.LengthKey, len(lenCol.Values), n)
		}

		dense := make([]schema.Value, 0, n)
		next := 0
		for i := 0; i < n; i++ {
			want := 0
			if len(lenCol.Values[i].Ints) > 0 {
				want = int(lenCol.Values[i].Ints[0])
			}
			if want == 0 {
				dense = append(dense, schema.EmptyRow(col.Dtype))
				continue
			}
			if next >= len(col.Values) {
				return fmt.Errorf("gather: variable key %q ran out of rows to match its length companion", key)
			}
			row := col.Values[next]
			if row.FirstDimLen() != want {
				return fmt.Errorf("gather: variable key %q row length %d does not match companion length %d at event %d", key, row.FirstDimLen(), want, i)
			}
			dense = append(dense, row)
			next++
		}
		col.Values = dense
		round.Columns[key] = col
	}
	return nil
}

// flattenVariableColumns turns each variable-data column's dense,
// one-row-per-event sequence (reconstructed by insertVariableEmptyRows and
// carried through the time sort so per-event alignment stays correct) into
// the column's true on-disk shape: a flat concatenation of every non-empty
// element row, in time order, with no row left for events that contributed
// zero rows. After this, a column's row count is sum(lengthKey), not
// NEvents -- the length companion, not the event count, is what a reader
// pairs it against (§8 scenario 4).
func flattenVariableColumns(round *RoundData) {
	for key, col := range round.Columns {
		if col.Kind != keyclass.Variable {
			continue
		}
		elemShape := col.Shape
		elemLen := 1
		for _, s := range elemShape {
			elemLen *= s
		}
		flat := make([]schema.Value, 0, len(col.Values))
		for _, row := range col.Values {
			for i := 0; i < row.FirstDimLen(); i++ {
				flat = append(flat, sliceElemRow(row, i, elemLen, elemShape))
			}
		}
		col.Values = flat
		round.Columns[key] = col
	}
}

// sliceElemRow extracts element row i (of elemLen flat values, shaped
// elemShape) from a dense per-event variable row.
func sliceElemRow(row schema.Value, i, elemLen int, elemShape []int) schema.Value {
	out := schema.Value{Dtype: row.Dtype}
	if len(elemShape) > 0 {
		out.Shape = append([]int(nil), elemShape...)
	}
	start, end := i*elemLen, (i+1)*elemLen
	if row.Dtype == schema.Int64 {
		out.Ints = append([]int64(nil), row.Ints[start:end]...)
	} else {
		out.Floats = append([]float64(nil), row.Floats[start:end]...)
	}
	return out
}

func argsortByTime(eventTime []uint64) []int {
	order := make([]int, len(eventTime))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return eventTime[order[a]] < eventTime[order[b]] })
	return order
}

func applyOrder(round *RoundData, order []int) {
	round.EventTime = reorderUint64(round.EventTime, order)
	round.Fiducials = reorderUint32(round.Fiducials, order)
	for key, col := range round.Columns {
		if len(col.Values) != len(order) {
			// Every column, variable ones included (densified by
			// insertVariableEmptyRows before the sort), should have one
			// row per event here; guard defensively rather than panic
			// on an index out of range if one does not.
			continue
		}
		col.Values = reorderValues(col.Values, order)
		round.Columns[key] = col
	}
}

func reorderUint64(in []uint64, order []int) []uint64 {
	out := make([]uint64, len(order))
	for i, idx := range order {
		out[i] = in[idx]
	}
	return out
}

func reorderUint32(in []uint32, order []int) []uint32 {
	out := make([]uint32, len(order))
	for i, idx := range order {
		out[i] = in[idx]
	}
	return out
}

func reorderValues(in []schema.Value, order []int) []schema.Value {
	out := make([]schema.Value, len(order))
	for i, idx := range order {
		out[i] = in[idx]
	}
	return out
}

// backfillLateKeys pads a key that is new to the file store this round
// (disk.NodeLength reports no node) with disk.TotalEvents() missing rows
// before the round's own data, so
// the on-disk array stays aligned with keys that have been present since
// the run began (§4.5 late-key backfill).
func backfillLateKeys(round *RoundData, disk NodeLengthSource) error {
	if disk == nil {
		return nil
	}
	total := disk.TotalEvents()
	for key, col := range round.Columns {
		if col.Kind == keyclass.Variable {
			// Variable-data keys have no per-event alignment to backfill:
			// their row count tracks their length companion's sum, not
			// the event count, so a late-appearing key simply starts
			// empty and grows from here (§4.5 step 3).
			continue
		}
		if _, exists := disk.NodeLength(key); exists || total == 0 {
			continue
		}
		pad := make([]schema.Value, total)
		for i := range pad {
			switch col.Kind {
			case keyclass.Ragged:
				pad[i] = schema.EmptyRow(col.Dtype)
			case keyclass.Length:
				pad[i] = schema.ScalarInt(0)
			default:
				pad[i] = schema.Missing(col.Dtype, col.Shape)
			}
		}
		col.Values = append(pad, col.Values...)
		round.Columns[key] = col
	}
	return nil
}

// latestValues returns, for every key, the value from the last event in
// the (now time-sorted) round -- what a live monitor cares about.
func latestValues(round *RoundData) map[string]schema.Value {
	out := map[string]schema.Value{
		"event_time": schema.ScalarInt(int64(round.EventTime[len(round.EventTime)-1])),
		"fiducials":  schema.ScalarInt(int64(round.Fiducials[len(round.Fiducials)-1])),
	}
	for key, col := range round.Columns {
		if len(col.Values) == 0 {
			continue
		}
		out[key] = col.Values[len(col.Values)-1]
	}
	return out
}
