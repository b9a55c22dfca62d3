// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package gather

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/NHR-FAU/smalldata-go/internal/buffer"
	"github.com/NHR-FAU/smalldata-go/internal/catalog"
	"github.com/NHR-FAU/smalldata-go/internal/keyclass"
	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
	"github.com/NHR-FAU/smalldata-go/pkg/log"
)

// RoundData is one gather round's worth of data, already concatenated
// rank-major (ranks in ascending order) but not yet time-sorted --
// sorting and backfill happen in the post-gather pipeline.
type RoundData struct {
	EventTime []uint64
	Fiducials []uint32
	Columns   map[string]buffer.Column
}

// NEvents is the number of events this round carries across all ranks.
func (r *RoundData) NEvents() int { return len(r.Fiducials) }

// Engine drives one rank's side of a gather round: catalog sync, then a
// per-key collective exchange, landing on root as a RoundData.
type Engine struct {
	Bus        collectivebus.Bus
	NumCatalog *catalog.NumCatalog
	ArrCatalog *catalog.ArrCatalog
	Buf        *buffer.Buffer

	// limiter rate-limits the warning logged when a rank's contribution
	// to a collective call fails to decode -- a noisy failure mode if a
	// single flaky rank is retried every round.
	limiter *rate.Limiter
}

func NewEngine(bus collectivebus.Bus, numCatalog *catalog.NumCatalog, arrCatalog *catalog.ArrCatalog, buf *buffer.Buffer) *Engine {
	return &Engine{Bus: bus, NumCatalog: numCatalog, ArrCatalog: arrCatalog, Buf: buf, limiter: rate.NewLimiter(rate.Every(time.Second), 1)}
}

// Gather performs one full round (§4.4): schema catalog synchronization,
// pre-gather backfill, the number gather, the array gather, and finally
// clearing every sender's buffer. It returns the assembled round on root
// (rank 0) and nil on every other rank.
func (e *Engine) Gather(ctx context.Context) (*RoundData, error) {
	if err := e.NumCatalog.Synchronize(ctx, e.Bus); err != nil {
		return nil, fmt.Errorf("gather: synchronize number catalog: %w", err)
	}
	if err := e.ArrCatalog.Synchronize(ctx, e.Bus); err != nil {
		return nil, fmt.Errorf("gather: synchronize array catalog: %w", err)
	}

	if err := e.ensureAllCatalogColumns(); err != nil {
		return nil, err
	}
	e.Buf.PadAll()

	eventTimeBuf := encodeUint64Seq(e.Buf.EventTimes())
	fidBuf := encodeUint32Seq(e.Buf.Fiducials())

	etPerRank, err := e.Bus.Gather(ctx, 0, eventTimeBuf)
	if err != nil {
		return nil, fmt.Errorf("gather: gather event_time: %w", err)
	}
	fidPerRank, err := e.Bus.Gather(ctx, 0, fidBuf)
	if err != nil {
		return nil, fmt.Errorf("gather: gather fiducials: %w", err)
	}

	var round *RoundData
	if e.Bus.Rank() == 0 {
		round = &RoundData{Columns: map[string]buffer.Column{}}
		for i, buf := range etPerRank {
			seq, err := decodeUint64Seq(buf)
			if err != nil {
				e.warnRankFailure(i, "event_time", err)
				continue
			}
			round.EventTime = append(round.EventTime, seq...)
		}
		for i, buf := range fidPerRank {
			seq, err := decodeUint32Seq(buf)
			if err != nil {
				e.warnRankFailure(i, "fiducials", err)
				continue
			}
			round.Fiducials = append(round.Fiducials, seq...)
		}
	}

	if err := e.gatherNumbers(ctx, round); err != nil {
		return nil, err
	}
	if err := e.gatherArrays(ctx, round); err != nil {
		return nil, err
	}

	e.Buf.Clear()
	return round, nil
}

// ensureAllCatalogColumns creates an empty local column (§4.4 step 2) for
// every catalog key this rank has never locally observed, so every rank's
// per-key Gather/Gatherv calls happen in the same, catalog-wide order
// with a value to contribute even for keys it never wrote.
func (e *Engine) ensureAllCatalogColumns() error {
	for _, key := range e.NumCatalog.Keys() {
		entry, _ := e.NumCatalog.Get(key)
		class, err := keyclass.Classify(key)
		if err != nil {
			return fmt.Errorf("gather: classify number key %q: %w", key, err)
		}
		e.Buf.EnsureColumn(key, class, entry.Dtype, nil)
	}
	for _, key := range e.ArrCatalog.Keys() {
		entry, _ := e.ArrCatalog.Get(key)
		class, err := keyclass.Classify(key)
		if err != nil {
			return fmt.Errorf("gather: classify array key %q: %w", key, err)
		}
		e.Buf.EnsureColumn(key, class, entry.Dtype, entry.Shape)
	}
	return nil
}

func (e *Engine) warnRankFailure(rank int, what string, err error) {
	if e.limiter.Allow() {
		log.Warnf("gather: rank %d contribution to %s dropped: %v", rank, what, err)
	}
}

func (e *Engine) gatherNumbers(ctx context.Context, round *RoundData) error {
	for _, key := range e.NumCatalog.Keys() {
		entry, _ := e.NumCatalog.Get(key)
		col, ok := e.Buf.Column(key)
		var local []schema.Value
		if ok {
			local = col.Values
		}
		localBuf := encodeNumberColumn(local, entry.Dtype)

		perRank, err := e.Bus.Gather(ctx, 0, localBuf)
		if err != nil {
			return fmt.Errorf("gather: gather number key %q: %w", key, err)
		}
		if e.Bus.Rank() != 0 {
			continue
		}
		kind := keyclass.Fixed
		if c, err := keyclass.Classify(key); err == nil {
			kind = c.Kind
		}
		merged := buffer.Column{Kind: kind, Dtype: entry.Dtype}
		for i, buf := range perRank {
			vals, err := decodeNumberColumn(buf, entry.Dtype)
			if err != nil {
				e.warnRankFailure(i, key, err)
				continue
			}
			merged.Values = append(merged.Values, vals...)
		}
		round.Columns[key] = merged
	}
	return nil
}

func (e *Engine) gatherArrays(ctx context.Context, round *RoundData) error {
	for _, key := range e.ArrCatalog.Keys() {
		entry, _ := e.ArrCatalog.Get(key)
		class, err := keyclass.Classify(key)
		if err != nil {
			return fmt.Errorf("gather: classify array key %q: %w", key, err)
		}

		col, ok := e.Buf.Column(key)
		var local []schema.Value
		if ok {
			local = col.Values
		}

		var localBuf []byte
		if class.Kind == keyclass.Fixed {
			elemCount := 1
			for _, s := range entry.Shape {
				elemCount *= s
			}
			localBuf = encodeFixedArrayColumn(local, entry.Dtype, elemCount)
		} else {
			localBuf = encodeRowColumn(local, entry.Dtype)
		}

		lenBuf, err := e.Bus.Gather(ctx, 0, putCountOnly(len(localBuf)))
		if err != nil {
			return fmt.Errorf("gather: gather array length for %q: %w", key, err)
		}
		var recvCounts []int
		if e.Bus.Rank() == 0 {
			recvCounts = make([]int, len(lenBuf))
			for i, b := range lenBuf {
				n, _, err := takeCount(b)
				if err != nil {
					return fmt.Errorf("gather: decode array length for %q: %w", key, err)
				}
				recvCounts[i] = n
			}
		}

		merged, err := e.Bus.Gatherv(ctx, 0, localBuf, recvCounts)
		if err != nil {
			return fmt.Errorf("gather: gatherv array %q: %w", key, err)
		}
		if e.Bus.Rank() != 0 {
			continue
		}

		vals, err := decodeConcatenatedRanks(merged, recvCounts, class.Kind, entry.Dtype, entry.Shape)
		if err != nil {
			return fmt.Errorf("gather: decode array %q: %w", key, err)
		}
		round.Columns[key] = buffer.Column{Kind: class.Kind, Dtype: entry.Dtype, Shape: entry.Shape, LengthKey: class.LengthKey, Values: vals}
	}
	return nil
}

func putCountOnly(n int) []byte { return putCount(n) }

// decodeConcatenatedRanks splits a Gatherv'd buffer back into per-rank
// chunks using recvCounts, decodes each chunk, and concatenates the
// per-event values in rank order.
func decodeConcatenatedRanks(buf []byte, recvCounts []int, kind keyclass.Kind, dtype schema.Dtype, shape []int) ([]schema.Value, error) {
	var out []schema.Value
	off := 0
	for _, n := range recvCounts {
		if off+n > len(buf) {
			return nil, fmt.Errorf("gather: recv count overruns buffer")
		}
		chunk := buf[off : off+n]
		off += n
		var vals []schema.Value
		var err error
		if kind == keyclass.Fixed {
			vals, err = decodeFixedArrayColumn(chunk, dtype, shape)
		} else {
			vals, err = decodeRowColumn(chunk, dtype, shape)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

// RoundQuota implements the break_after(n) remainder rule: when a
// configured total-event run limit n does not divide evenly across size
// ranks, the first n%size ranks (in ascending rank order) are given one
// extra event so the per-rank quotas sum to exactly n.
func RoundQuota(n, size, rank int) int {
	if size <= 0 {
		return n
	}
	base := n / size
	if rank < n%size {
		return base + 1
	}
	return base
}
