// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package collectivebus

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/NHR-FAU/smalldata-go/pkg/log"
)

// NatsBus implements Bus as a real networked transport: every collective
// call gets its own pair of subjects scoped to the run and a monotonic
// sequence number, so the per-key Gatherv calls the gather engine issues
// back to back never cross wires even though every rank drives its own
// local counter independently (all ranks are guaranteed to call the bus
// methods in the same order, per §5, so the counters stay in lockstep).
//
// Rank 0 acts as the collector: every rank (root included) publishes its
// contribution on "<subjectPrefix>.<seq>.contrib", root gathers exactly
// Size() of them and republishes the full, rank-ordered set on
// "<subjectPrefix>.<seq>.result", which every rank (root included)
// subscribes to up front.
type NatsBus struct {
	conn          *NatsConn
	rank          int
	size          int
	subjectPrefix string
	seq           uint64
}

// NewNatsBus wires a Bus on top of an already-connected NatsConn.
// subjectPrefix should be unique per run (e.g. "smalldata.<experiment>.<run>")
// so concurrent runs sharing a NATS server don't cross-talk.
func NewNatsBus(conn *NatsConn, rank, size int, subjectPrefix string) *NatsBus {
	return &NatsBus{conn: conn, rank: rank, size: size, subjectPrefix: subjectPrefix}
}

func (b *NatsBus) Rank() int { return b.rank }
func (b *NatsBus) Size() int { return b.size }

func (b *NatsBus) nextSeq() uint64 {
	return atomic.AddUint64(&b.seq, 1)
}

func encodeFrames(frames [][]byte) []byte {
	out := make([]byte, 0)
	hdr := make([]byte, 4)
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr, uint32(len(f)))
		out = append(out, hdr...)
		out = append(out, f...)
	}
	return out
}

func decodeFrames(data []byte, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("collectivebus: truncated frame header")
		}
		l := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if len(data) < l {
			return nil, fmt.Errorf("collectivebus: truncated frame body")
		}
		out = append(out, data[:l])
		data = data[l:]
	}
	if len(out) != n {
		return nil, fmt.Errorf("collectivebus: expected %d frames, decoded %d", n, len(out))
	}
	return out, nil
}

// exchange is the shared primitive behind every Bus method: every rank
// contributes a byte value and gets back the full rank-ordered set.
func (b *NatsBus) exchange(ctx context.Context, value []byte) ([][]byte, error) {
	seq := b.nextSeq()
	contribSubj := fmt.Sprintf("%s.%d.contrib", b.subjectPrefix, seq)
	resultSubj := fmt.Sprintf("%s.%d.result", b.subjectPrefix, seq)

	resultCh := make(chan []byte, 1)

	// Subscribe for the result before publishing our own contribution, so
	// we cannot miss root's republish.
	if err := b.conn.subscribe(resultSubj, func(_ string, data []byte) {
		select {
		case resultCh <- data:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("collectivebus: subscribe result: %w", err)
	}

	if b.rank == 0 {
		collected := make([][]byte, b.size)
		var mu sync.Mutex
		count := 0
		collectDone := make(chan struct{})
		if err := b.conn.subscribe(contribSubj, func(_ string, data []byte) {
			if len(data) < 4 {
				return
			}
			rank := int(binary.BigEndian.Uint32(data))
			payload := append([]byte(nil), data[4:]...)
			mu.Lock()
			if collected[rank] == nil {
				collected[rank] = payload
				count++
			}
			done := count == b.size
			mu.Unlock()
			if done {
				select {
				case <-collectDone:
				default:
					close(collectDone)
				}
			}
		}); err != nil {
			return nil, fmt.Errorf("collectivebus: subscribe contrib: %w", err)
		}

		if err := b.publishContribution(contribSubj, value); err != nil {
			return nil, err
		}

		select {
		case <-collectDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		for i, buf := range collected {
			if buf == nil {
				collected[i] = []byte{}
			}
		}
		if err := b.conn.Publish(resultSubj, encodeFrames(collected)); err != nil {
			log.Warnf("collectivebus: result publish failed: %v", err)
		}
		return collected, nil
	}

	if err := b.publishContribution(contribSubj, value); err != nil {
		return nil, err
	}

	select {
	case data := <-resultCh:
		return decodeFrames(data, b.size)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *NatsBus) publishContribution(subject string, value []byte) error {
	msg := make([]byte, 4+len(value))
	binary.BigEndian.PutUint32(msg, uint32(b.rank))
	copy(msg[4:], value)
	if err := b.conn.Publish(subject, msg); err != nil {
		return fmt.Errorf("collectivebus: publish contribution: %w", err)
	}
	return nil
}

func (b *NatsBus) Barrier(ctx context.Context) error {
	_, err := b.exchange(ctx, nil)
	return err
}

func (b *NatsBus) Broadcast(ctx context.Context, root int, value []byte) ([]byte, error) {
	if root != b.rank {
		value = nil
	}
	bufs, err := b.exchange(ctx, value)
	if err != nil {
		return nil, err
	}
	if root < 0 || root >= len(bufs) {
		return nil, fmt.Errorf("collectivebus: broadcast root %d out of range", root)
	}
	return bufs[root], nil
}

func (b *NatsBus) AllGather(ctx context.Context, value []byte) ([][]byte, error) {
	return b.exchange(ctx, value)
}

func (b *NatsBus) Gather(ctx context.Context, root int, value []byte) ([][]byte, error) {
	bufs, err := b.exchange(ctx, value)
	if err != nil {
		return nil, err
	}
	if b.rank != root {
		return nil, nil
	}
	return bufs, nil
}

func (b *NatsBus) Gatherv(ctx context.Context, root int, value []byte, recvCounts []int) ([]byte, error) {
	bufs, err := b.exchange(ctx, value)
	if err != nil {
		return nil, err
	}
	if b.rank != root {
		return nil, nil
	}
	total := 0
	for _, buf := range bufs {
		total += len(buf)
	}
	out := make([]byte, 0, total)
	for i, buf := range bufs {
		if recvCounts != nil && i < len(recvCounts) && recvCounts[i] != len(buf) {
			return nil, fmt.Errorf("collectivebus: gatherv rank %d sent %d bytes, expected %d", i, len(buf), recvCounts[i])
		}
		out = append(out, buf...)
	}
	return out, nil
}

func (b *NatsBus) Reduce(ctx context.Context, root int, value float64, op ReduceOp) (float64, error) {
	encoded := make([]byte, 8)
	binary.LittleEndian.PutUint64(encoded, math.Float64bits(value))
	bufs, err := b.exchange(ctx, encoded)
	if err != nil {
		return 0, err
	}
	if b.rank != root {
		return 0, nil
	}
	result := identity(op)
	for _, buf := range bufs {
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf))
		result = combine(op, result, v)
	}
	return result, nil
}

func (b *NatsBus) ReduceBuf(ctx context.Context, root int, value []float64, op ReduceOp) ([]float64, error) {
	encoded := make([]byte, 8*len(value))
	for i, v := range value {
		binary.LittleEndian.PutUint64(encoded[i*8:], math.Float64bits(v))
	}
	bufs, err := b.exchange(ctx, encoded)
	if err != nil {
		return nil, err
	}
	if b.rank != root {
		return nil, nil
	}
	n := len(value)
	result := make([]float64, n)
	for i := range result {
		result[i] = identity(op)
	}
	for _, buf := range bufs {
		for i := 0; i < n; i++ {
			v := math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
			result[i] = combine(op, result[i], v)
		}
	}
	return result, nil
}
