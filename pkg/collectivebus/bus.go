// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package collectivebus defines the group-wide communicator contract every
// other package in this module builds on: rank/size plus the handful of
// collective primitives (barrier, broadcast, all-gather, gather, variable-
// length gather, reduce) the schema catalog and gather engine need.
//
// Two implementations are provided: inprocbus (goroutines sharing memory,
// used for single-binary runs and tests) and natsbus (a real networked
// transport over a NATS connection, for a genuine multi-process job).
// Callers depend only on the Bus interface so the two are interchangeable.
package collectivebus

import "context"

// ReduceOp selects the combining function for Reduce/ReduceBuf.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Min
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Min:
		return "min"
	default:
		return "max"
	}
}

// Bus is the collective communicator every rank in a run shares.
//
// Every method is a synchronization point: all ranks must call the same
// method, in the same order, for the run to make progress (§5 Suspension
// points). A failure on any rank is fatal to the whole collective call.
type Bus interface {
	Rank() int
	Size() int

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// Broadcast sends root's value to every rank. Non-root callers pass a
	// nil/ignored value and receive root's.
	Broadcast(ctx context.Context, root int, value []byte) ([]byte, error)

	// AllGather returns every rank's value, indexed by rank, to every rank.
	AllGather(ctx context.Context, value []byte) ([][]byte, error)

	// Gather returns every rank's value, indexed by rank, to root only;
	// non-root callers get a nil slice back.
	Gather(ctx context.Context, root int, value []byte) ([][]byte, error)

	// Gatherv is the variable-length gather: every rank sends a byte
	// buffer of its own choosing length, root receives them concatenated
	// in rank order. recvCounts (root-only, may be nil elsewhere) is the
	// per-rank byte count root expects, generally obtained from a prior
	// Gather of lengths.
	Gatherv(ctx context.Context, root int, value []byte, recvCounts []int) ([]byte, error)

	// Reduce combines one scalar per rank with op, returning the result on
	// root only (NaN/zero-value elsewhere).
	Reduce(ctx context.Context, root int, value float64, op ReduceOp) (float64, error)

	// ReduceBuf combines equal-length float slices element-wise.
	ReduceBuf(ctx context.Context, root int, value []float64, op ReduceOp) ([]float64, error)
}
