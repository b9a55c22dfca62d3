// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package filestore defines the append-only, per-key hierarchical output
// store (§6.2): one node per key, each append-only for the life of the
// run. Node naming (EArray/VLArray/CArray) follows PyTables-style node
// kinds: EArray is a fixed-shape, row-extensible array; VLArray is a
// ragged, variable-row-length array; CArray is a scalar column (plain
// scalar and Length-kind keys), appended to one row per event like the
// others.
package filestore

import (
	"github.com/NHR-FAU/smalldata-go/internal/schema"
)

// Node is one key's on-disk column.
type Node interface {
	// Append writes rows in order, extending the node.
	Append(rows []schema.Value) error
	// Length is the number of rows committed so far.
	Length() int
}

// FileStore is the append-only hierarchical store every gather round is
// flushed to.
type FileStore interface {
	// CreateEArray creates (or reopens) a fixed-shape, row-extensible
	// node of the given element shape -- used for Fixed array keys, and
	// for Variable keys once their per-event rows have been flattened
	// into a single sequence of element-shaped rows.
	CreateEArray(key string, dtype schema.Dtype, shape []int) (Node, error)
	// CreateVLArray creates (or reopens) a variable-row-length node --
	// used for Ragged keys, whose per-event row count varies but is
	// still written one row per event.
	CreateVLArray(key string, dtype schema.Dtype) (Node, error)
	// CreateCArray creates (or reopens) a scalar/Length-kind node.
	CreateCArray(key string, dtype schema.Dtype) (Node, error)

	// GetNode looks up an already-created node without creating one.
	GetNode(key string) (Node, bool)

	// NodeLength and TotalEvents satisfy gather.NodeLengthSource, used
	// for the late-key backfill (§4.5).
	NodeLength(key string) (length int, ok bool)
	TotalEvents() int
	// CommitRound records that n more events have been written to every
	// established column, advancing TotalEvents for the next late-key
	// backfill decision.
	CommitRound(n int)

	Close() error
}
