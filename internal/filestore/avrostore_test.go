// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package filestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHR-FAU/smalldata-go/internal/schema"
)

func TestAvroFileStoreAppendAndLength(t *testing.T) {
	store, err := NewAvroFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	node, err := store.CreateEArray("a", schema.Int64, nil)
	require.NoError(t, err)
	require.NoError(t, node.Append([]schema.Value{schema.ScalarInt(1), schema.ScalarInt(2)}))

	length, ok := store.NodeLength("a")
	require.True(t, ok)
	assert.Equal(t, 2, length)

	_, ok = store.NodeLength("missing")
	assert.False(t, ok)
}

func TestAvroFileStoreReopenPreservesCount(t *testing.T) {
	dir := t.TempDir()
	store, err := NewAvroFileStore(dir)
	require.NoError(t, err)
	node, err := store.CreateVLArray("ragged_hits", schema.Float64)
	require.NoError(t, err)
	require.NoError(t, node.Append([]schema.Value{
		{Dtype: schema.Float64, Shape: []int{2}, Floats: []float64{1, 2}},
	}))
	require.NoError(t, store.Close())

	store2, err := NewAvroFileStore(dir)
	require.NoError(t, err)
	defer store2.Close()
	node2, err := store2.CreateVLArray("ragged_hits", schema.Float64)
	require.NoError(t, err)
	assert.Equal(t, 1, node2.Length())
}

func TestAvroFileStoreCommitRoundTracksTotal(t *testing.T) {
	store, err := NewAvroFileStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, 0, store.TotalEvents())
	store.CommitRound(5)
	store.CommitRound(3)
	assert.Equal(t, 8, store.TotalEvents())
}
