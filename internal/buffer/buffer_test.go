// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHR-FAU/smalldata-go/internal/catalog"
	"github.com/NHR-FAU/smalldata-go/internal/schema"
)

func newTestBuffer() *Buffer {
	return New(catalog.NewNumCatalog(), catalog.NewArrCatalog())
}

func TestEventOpensNewFiducial(t *testing.T) {
	b := newTestBuffer()
	dropped, err := b.Event(map[string]schema.Value{"a": schema.ScalarInt(1)}, nil, true, 100, 1)
	require.NoError(t, err)
	assert.False(t, dropped)
	assert.Equal(t, 1, b.NEvents())
	assert.Equal(t, []uint32{1}, b.Fiducials())
	assert.Equal(t, []uint64{100}, b.EventTimes())

	col, ok := b.Column("a")
	require.True(t, ok)
	require.Len(t, col.Values, 1)
	assert.Equal(t, int64(1), col.Values[0].Ints[0])
}

func TestEventContinuationAddsToSameTuple(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Event(map[string]schema.Value{"a": schema.ScalarInt(1)}, nil, true, 100, 1)
	require.NoError(t, err)
	_, err = b.Event(map[string]schema.Value{"b": schema.ScalarInt(2)}, nil, true, 100, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, b.NEvents(), "continuation call must not open a second event")
	colB, ok := b.Column("b")
	require.True(t, ok)
	assert.Len(t, colB.Values, 1)
}

func TestEventDroppedWithoutCurrent(t *testing.T) {
	b := newTestBuffer()
	dropped, err := b.Event(map[string]schema.Value{"a": schema.ScalarInt(1)}, nil, false, 0, 0)
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.Equal(t, 0, b.NEvents())
}

func TestEventStaleDuplicateDropped(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Event(map[string]schema.Value{"a": schema.ScalarInt(1)}, nil, true, 200, 5)
	require.NoError(t, err)
	dropped, err := b.Event(map[string]schema.Value{"a": schema.ScalarInt(9)}, nil, true, 100, 2)
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.Equal(t, 1, b.NEvents())
}

func TestEventRejectsReservedKey(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Event(map[string]schema.Value{"fiducials": schema.ScalarInt(1)}, nil, true, 100, 1)
	assert.Error(t, err)
}

func TestDuplicateKeySameFiducialIsFatal(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Event(map[string]schema.Value{"a": schema.ScalarInt(1)}, nil, true, 100, 1)
	require.NoError(t, err)
	_, err = b.Event(map[string]schema.Value{"a": schema.ScalarInt(2)}, nil, true, 100, 1)
	assert.Error(t, err)
}

func TestFixedKeyBackfillsMissingOnGap(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Event(map[string]schema.Value{"a": schema.ScalarInt(1)}, nil, true, 100, 1)
	require.NoError(t, err)
	_, err = b.Event(map[string]schema.Value{}, nil, true, 101, 2)
	require.NoError(t, err)
	_, err = b.Event(map[string]schema.Value{"a": schema.ScalarInt(3)}, nil, true, 102, 3)
	require.NoError(t, err)

	b.PadAll()
	col, ok := b.Column("a")
	require.True(t, ok)
	require.Len(t, col.Values, 3)
	assert.Equal(t, int64(1), col.Values[0].Ints[0])
	assert.Equal(t, schema.MissingInt, col.Values[1].Ints[0])
	assert.Equal(t, int64(3), col.Values[2].Ints[0])
}

func TestRaggedKeyBackfillsEmptyRow(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Event(map[string]schema.Value{}, nil, true, 100, 1)
	require.NoError(t, err)
	_, err = b.Event(map[string]schema.Value{"ragged_hits": {Dtype: schema.Int64, Shape: []int{3}, Ints: []int64{1, 2, 3}}}, nil, true, 101, 2)
	require.NoError(t, err)

	col, ok := b.Column("ragged_hits")
	require.True(t, ok)
	require.Len(t, col.Values, 2)
	assert.Equal(t, 0, col.Values[0].FirstDimLen())
	assert.Equal(t, 3, col.Values[1].FirstDimLen())
}

func TestVariableKeySparseWithLengthCompanion(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Event(map[string]schema.Value{}, nil, true, 100, 1)
	require.NoError(t, err)
	v := schema.Value{Dtype: schema.Float64, Shape: []int{2}, Floats: []float64{1.5, 2.5}}
	_, err = b.Event(map[string]schema.Value{"var_hits/x": v}, nil, true, 101, 2)
	require.NoError(t, err)

	data, ok := b.Column("var_hits/x")
	require.True(t, ok)
	assert.Len(t, data.Values, 1, "variable data column stays sparse")

	lenCol, ok := b.Column("var_hits_len")
	require.True(t, ok)
	require.Len(t, lenCol.Values, 2)
	assert.Equal(t, int64(0), lenCol.Values[0].Ints[0])
	assert.Equal(t, int64(2), lenCol.Values[1].Ints[0])
}

func TestVariableSiblingsMustAgreeOnLength(t *testing.T) {
	b := newTestBuffer()
	x := schema.Value{Dtype: schema.Float64, Shape: []int{2}, Floats: []float64{1, 2}}
	y := schema.Value{Dtype: schema.Float64, Shape: []int{3}, Floats: []float64{1, 2, 3}}
	_, err := b.Event(map[string]schema.Value{"var_hits/x": x, "var_hits/y": y}, nil, true, 100, 1)
	assert.Error(t, err)
}

func TestVariableSiblingsAgreeingDoNotDoubleCountLength(t *testing.T) {
	b := newTestBuffer()
	x := schema.Value{Dtype: schema.Float64, Shape: []int{2}, Floats: []float64{1, 2}}
	y := schema.Value{Dtype: schema.Float64, Shape: []int{2}, Floats: []float64{3, 4}}
	_, err := b.Event(map[string]schema.Value{"var_hits/x": x}, nil, true, 100, 1)
	require.NoError(t, err)
	_, err = b.Event(map[string]schema.Value{"var_hits/y": y}, nil, true, 100, 1)
	require.NoError(t, err)

	lenCol, ok := b.Column("var_hits_len")
	require.True(t, ok)
	assert.Len(t, lenCol.Values, 1)
}

func TestClearPreservesSchemaResetsRows(t *testing.T) {
	b := newTestBuffer()
	_, err := b.Event(map[string]schema.Value{"a": schema.ScalarInt(1)}, nil, true, 100, 1)
	require.NoError(t, err)
	b.Clear()
	assert.Equal(t, 0, b.NEvents())
	col, ok := b.Column("a")
	require.True(t, ok)
	assert.Len(t, col.Values, 0)
	assert.Equal(t, schema.Int64, col.Dtype)
}

func TestDefaultsAppliedOnlyOnNewFiducial(t *testing.T) {
	b := newTestBuffer()
	defaults := map[string]schema.Value{"ebeam/charge": schema.ScalarFloat(3.2)}
	_, err := b.Event(map[string]schema.Value{}, defaults, true, 100, 1)
	require.NoError(t, err)
	_, err = b.Event(map[string]schema.Value{"a": schema.ScalarInt(1)}, defaults, true, 100, 1)
	require.NoError(t, err)

	col, ok := b.Column("ebeam/charge")
	require.True(t, ok)
	assert.Len(t, col.Values, 1, "defaults must not be reapplied on a continuation call")
}
