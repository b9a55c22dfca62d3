// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package gather

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHR-FAU/smalldata-go/internal/buffer"
	"github.com/NHR-FAU/smalldata-go/internal/catalog"
	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
)

type noDisk struct{}

func (noDisk) NodeLength(string) (int, bool) { return 0, false }
func (noDisk) TotalEvents() int              { return 0 }

func TestEngineGatherTwoRanksFixedAndRagged(t *testing.T) {
	const size = 2
	grp := collectivebus.NewInprocGroup(size)

	engines := make([]*Engine, size)
	for r := 0; r < size; r++ {
		numCatalog := catalog.NewNumCatalog()
		arrCatalog := catalog.NewArrCatalog()
		buf := buffer.New(numCatalog, arrCatalog)
		engines[r] = NewEngine(grp.Handle(r), numCatalog, arrCatalog, buf)
	}

	// rank 0: two events with "a" and a ragged key; rank 1: one event.
	_, err := engines[0].Buf.Event(map[string]schema.Value{
		"a":           schema.ScalarInt(1),
		"ragged_hits": {Dtype: schema.Int64, Shape: []int{2}, Ints: []int64{9, 9}},
	}, nil, true, 100, 1)
	require.NoError(t, err)
	_, err = engines[0].Buf.Event(map[string]schema.Value{"a": schema.ScalarInt(2)}, nil, true, 102, 2)
	require.NoError(t, err)

	_, err = engines[1].Buf.Event(map[string]schema.Value{"a": schema.ScalarInt(3)}, nil, true, 101, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*RoundData, size)
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(rank int) {
			defer wg.Done()
			rd, err := engines[rank].Gather(context.Background())
			assert.NoError(t, err)
			results[rank] = rd
		}(r)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	assert.Nil(t, results[1])

	round, err := Process(results[0], noDisk{}, nil)
	require.NoError(t, err)
	require.NotNil(t, round)
	assert.Equal(t, 3, round.NEvents())
	assert.Equal(t, []uint64{100, 101, 102}, round.EventTime)

	aCol := round.Columns["a"]
	require.Len(t, aCol.Values, 3)
	assert.Equal(t, int64(1), aCol.Values[0].Ints[0])
	assert.Equal(t, int64(3), aCol.Values[1].Ints[0])
	assert.Equal(t, int64(2), aCol.Values[2].Ints[0])

	raggedCol := round.Columns["ragged_hits"]
	require.Len(t, raggedCol.Values, 3)
	assert.Equal(t, 2, raggedCol.Values[0].FirstDimLen())
	assert.Equal(t, 0, raggedCol.Values[1].FirstDimLen(), "rank 1 never wrote ragged_hits")
}

func TestEngineGatherVariableKeyReconstruction(t *testing.T) {
	const size = 1
	grp := collectivebus.NewInprocGroup(size)
	numCatalog := catalog.NewNumCatalog()
	arrCatalog := catalog.NewArrCatalog()
	buf := buffer.New(numCatalog, arrCatalog)
	eng := NewEngine(grp.Handle(0), numCatalog, arrCatalog, buf)

	_, err := eng.Buf.Event(map[string]schema.Value{}, nil, true, 100, 1)
	require.NoError(t, err)
	v := schema.Value{Dtype: schema.Float64, Shape: []int{2}, Floats: []float64{1, 2}}
	_, err = eng.Buf.Event(map[string]schema.Value{"var_hits/x": v}, nil, true, 101, 2)
	require.NoError(t, err)
	_, err = eng.Buf.Event(map[string]schema.Value{}, nil, true, 102, 3)
	require.NoError(t, err)

	round, err := eng.Gather(context.Background())
	require.NoError(t, err)
	require.NotNil(t, round)

	final, err := Process(round, noDisk{}, nil)
	require.NoError(t, err)
	require.NotNil(t, final)

	// The companion length column still carries one entry per event (0, 2, 0);
	// var_hits/x itself is flattened to just the two non-empty element rows.
	lenCol := final.Columns["var_hits_len"]
	require.Len(t, lenCol.Values, 3)
	assert.Equal(t, int64(0), lenCol.Values[0].Ints[0])
	assert.Equal(t, int64(2), lenCol.Values[1].Ints[0])
	assert.Equal(t, int64(0), lenCol.Values[2].Ints[0])

	col := final.Columns["var_hits/x"]
	require.Len(t, col.Values, 2)
	assert.Equal(t, float64(1), col.Values[0].Floats[0])
	assert.Equal(t, float64(2), col.Values[1].Floats[0])
}

func TestRoundQuotaRemainderRule(t *testing.T) {
	// 10 events over 3 ranks: first 10%3=1 rank gets one extra.
	assert.Equal(t, 4, RoundQuota(10, 3, 0))
	assert.Equal(t, 3, RoundQuota(10, 3, 1))
	assert.Equal(t, 3, RoundQuota(10, 3, 2))
}
