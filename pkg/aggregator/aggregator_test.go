// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHR-FAU/smalldata-go/internal/filestore"
	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
	"github.com/NHR-FAU/smalldata-go/pkg/eventsource"
)

type scriptedSource struct {
	events []struct {
		ok  bool
		t   uint64
		fid uint32
	}
	idx int
}

func (s *scriptedSource) CurrentEvent() (bool, uint64, uint32) {
	e := s.events[s.idx]
	return e.ok, e.t, e.fid
}

func (s *scriptedSource) RunNumber() int { return 7 }

func (s *scriptedSource) Detector(name string) (eventsource.DetectorHandle, bool) { return nil, false }

func TestAggregatorSingleRankRoundTrip(t *testing.T) {
	grp := collectivebus.NewInprocGroup(1)
	src := &scriptedSource{}
	store, err := filestore.NewAvroFileStore(t.TempDir())
	require.NoError(t, err)
	agg := New(grp.Handle(0), store, src)

	ctx := context.Background()
	events := []struct {
		t, fid uint64
	}{{100, 1}, {101, 2}, {102, 3}}

	for i, ev := range events {
		src.idx = i
		src.events = append(src.events, struct {
			ok  bool
			t   uint64
			fid uint32
		}{true, ev.t, uint32(ev.fid)})
		require.NoError(t, agg.Event(ctx, map[string]schema.Value{"a": schema.ScalarInt(int64(ev.fid))}))
	}

	require.NoError(t, agg.Gather(ctx))

	node, ok := store.GetNode("a")
	require.True(t, ok)
	assert.Equal(t, 3, node.Length())

	require.NoError(t, agg.Close(ctx))
}

func TestAggregatorSumReduction(t *testing.T) {
	grp := collectivebus.NewInprocGroup(1)
	src := &scriptedSource{events: []struct {
		ok  bool
		t   uint64
		fid uint32
	}{{true, 1, 1}}}
	store, err := filestore.NewAvroFileStore(t.TempDir())
	require.NoError(t, err)
	agg := New(grp.Handle(0), store, src)

	require.NoError(t, agg.Sum("total_charge", nil, []float64{3.5}))
	require.NoError(t, agg.Sum("total_charge", nil, []float64{1.5}))

	out, err := agg.FlushReduces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{5.0}, out["total_charge"])
}

func TestAggregatorBreakAfterRemainder(t *testing.T) {
	grp := collectivebus.NewInprocGroup(3)
	store, err := filestore.NewAvroFileStore(t.TempDir())
	require.NoError(t, err)
	agg0 := New(grp.Handle(0), store, &scriptedSource{})
	agg1 := New(grp.Handle(1), store, &scriptedSource{})
	agg2 := New(grp.Handle(2), store, &scriptedSource{})

	assert.Equal(t, 4, agg0.BreakAfter(10))
	assert.Equal(t, 3, agg1.BreakAfter(10))
	assert.Equal(t, 3, agg2.BreakAfter(10))
}
