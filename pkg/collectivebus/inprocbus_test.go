// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package collectivebus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRanks(t *testing.T, size int, fn func(rank int, bus Bus)) {
	t.Helper()
	grp := NewInprocGroup(size)
	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(rank int) {
			defer wg.Done()
			fn(rank, grp.Handle(rank))
		}(r)
	}
	wg.Wait()
}

func TestInprocBarrier(t *testing.T) {
	runRanks(t, 4, func(rank int, bus Bus) {
		require.NoError(t, bus.Barrier(context.Background()))
	})
}

func TestInprocBroadcast(t *testing.T) {
	runRanks(t, 4, func(rank int, bus Bus) {
		var payload []byte
		if rank == 2 {
			payload = []byte("hello-from-2")
		}
		got, err := bus.Broadcast(context.Background(), 2, payload)
		require.NoError(t, err)
		assert.Equal(t, "hello-from-2", string(got))
	})
}

func TestInprocAllGather(t *testing.T) {
	runRanks(t, 3, func(rank int, bus Bus) {
		got, err := bus.AllGather(context.Background(), []byte{byte(rank)})
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, buf := range got {
			assert.Equal(t, []byte{byte(i)}, buf)
		}
	})
}

func TestInprocGatherv(t *testing.T) {
	runRanks(t, 3, func(rank int, bus Bus) {
		payload := make([]byte, rank+1)
		for i := range payload {
			payload[i] = byte(rank)
		}
		got, err := bus.Gatherv(context.Background(), 0, payload, nil)
		require.NoError(t, err)
		if rank == 0 {
			assert.Equal(t, []byte{0, 1, 1, 2, 2, 2}, got)
		} else {
			assert.Nil(t, got)
		}
	})
}

func TestInprocReduceSum(t *testing.T) {
	runRanks(t, 4, func(rank int, bus Bus) {
		got, err := bus.Reduce(context.Background(), 0, float64(rank), Sum)
		require.NoError(t, err)
		if rank == 0 {
			assert.Equal(t, 6.0, got)
		}
	})
}

func TestInprocReduceMinMax(t *testing.T) {
	runRanks(t, 4, func(rank int, bus Bus) {
		gotMin, err := bus.Reduce(context.Background(), 0, float64(rank), Min)
		require.NoError(t, err)
		gotMax, err := bus.Reduce(context.Background(), 0, float64(rank), Max)
		require.NoError(t, err)
		if rank == 0 {
			assert.Equal(t, 0.0, gotMin)
			assert.Equal(t, 3.0, gotMax)
		}
	})
}
