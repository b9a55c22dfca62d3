// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
)

func TestNumCatalogSynchronizeUnion(t *testing.T) {
	const size = 3
	grp := collectivebus.NewInprocGroup(size)
	catalogs := make([]*NumCatalog, size)
	for i := range catalogs {
		catalogs[i] = NewNumCatalog()
	}
	// Only rank 1 has ever seen "b", only rank 2 has ever seen "c".
	require.NoError(t, catalogs[0].Register("a", schema.Int64))
	require.NoError(t, catalogs[1].Register("a", schema.Int64))
	require.NoError(t, catalogs[1].Register("b", schema.Float64))
	require.NoError(t, catalogs[2].Register("c", schema.Int64))

	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(rank int) {
			defer wg.Done()
			err := catalogs[rank].Synchronize(context.Background(), grp.Handle(rank))
			assert.NoError(t, err)
		}(r)
	}
	wg.Wait()

	for _, c := range catalogs {
		assert.Equal(t, []string{"a", "b", "c"}, c.Keys())
		e, ok := c.Get("b")
		require.True(t, ok)
		assert.Equal(t, schema.Float64, e.Dtype)
	}
}

func TestArrCatalogSynchronizeShapeFromFirstObserver(t *testing.T) {
	const size = 2
	grp := collectivebus.NewInprocGroup(size)
	catalogs := []*ArrCatalog{NewArrCatalog(), NewArrCatalog()}
	require.NoError(t, catalogs[0].Register("img", schema.Float64, []int{32, 32}))
	// rank 1 never saw "img" locally.

	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(rank int) {
			defer wg.Done()
			require.NoError(t, catalogs[rank].Synchronize(context.Background(), grp.Handle(rank)))
		}(r)
	}
	wg.Wait()

	for _, c := range catalogs {
		e, ok := c.Get("img")
		require.True(t, ok)
		assert.Equal(t, []int{32, 32}, e.Shape)
	}
}
