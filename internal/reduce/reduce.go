// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reduce implements the collective Sum/Min/Max reductions (§4.8):
// a scalar or fixed-shape array value, contributed by each rank, combined
// element-wise across the group. Ranks that never contributed a value for
// a given reduction still participate in the collective call with the
// operator's identity element, so a rank that happened to process zero
// events never blocks or skews the result.
package reduce

import (
	"context"
	"fmt"
	"math"

	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
)

// Reducer accumulates a local scalar or fixed-shape array value between
// gather rounds and exchanges it with the rest of the group on demand.
type Reducer struct {
	Bus   collectivebus.Bus
	Op    collectivebus.ReduceOp
	Shape []int // nil for a scalar reduction

	have  bool
	local []float64
}

// NewReducer creates a reducer for a fixed-shape (or scalar, shape=nil)
// value. op selects Sum/Min/Max.
func NewReducer(bus collectivebus.Bus, op collectivebus.ReduceOp, shape []int) *Reducer {
	return &Reducer{Bus: bus, Op: op, Shape: append([]int(nil), shape...)}
}

func (r *Reducer) elemCount() int {
	n := 1
	for _, s := range r.Shape {
		n *= s
	}
	return n
}

// Add folds value into the local accumulator using the reducer's
// operator. value must have elemCount() elements (1 for a scalar
// reducer). Repeated calls between Reduce() calls accumulate locally
// first (§4.8: ranks may call this any number of times per round), the
// same way a local running sum/min/max would.
func (r *Reducer) Add(value []float64) error {
	n := r.elemCount()
	if len(value) != n {
		return fmt.Errorf("reduce: expected %d elements, got %d", n, len(value))
	}
	if !r.have {
		r.local = append([]float64(nil), value...)
		r.have = true
		return nil
	}
	for i, v := range value {
		r.local[i] = combine(r.Op, r.local[i], v)
	}
	return nil
}

// Reduce exchanges the current local accumulator across the group and
// resets it for the next round. A rank that never called Add contributes
// the operator's identity element, so it never perturbs Sum (adds zero)
// or Min/Max (never wins the comparison). The combined result is returned
// on root only.
func (r *Reducer) Reduce(ctx context.Context, root int) ([]float64, error) {
	n := r.elemCount()
	value := make([]float64, n)
	if r.have {
		copy(value, r.local)
	} else {
		for i := range value {
			value[i] = identity(r.Op)
		}
	}

	var (
		result []float64
		err    error
	)
	if n == 1 {
		var scalar float64
		scalar, err = r.Bus.Reduce(ctx, root, value[0], r.Op)
		result = []float64{scalar}
	} else {
		result, err = r.Bus.ReduceBuf(ctx, root, value, r.Op)
	}
	if err != nil {
		return nil, fmt.Errorf("reduce: collective reduce: %w", err)
	}

	r.have = false
	r.local = nil
	return result, nil
}

func identity(op collectivebus.ReduceOp) float64 {
	switch op {
	case collectivebus.Sum:
		return 0
	case collectivebus.Min:
		return math.Inf(1)
	default:
		return math.Inf(-1)
	}
}

func combine(op collectivebus.ReduceOp, a, b float64) float64 {
	switch op {
	case collectivebus.Sum:
		return a + b
	case collectivebus.Min:
		if b < a {
			return b
		}
		return a
	default:
		if b > a {
			return b
		}
		return a
	}
}

// ToValue converts a reduced result back into a schema.Value of the
// given dtype, rounding to the nearest integer for Int64 (the reduce
// itself always operates in float64, per the collective bus contract).
func ToValue(result []float64, dtype schema.Dtype, shape []int) schema.Value {
	v := schema.Value{Dtype: dtype, Shape: append([]int(nil), shape...)}
	if dtype == schema.Int64 {
		v.Ints = make([]int64, len(result))
		for i, f := range result {
			v.Ints[i] = int64(math.Round(f))
		}
	} else {
		v.Floats = append([]float64(nil), result...)
	}
	return v
}
