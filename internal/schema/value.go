// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema defines the value model shared by every rank: the two
// primitive dtypes an event key can carry, the missing-data sentinels used
// to backfill absent slots, and the flat+shape representation used for
// scalars, fixed-shape arrays, ragged rows and variable-length rows alike.
package schema

import "math"

// Dtype is the canonical wire dtype a key is reduced to once observed.
type Dtype int

const (
	Int64 Dtype = iota
	Float64
)

func (d Dtype) String() string {
	if d == Int64 {
		return "int64"
	}
	return "float64"
}

// MissingInt and MissingFloat are the in-band sentinels used to backfill a
// key for an event where no rank reported a value.
const MissingInt int64 = -99999

var MissingFloat = math.NaN()

// Value is a flat, row-major representation of a value of any arity: a
// scalar has an empty Shape, a fixed array has a non-empty Shape, and a
// ragged/variable row is a 1-D Shape whose length may vary event to event.
//
// Only one of Ints/Floats holds data, selected by Dtype. Data is always
// copied on construction; callers must never retain aliases into caller
// buffers (see Aggregator.Event in the public API, which copies because
// callers commonly reuse their own output buffers across events).
type Value struct {
	Dtype Dtype
	Shape []int
	Ints  []int64
	Floats []float64
}

// Len returns the flat element count (product of Shape, or 1 for scalars).
func (v Value) Len() int {
	if v.Dtype == Int64 {
		return len(v.Ints)
	}
	return len(v.Floats)
}

// FirstDimLen returns the length of the first dimension, used by variable
// and ragged keys to report their per-event row length. A scalar has a
// first-dim length of 1.
func (v Value) FirstDimLen() int {
	if len(v.Shape) == 0 {
		return 1
	}
	return v.Shape[0]
}

// ElemShape returns the shape excluding the first (event-row) dimension --
// what a variable key's companion catalog entry records.
func (v Value) ElemShape() []int {
	if len(v.Shape) <= 1 {
		return nil
	}
	out := make([]int, len(v.Shape)-1)
	copy(out, v.Shape[1:])
	return out
}

// Clone performs a deep copy, so the caller's backing arrays can be reused
// for the next event without corrupting buffered history.
func (v Value) Clone() Value {
	out := Value{Dtype: v.Dtype}
	if len(v.Shape) > 0 {
		out.Shape = append([]int(nil), v.Shape...)
	}
	if v.Dtype == Int64 {
		out.Ints = append([]int64(nil), v.Ints...)
	} else {
		out.Floats = append([]float64(nil), v.Floats...)
	}
	return out
}

// ScalarInt and ScalarFloat are convenience constructors for the common
// single-number case.
func ScalarInt(v int64) Value  { return Value{Dtype: Int64, Ints: []int64{v}} }
func ScalarFloat(v float64) Value { return Value{Dtype: Float64, Floats: []float64{v}} }

// Missing returns a Value of the given dtype and shape filled with the
// dtype's missing sentinel -- the §3 backfill value.
func Missing(dtype Dtype, shape []int) Value {
	n := 1
	for _, s := range shape {
		n *= s
	}
	out := Value{Dtype: dtype}
	if len(shape) > 0 {
		out.Shape = append([]int(nil), shape...)
	}
	if dtype == Int64 {
		ints := make([]int64, n)
		for i := range ints {
			ints[i] = MissingInt
		}
		out.Ints = ints
	} else {
		floats := make([]float64, n)
		for i := range floats {
			floats[i] = MissingFloat
		}
		out.Floats = floats
	}
	return out
}

// EmptyRow returns the zero-length backfill value for a ragged key: an
// empty 1-D row, never the missing sentinel (there is nothing to fill).
func EmptyRow(dtype Dtype) Value {
	if dtype == Int64 {
		return Value{Dtype: Int64, Shape: []int{0}, Ints: []int64{}}
	}
	return Value{Dtype: Float64, Shape: []int{0}, Floats: []float64{}}
}

// SameShape reports whether two shapes are element-wise equal.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
