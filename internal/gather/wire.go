// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gather implements the collective gather round (§4.4, §4.5): the
// master's periodic collection of every rank's buffered events into one
// time-ordered round, followed by the post-gather pipeline (sort, late-key
// backfill, variable-row reinsertion, monitor fan-out).
package gather

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/NHR-FAU/smalldata-go/internal/schema"
)

// Every wire buffer is self-describing: a 4-byte big-endian element/row
// count, followed by that many fixed-width numbers or length-prefixed
// rows. Self-description means a rank's Gather/Gatherv contribution needs
// no side-channel exchange of event or row counts even though ranks may
// hold differing numbers of buffered events; only the per-rank byte size
// of each array buffer is gathered ahead of its Gatherv.

func putCount(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func takeCount(buf []byte) (int, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("gather: truncated count header")
	}
	return int(binary.BigEndian.Uint32(buf)), buf[4:], nil
}

func encodeUint64Seq(vals []uint64) []byte {
	out := putCount(len(vals))
	for _, v := range vals {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		out = append(out, b[:]...)
	}
	return out
}

func decodeUint64Seq(buf []byte) ([]uint64, error) {
	n, rest, err := takeCount(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) < n*8 {
		return nil, fmt.Errorf("gather: truncated uint64 sequence")
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(rest[i*8:])
	}
	return out, nil
}

func encodeUint32Seq(vals []uint32) []byte {
	out := putCount(len(vals))
	for _, v := range vals {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	return out
}

func decodeUint32Seq(buf []byte) ([]uint32, error) {
	n, rest, err := takeCount(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) < n*4 {
		return nil, fmt.Errorf("gather: truncated uint32 sequence")
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(rest[i*4:])
	}
	return out, nil
}

// encodeNumberColumn encodes a column of scalar numbers, one per event
// (§4.4 "number gather"): event_time/fiducials-like keys and every plain
// Fixed/Length scalar key.
func encodeNumberColumn(vals []schema.Value, dtype schema.Dtype) []byte {
	out := putCount(len(vals))
	for _, v := range vals {
		var b [8]byte
		if dtype == schema.Int64 {
			i := schema.MissingInt
			if len(v.Ints) > 0 {
				i = v.Ints[0]
			}
			binary.BigEndian.PutUint64(b[:], uint64(i))
		} else {
			f := schema.MissingFloat
			if len(v.Floats) > 0 {
				f = v.Floats[0]
			}
			binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
		}
		out = append(out, b[:]...)
	}
	return out
}

func decodeNumberColumn(buf []byte, dtype schema.Dtype) ([]schema.Value, error) {
	n, rest, err := takeCount(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) < n*8 {
		return nil, fmt.Errorf("gather: truncated number column")
	}
	out := make([]schema.Value, n)
	for i := range out {
		raw := binary.BigEndian.Uint64(rest[i*8:])
		if dtype == schema.Int64 {
			out[i] = schema.ScalarInt(int64(raw))
		} else {
			out[i] = schema.ScalarFloat(math.Float64frombits(raw))
		}
	}
	return out, nil
}

// encodeFixedArrayColumn encodes a column of fixed-shape arrays, one per
// event, each elemCount elements wide.
func encodeFixedArrayColumn(vals []schema.Value, dtype schema.Dtype, elemCount int) []byte {
	out := putCount(len(vals))
	for _, v := range vals {
		out = append(out, encodeFlat(v, dtype, elemCount)...)
	}
	return out
}

func encodeFlat(v schema.Value, dtype schema.Dtype, want int) []byte {
	out := make([]byte, want*8)
	if dtype == schema.Int64 {
		for i := 0; i < want; i++ {
			val := schema.MissingInt
			if i < len(v.Ints) {
				val = v.Ints[i]
			}
			binary.BigEndian.PutUint64(out[i*8:], uint64(val))
		}
	} else {
		for i := 0; i < want; i++ {
			val := schema.MissingFloat
			if i < len(v.Floats) {
				val = v.Floats[i]
			}
			binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(val))
		}
	}
	return out
}

func decodeFixedArrayColumn(buf []byte, dtype schema.Dtype, shape []int) ([]schema.Value, error) {
	elemCount := 1
	for _, s := range shape {
		elemCount *= s
	}
	n, rest, err := takeCount(buf)
	if err != nil {
		return nil, err
	}
	if len(rest) < n*elemCount*8 {
		return nil, fmt.Errorf("gather: truncated fixed-array column")
	}
	out := make([]schema.Value, n)
	for i := range out {
		row := rest[i*elemCount*8 : (i+1)*elemCount*8]
		out[i] = decodeFlatRow(row, dtype, shape, elemCount)
	}
	return out, nil
}

func decodeFlatRow(row []byte, dtype schema.Dtype, shape []int, elemCount int) schema.Value {
	v := schema.Value{Dtype: dtype, Shape: append([]int(nil), shape...)}
	if dtype == schema.Int64 {
		v.Ints = make([]int64, elemCount)
		for i := range v.Ints {
			v.Ints[i] = int64(binary.BigEndian.Uint64(row[i*8:]))
		}
	} else {
		v.Floats = make([]float64, elemCount)
		for i := range v.Floats {
			v.Floats[i] = math.Float64frombits(binary.BigEndian.Uint64(row[i*8:]))
		}
	}
	return v
}

// encodeRowColumn encodes a column of variable-length rows (ragged keys,
// and the sparse data column of variable keys): a row count, then for
// each row a length header plus its flat payload.
func encodeRowColumn(vals []schema.Value, dtype schema.Dtype) []byte {
	out := putCount(len(vals))
	for _, v := range vals {
		n := v.Len()
		out = append(out, putCount(n)...)
		out = append(out, encodeFlat(v, dtype, n)...)
	}
	return out
}

// decodeRowColumn decodes a row column. elemShape is the shape beyond the
// first dimension (nil for a plain 1-D ragged/variable row); the
// reconstructed per-row Shape is [rowLen/elemSize, elemShape...].
func decodeRowColumn(buf []byte, dtype schema.Dtype, elemShape []int) ([]schema.Value, error) {
	n, rest, err := takeCount(buf)
	if err != nil {
		return nil, err
	}
	elemSize := 1
	for _, s := range elemShape {
		elemSize *= s
	}
	if elemSize == 0 {
		elemSize = 1
	}
	out := make([]schema.Value, n)
	for i := 0; i < n; i++ {
		rowLen, r2, err := takeCount(rest)
		if err != nil {
			return nil, err
		}
		rest = r2
		if len(rest) < rowLen*8 {
			return nil, fmt.Errorf("gather: truncated row payload")
		}
		firstDim := rowLen / elemSize
		shape := append([]int{firstDim}, elemShape...)
		out[i] = decodeFlatRow(rest[:rowLen*8], dtype, shape, rowLen)
		rest = rest[rowLen*8:]
	}
	return out, nil
}
