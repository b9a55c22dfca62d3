// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package detector implements the default detector capture (§4.7): a
// fixed list of commonly-present accelerator diagnostics that are added
// to every event automatically, alongside whatever the caller explicitly
// writes via event(). Detectors absent from a given experiment's source
// are skipped silently rather than erroring.
package detector

import (
	"context"
	"fmt"

	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/eventsource"
)

// Names is the default set captured every event, in the order they are
// probed. evr and code_<n> are handled separately since they expand to a
// variable number of keys at runtime.
var Names = []string{"ebeam", "phase_cav", "gas_detector"}

// EvrCodes is the set of EVR event codes captured as code_<n> booleans
// when an "evr" source is present (§4.7 supplement: the original
// instrumentation special-cased a handful of commonly used codes rather
// than dumping the full code table into every event).
var EvrCodes = []int{40, 41, 42, 140, 141, 142}

// Capture resolves every default detector present on src and returns the
// flattened key/value map to splice into the current event, identical in
// shape to a caller-supplied event() argument. Detectors with no data
// this event, or absent entirely from src, are omitted rather than
// written as missing.
func Capture(ctx context.Context, src eventsource.EventSource) (map[string]schema.Value, error) {
	out := map[string]schema.Value{}

	for _, name := range Names {
		handle, ok := src.Detector(name)
		if !ok {
			continue
		}
		readings, ok := handle.Capture(ctx)
		if !ok {
			continue
		}
		for key, r := range readings {
			v, err := toValue(r)
			if err != nil {
				return nil, fmt.Errorf("detector: %s/%s: %w", name, key, err)
			}
			out[fmt.Sprintf("%s/%s", name, key)] = v
		}
	}

	if handle, ok := src.Detector("evr"); ok {
		readings, ok := handle.Capture(ctx)
		if ok {
			for _, code := range EvrCodes {
				key := fmt.Sprintf("code_%d", code)
				if r, present := readings[key]; present {
					v, err := toValue(r)
					if err != nil {
						return nil, fmt.Errorf("detector: evr/%s: %w", key, err)
					}
					out[key] = v
				}
			}
		}
	}

	return out, nil
}

func toValue(r eventsource.Reading) (schema.Value, error) {
	if r.IsFloat {
		return schema.Value{Dtype: schema.Float64, Shape: append([]int(nil), r.Shape...), Floats: append([]float64(nil), r.Floats...)}, nil
	}
	return schema.Value{Dtype: schema.Int64, Shape: append([]int(nil), r.Shape...), Ints: append([]int64(nil), r.Ints...)}, nil
}
