// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package keyclass implements the pure, name-based classification of event
// keys described by the "ragged_"/"var_"/"_len" naming convention: a
// "/"-separated key path is ragged, variable, a variable's length
// companion, or plain fixed data, decided purely from its segments.
//
// Kind is exposed as an explicit enum rather than leaving callers to
// re-derive the flags from the string every time; the prefix convention
// itself is kept only as the on-disk/external compatibility layer.
package keyclass

import (
	"fmt"
	"strings"
)

const (
	RaggedPrefix = "ragged_"
	VarPrefix    = "var_"
	LenSuffix    = "_len"
	Sep          = "/"
)

// Kind is the explicit classification of a key.
type Kind int

const (
	Fixed Kind = iota
	Ragged
	Variable
	Length
)

func (k Kind) String() string {
	switch k {
	case Ragged:
		return "ragged"
	case Variable:
		return "variable"
	case Length:
		return "length"
	default:
		return "fixed"
	}
}

// Classification is the result of classifying a key.
type Classification struct {
	Kind Kind
	// LengthKey is only set when Kind == Variable: the companion key that
	// carries this key's per-event row length.
	LengthKey string
}

// Reserved names that event() must never accept as user-supplied keys;
// they are written automatically by the per-worker buffer.
var Reserved = map[string]bool{
	"event_time": true,
	"fiducials":  true,
}

// Classify applies the §4.2 rules in order:
//  1. is_ragged: the last segment starts with "ragged_".
//  2. Scanning segments left to right, the first segment starting with
//     "var_" marks the key variable. If that segment is also the final
//     segment and ends in "_len", the key is a length key; otherwise the
//     companion length key name is the path up to and including that
//     segment, with "_len" appended.
//  3. Otherwise the key is plain fixed data.
//
// A key cannot be both ragged and variable/length: the ragged_ prefix only
// has meaning on a leaf payload key, so if a "var_" segment precedes it,
// the variable classification wins (ragged_ would then be a nested
// fixed-shape leaf name under the variable subtree, not a ragged row).
func Classify(key string) (Classification, error) {
	if key == "" {
		return Classification{}, fmt.Errorf("keyclass: empty key")
	}

	segments := strings.Split(key, Sep)
	last := segments[len(segments)-1]
	isRagged := strings.HasPrefix(last, RaggedPrefix)

	for i, seg := range segments {
		if !strings.HasPrefix(seg, VarPrefix) {
			continue
		}
		isFinal := i == len(segments)-1
		if isFinal && strings.HasSuffix(seg, LenSuffix) {
			return Classification{Kind: Length}, nil
		}
		lengthKey := strings.Join(segments[:i+1], Sep) + LenSuffix
		return Classification{Kind: Variable, LengthKey: lengthKey}, nil
	}

	if isRagged {
		return Classification{Kind: Ragged}, nil
	}
	return Classification{Kind: Fixed}, nil
}

// FlattenSep joins a nested key path (as produced by flattening a nested
// map argument to event()) using the canonical "/" separator.
func FlattenSep(parts ...string) string {
	return strings.Join(parts, Sep)
}

// ValidatePayloadUse rejects the invalid combination from §4.2: a key that
// is itself a length key being used to store a second, independent payload
// under the very same path (i.e. re-registered with a different kind than
// first observed).
func ValidatePayloadUse(key string, first, now Classification) error {
	if first.Kind != now.Kind {
		return fmt.Errorf("keyclass: key %q classification changed from %s to %s between observations", key, first.Kind, now.Kind)
	}
	return nil
}
