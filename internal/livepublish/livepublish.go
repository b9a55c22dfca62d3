// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package livepublish implements the optional live-monitor fan-out
// (§4.6): the latest round's flattened key/value map, published
// fire-and-forget to a NATS subject for a dashboard or ad hoc subscriber.
// Publish failures are logged and swallowed -- a live view is a
// convenience, never load-bearing for the run's correctness.
package livepublish

import (
	"encoding/json"

	"github.com/NHR-FAU/smalldata-go/internal/schema"
	"github.com/NHR-FAU/smalldata-go/pkg/collectivebus"
	"github.com/NHR-FAU/smalldata-go/pkg/log"
)

// wireValue is the JSON-friendly projection of a schema.Value.
type wireValue struct {
	Dtype string    `json:"dtype"`
	Shape []int     `json:"shape,omitempty"`
	Ints  []int64   `json:"ints,omitempty"`
	Floats []float64 `json:"floats,omitempty"`
}

// Publisher implements gather.Monitor on top of an already-connected
// NATS connection. A nil conn makes Publish a no-op, so a run without a
// NATS endpoint configured can still wire a Publisher unconditionally.
type Publisher struct {
	conn    *collectivebus.NatsConn
	subject string
}

func NewPublisher(conn *collectivebus.NatsConn, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

// Publish implements gather.Monitor: best-effort, never returns an error
// to the gather pipeline.
func (p *Publisher) Publish(round map[string]schema.Value) {
	if p == nil || p.conn == nil || !p.conn.IsConnected() {
		return
	}

	out := make(map[string]wireValue, len(round))
	for key, v := range round {
		out[key] = wireValue{Dtype: v.Dtype.String(), Shape: v.Shape, Ints: v.Ints, Floats: v.Floats}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		log.Warnf("livepublish: marshal round for %q: %v", p.subject, err)
		return
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		log.Warnf("livepublish: publish to %q: %v", p.subject, err)
	}
}
