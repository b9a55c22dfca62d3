// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package collectivebus

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/NHR-FAU/smalldata-go/pkg/log"
)

// NatsConfig is the dial configuration for the NATS transport: the one
// connection NatsBus and the live-publish monitor share for a run.
type NatsConfig struct {
	Address       string
	Username      string
	Password      string
	CredsFilePath string
}

// NatsConn is a connected NATS handle. NatsBus layers run-scoped
// subject/sequence bookkeeping on top of it for the collective protocol;
// the live-publish monitor uses it directly to fire-and-forget onto a
// fixed subject.
type NatsConn struct {
	conn *nats.Conn

	mu            sync.Mutex
	subscriptions []*nats.Subscription
}

// DialNats connects to cfg.Address. A missing address is a configuration
// error the caller should surface, not retry.
func DialNats(cfg *NatsConfig) (*NatsConn, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("collectivebus: nats address is required")
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			log.Warnf("collectivebus: nats disconnected: %v", err)
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		log.Infof("collectivebus: nats reconnected to %s", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		log.Errorf("collectivebus: nats error: %v", err)
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("collectivebus: nats connect failed: %w", err)
	}
	log.Infof("collectivebus: nats connected to %s", cfg.Address)
	return &NatsConn{conn: nc}, nil
}

// subscribe registers handler on subject and tracks the subscription so
// Close can tear it down. Only NatsBus's per-round exchange subjects use
// this -- the live-publish monitor only ever publishes.
func (c *NatsConn) subscribe(subject string, handler func(subject string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("collectivebus: nats subscribe to %q: %w", subject, err)
	}
	c.subscriptions = append(c.subscriptions, sub)
	return nil
}

// Publish sends data on subject.
func (c *NatsConn) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("collectivebus: nats publish to %q: %w", subject, err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is currently up.
func (c *NatsConn) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close unsubscribes everything registered through this handle and closes
// the connection. Safe to call once at run shutdown.
func (c *NatsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Warnf("collectivebus: nats unsubscribe failed: %v", err)
		}
	}
	c.subscriptions = nil

	if c.conn != nil {
		c.conn.Close()
	}
}
