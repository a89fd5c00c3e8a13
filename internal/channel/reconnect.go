// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// =============================================================================
// RECONNECT POLICY
// =============================================================================

const (
	// DefaultReconnectInterval is the first wait before a redial.
	DefaultReconnectInterval = 500 * time.Millisecond

	// DefaultReconnectMaxInterval caps the wait between redials.
	DefaultReconnectMaxInterval = 30 * time.Second
)

// ReconnectPolicy controls redials after a dropped connection.
type ReconnectPolicy struct {
	Enabled     bool
	Interval    time.Duration // first wait; 0 uses DefaultReconnectInterval
	MaxInterval time.Duration // cap; 0 uses DefaultReconnectMaxInterval
}

func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultReconnectInterval
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultReconnectMaxInterval
	}
	b.Reset()
	return b
}

// =============================================================================
// RECONNECTING CONNECTION
// =============================================================================

// reconnectingConn wraps a live Conn and redials through the Dialer when it
// drops, resuming from cursor(). It reports lifecycle changes via onState.
type reconnectingConn struct {
	dialer         Dialer
	conversationID string
	cursor         func() int64
	onState        func(State)
	policy         ReconnectPolicy
	log            *slog.Logger

	// ctx ends pending redials when the connection is closed.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   Conn // nil while reconnecting
	closed bool
}

func newReconnectingConn(initial Conn, dialer Dialer, conversationID string, cursor func() int64,
	onState func(State), policy ReconnectPolicy, log *slog.Logger) *reconnectingConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &reconnectingConn{
		dialer:         dialer,
		conversationID: conversationID,
		cursor:         cursor,
		onState:        onState,
		policy:         policy,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
		conn:           initial,
	}
}

func (r *reconnectingConn) current() (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn, r.closed
}

// Read returns the next message. A transport drop triggers redials until one
// succeeds, the policy is disabled or the connection is closed.
func (r *reconnectingConn) Read() ([]byte, error) {
	for {
		conn, closed := r.current()
		if closed || conn == nil {
			return nil, ErrClosed
		}

		data, err := conn.Read()
		if err == nil {
			return data, nil
		}
		if _, closed := r.current(); closed {
			return nil, ErrClosed
		}

		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		conn.Close()

		r.log.Info("channel connection lost", "err", err)
		r.onState(StateDisconnected)

		if !r.policy.Enabled {
			return nil, err
		}
		if err := r.redial(); err != nil {
			return nil, err
		}
	}
}

func (r *reconnectingConn) redial() error {
	policy := r.policy.newBackOff()
	for attempt := 1; ; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return errors.New("channel: reconnect attempts exhausted")
		}

		timer := time.NewTimer(wait)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}

		cursor := r.cursor()
		r.onState(StateConnecting)
		conn, err := r.dialer.Dial(r.ctx, r.conversationID, cursor)
		if err != nil {
			if r.ctx.Err() != nil {
				return ErrClosed
			}
			r.log.Warn("channel redial failed", "attempt", attempt, "cursor", cursor, "err", err)
			r.onState(StateDisconnected)
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		r.conn = conn
		r.mu.Unlock()

		r.log.Info("channel reconnected", "attempt", attempt, "cursor", cursor)
		r.onState(StateConnected)
		return nil
	}
}

// Write sends on the live connection. It fails with ErrNotConnected while a
// redial is in progress.
func (r *reconnectingConn) Write(cmd Command) error {
	conn, closed := r.current()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(cmd)
}

// Close stops redials and releases the live connection.
func (r *reconnectingConn) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	r.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
