// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jeranaias/chatlink/internal/logging"
	"github.com/jeranaias/chatlink/internal/telemetry"
)

// DefaultSendQueue is the number of commands buffered for the writer.
const DefaultSendQueue = 64

// Handler receives every inbound event in arrival order. It runs on the
// channel's reader goroutine and must not call Close on its own channel.
type Handler func(Event)

// Options configures a Channel.
type Options struct {
	Dialer    Dialer
	Reconnect ReconnectPolicy
	SendQueue int // 0 uses DefaultSendQueue

	// MaxLog bounds the event log kept for Events; the oldest entries are
	// dropped first. 0 keeps every event. Cursor tracking and handler
	// delivery do not depend on it.
	MaxLog int

	// OnState, if set, is called on every state change.
	OnState func(conversationID string, state State)

	Logger *slog.Logger
}

// =============================================================================
// CHANNEL
// =============================================================================

// Channel is one logical connection bound to one conversation id.
type Channel struct {
	conversationID string
	handler        Handler
	onState        func(string, State)
	log            *slog.Logger

	conn   Conn
	sendq  chan Command
	maxLog int
	stop   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	cursor  int64
	events  []Event
	closing bool

	closeOnce sync.Once
	closeErr  error
}

// Open dials the conversation and starts delivering events to handler.
//
// cursor is the id of the last event already seen, or CursorStart. A failed
// initial dial is returned to the caller; later drops are handled by the
// reconnect policy. ctx bounds the initial dial only.
func Open(ctx context.Context, conversationID string, cursor int64, handler Handler, opts Options) (ch *Channel, err error) {
	if conversationID == "" {
		return nil, errors.New("channel: conversation id is required")
	}
	if handler == nil {
		return nil, errors.New("channel: handler is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("channel: dialer is required")
	}

	ctx, span := telemetry.StartSpan(ctx, "chatlink.channel.open",
		telemetry.AttrConversationID.String(conversationID),
		telemetry.AttrCursor.Int64(cursor),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	queue := opts.SendQueue
	if queue <= 0 {
		queue = DefaultSendQueue
	}

	ch = &Channel{
		conversationID: conversationID,
		handler:        handler,
		onState:        opts.OnState,
		log:            logging.Or(opts.Logger).With("conversation_id", conversationID),
		sendq:          make(chan Command, queue),
		maxLog:         max(opts.MaxLog, 0),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		cursor:         cursor,
	}

	ch.setState(StateConnecting)
	conn, err := opts.Dialer.Dial(ctx, conversationID, cursor)
	if err != nil {
		ch.setState(StateDisconnected)
		return nil, err
	}
	ch.conn = newReconnectingConn(conn, opts.Dialer, conversationID, ch.Cursor,
		ch.transportState, opts.Reconnect, ch.log)
	ch.setState(StateConnected)
	ch.log.Info("channel open", "cursor", cursor)

	ch.wg.Add(2)
	go ch.readLoop()
	go ch.writeLoop()
	return ch, nil
}

// ConversationID returns the conversation this channel is bound to.
func (c *Channel) ConversationID() string {
	return c.conversationID
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the highest event id delivered, or the opening cursor if
// no event with an id has arrived.
func (c *Channel) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Events returns a copy of the ordered event log, at most MaxLog entries
// when a cap is set.
func (c *Channel) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := c.events
	if c.maxLog > 0 && len(log) > c.maxLog {
		log = log[len(log)-c.maxLog:]
	}
	return append([]Event(nil), log...)
}

// appendEvent must be called with c.mu held.
// PERFORMANCE: the log is compacted once it reaches twice the cap, so each
// append costs amortized O(1).
func (c *Channel) appendEvent(ev Event) {
	c.events = append(c.events, ev)
	if c.maxLog == 0 || len(c.events) < 2*c.maxLog {
		return
	}
	n := copy(c.events, c.events[len(c.events)-c.maxLog:])
	clear(c.events[n:])
	c.events = c.events[:n]
}

// Done is closed when the channel stops receiving, either after Close or
// after a drop that the reconnect policy does not recover.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send queues a command. Delivery is not confirmed; a failed write is logged
// and the command dropped.
func (c *Channel) Send(cmd Command) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return ErrClosed
	}

	if cmd.ID == "" {
		cmd.ID = NewCommand(cmd.Role, cmd.Type, cmd.Content).ID
	}

	select {
	case c.sendq <- cmd:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close releases the connection and waits for the reader and writer to exit.
// No handler call happens after Close returns.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		close(c.stop)
		c.closeErr = c.conn.Close()
		c.wg.Wait()

		c.setState(StateDisconnected)
		c.log.Info("channel closed", "cursor", c.Cursor())
	})
	return c.closeErr
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *Channel) readLoop() {
	defer c.wg.Done()
	defer close(c.done)

	for {
		data, err := c.conn.Read()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing {
				c.log.Warn("channel receive ended", "err", err)
				c.setState(StateDisconnected)
			}
			return
		}

		ev := decodeEvent(c.conversationID, data, time.Now())

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		if ev.ID != nil {
			if *ev.ID < c.cursor {
				c.log.Debug("event id below cursor", "event_id", *ev.ID, "cursor", c.cursor)
			} else {
				c.cursor = *ev.ID
			}
		}
		c.appendEvent(ev)
		c.mu.Unlock()

		c.handler(ev)
	}
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case cmd := <-c.sendq:
			if err := c.conn.Write(cmd); err != nil {
				c.log.Warn("command dropped", "command_id", cmd.ID, "err", err)
			}
		}
	}
}

// transportState receives state changes from the reconnecting connection.
func (c *Channel) transportState(s State) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if !closing {
		c.setState(s)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if !changed {
		return
	}
	c.log.Debug("channel state", "state", s.String())
	if c.onState != nil {
		c.onState(c.conversationID, s)
	}
}
