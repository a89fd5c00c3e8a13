// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"sync"
)

// View holds at most one open Channel: the one for the mounted conversation.
type View struct {
	handler Handler
	opts    Options

	mu      sync.Mutex
	current *Channel
}

// NewView creates a view that forwards events of the mounted conversation
// to handler.
func NewView(handler Handler, opts Options) *View {
	return &View{handler: handler, opts: opts}
}

// Mount binds the view to conversationID. Mounting the id that is already
// live is a no-op. Otherwise the previous channel is closed, and its receiver
// has exited, before the new one is opened from CursorStart.
func (v *View) Mount(ctx context.Context, conversationID string) (*Channel, error) {
	return v.MountFrom(ctx, conversationID, CursorStart)
}

// MountFrom is Mount with an explicit cursor for the new channel, for
// callers that already hold the conversation's history up to cursor.
func (v *View) MountFrom(ctx context.Context, conversationID string, cursor int64) (*Channel, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current != nil {
		if v.current.ConversationID() == conversationID && !isDone(v.current) {
			return v.current, nil
		}
		v.current.Close()
		v.current = nil
	}

	ch, err := Open(ctx, conversationID, cursor, v.handler, v.opts)
	if err != nil {
		return nil, err
	}
	v.current = ch
	return ch, nil
}

// Unmount closes the current channel, if any.
func (v *View) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current == nil {
		return nil
	}
	err := v.current.Close()
	v.current = nil
	return err
}

// Current returns the mounted channel, or nil.
func (v *View) Current() *Channel {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Send dispatches a command on the mounted channel.
func (v *View) Send(cmd Command) error {
	ch := v.Current()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(cmd)
}

func isDone(ch *Channel) bool {
	select {
	case <-ch.Done():
		return true
	default:
		return false
	}
}
