// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package channel keeps a live duplex connection scoped to one conversation.
//
// A Channel replays events after a cursor, forwards every later event to a
// handler in arrival order and sends commands fire-and-forget. Reconnection
// after a dropped connection is owned by the connection layer beneath the
// Channel, which resumes from the highest event id delivered so far.
package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CursorStart requests every event from the start of the conversation.
const CursorStart int64 = -1

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("channel closed")

	// ErrNotConnected is returned when no connection is available.
	ErrNotConnected = errors.New("channel not connected")

	// ErrSendQueueFull is returned when outbound commands back up.
	ErrSendQueueFull = errors.New("channel send queue full")
)

// =============================================================================
// STATE
// =============================================================================

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// Event is one server-pushed message.
type Event struct {
	ConversationID string
	ID             *int64 // nil when the server sent no id
	Kind           string
	Payload        json.RawMessage
	ReceivedAt     time.Time
}

// HasID reports whether the event carries an id.
func (e Event) HasID() bool {
	return e.ID != nil
}

// wireEvent is the envelope of an inbound message.
type wireEvent struct {
	ID          json.RawMessage `json:"id"`
	Kind        string          `json:"kind"`
	Action      string          `json:"action"`
	Observation string          `json:"observation"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

// decodeEvent turns a raw message into an Event. Messages that are not JSON
// objects are kept as a JSON string payload with kind "text".
func decodeEvent(conversationID string, data []byte, now time.Time) Event {
	ev := Event{ConversationID: conversationID, ReceivedAt: now}

	trimmed := bytes.TrimSpace(data)
	var wire wireEvent
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &wire) != nil {
		ev.Kind = "text"
		ev.Payload, _ = json.Marshal(string(data))
		return ev
	}

	var id int64
	if len(wire.ID) > 0 && json.Unmarshal(wire.ID, &id) == nil {
		ev.ID = &id
	}

	switch {
	case wire.Kind != "":
		ev.Kind = wire.Kind
	case wire.Action != "":
		ev.Kind = wire.Action
	case wire.Observation != "":
		ev.Kind = wire.Observation
	default:
		ev.Kind = wire.Type
	}

	if len(wire.Payload) > 0 && !bytes.Equal(wire.Payload, []byte("null")) {
		ev.Payload = append(json.RawMessage(nil), wire.Payload...)
	} else {
		ev.Payload = append(json.RawMessage(nil), trimmed...)
	}
	return ev
}

// =============================================================================
// COMMANDS
// =============================================================================

// Command is an outbound message.
type Command struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewCommand builds a command with a fresh id.
func NewCommand(role, typ, content string) Command {
	return Command{ID: uuid.NewString(), Role: role, Type: typ, Content: content}
}

// UserMessage is the command sent for a user chat line.
func UserMessage(content string) Command {
	return NewCommand("user", "message", content)
}
