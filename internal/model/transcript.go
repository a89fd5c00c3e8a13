// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"sync"
	"time"

	"github.com/jeranaias/chatlink/internal/stream"
)

// MaxMessages is the maximum number of messages to keep in a transcript.
// When exceeded, the oldest non-system messages are pruned.
const MaxMessages = 1000

var (
	// ErrStreamInProgress is returned when an assistant message is already
	// being streamed into the transcript.
	ErrStreamInProgress = errors.New("an assistant message is already streaming")

	// ErrNoStream is returned when no assistant message is in flight.
	ErrNoStream = errors.New("no assistant message is streaming")
)

// =============================================================================
// TRANSCRIPT TYPE
// =============================================================================

// Transcript is an ordered, append-only message history with at most one
// in-flight assistant message. It is safe for concurrent use, so a stream
// callback may append tokens while another goroutine renders.
type Transcript struct {
	mu sync.Mutex

	model        string
	systemPrompt string
	messages     []*Message
	streaming    *Message
	stats        *Statistics
	updatedAt    time.Time
}

// NewTranscript creates an empty transcript.
func NewTranscript(model string) *Transcript {
	return &Transcript{model: model, updatedAt: time.Now()}
}

// Model returns the model the transcript talks to.
func (t *Transcript) Model() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model
}

// SetModel switches the model for later exchanges.
func (t *Transcript) SetModel(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.model = model
}

// SetSystemPrompt sets a prompt sent ahead of every exchange.
func (t *Transcript) SetSystemPrompt(prompt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.systemPrompt = prompt
}

// =============================================================================
// APPENDING
// =============================================================================

// AddUserMessage appends a user message.
func (t *Transcript) AddUserMessage(content string) (*Message, error) {
	return t.add(NewMessage(RoleUser, content))
}

// AddSystemMessage appends a system message.
func (t *Transcript) AddSystemMessage(content string) (*Message, error) {
	return t.add(NewMessage(RoleSystem, content))
}

func (t *Transcript) add(msg *Message) (*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.streaming != nil {
		return nil, ErrStreamInProgress
	}
	t.append(msg)
	return msg, nil
}

// append must be called with t.mu held.
func (t *Transcript) append(msg *Message) {
	t.messages = append(t.messages, msg)
	t.updatedAt = time.Now()
	t.pruneOldMessages()
}

// =============================================================================
// STREAMING
// =============================================================================

// BeginAssistant appends an empty assistant message that receives tokens.
func (t *Transcript) BeginAssistant() (*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.streaming != nil {
		return nil, ErrStreamInProgress
	}
	msg := newAssistantMessage()
	t.streaming = msg
	t.stats = NewStatistics()
	t.append(msg)
	return msg, nil
}

// AppendToken adds a token to the in-flight assistant message.
func (t *Transcript) AppendToken(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.streaming == nil {
		return ErrNoStream
	}
	t.stats.RecordFirstToken()
	t.streaming.appendToken(token)
	return nil
}

// FinalizeAssistant completes the in-flight message and returns a copy.
func (t *Transcript) FinalizeAssistant() (Message, error) {
	return t.end(nil)
}

// FailAssistant completes the in-flight message as failed, keeping any
// partial content, and returns a copy.
func (t *Transcript) FailAssistant(cause error) (Message, error) {
	if cause == nil {
		cause = errors.New("generation failed")
	}
	return t.end(cause)
}

func (t *Transcript) end(cause error) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := t.streaming
	if msg == nil {
		return Message{}, ErrNoStream
	}

	t.stats.Finalize()
	msg.TTFT = t.stats.TTFT
	msg.TotalDuration = t.stats.TotalDuration
	msg.finish()
	if cause != nil {
		msg.Failed = true
		msg.Error = cause.Error()
	}

	t.streaming = nil
	t.stats = nil
	t.updatedAt = time.Now()
	return msg.snapshot(), nil
}

// Streaming reports whether an assistant message is in flight.
func (t *Transcript) Streaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaming != nil
}

// =============================================================================
// READING
// =============================================================================

// Messages returns a snapshot of the transcript in order.
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Message, len(t.messages))
	for i, msg := range t.messages {
		out[i] = msg.snapshot()
	}
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Last returns a copy of the most recent message.
func (t *Transcript) Last() (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1].snapshot(), true
}

// Clear removes all messages. It fails while a message is streaming.
func (t *Transcript) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.streaming != nil {
		return ErrStreamInProgress
	}
	t.messages = nil
	t.updatedAt = time.Now()
	return nil
}

// ToStreamMessages converts the transcript to a request message list.
// The in-flight message, failed messages and empty messages are skipped.
func (t *Transcript) ToStreamMessages() []stream.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	messages := make([]stream.Message, 0, len(t.messages)+1)
	if t.systemPrompt != "" {
		messages = append(messages, stream.Message{Role: stream.RoleSystem, Content: t.systemPrompt})
	}

	for _, msg := range t.messages {
		if msg.IsStreaming || msg.Failed || msg.Content == "" {
			continue
		}

		var role stream.Role
		switch msg.Role {
		case RoleUser:
			role = stream.RoleUser
		case RoleAssistant:
			role = stream.RoleAssistant
		case RoleSystem:
			role = stream.RoleSystem
		default:
			continue
		}
		messages = append(messages, stream.Message{Role: role, Content: msg.Content})
	}
	return messages
}

// pruneOldMessages drops the oldest non-system messages beyond MaxMessages.
// Survivors keep their relative order, system messages included. The
// in-flight message is always the newest and is never pruned.
func (t *Transcript) pruneOldMessages() {
	others := 0
	for _, msg := range t.messages {
		if msg.Role != RoleSystem {
			others++
		}
	}
	drop := others - MaxMessages
	if drop <= 0 {
		return
	}

	kept := t.messages[:0]
	for _, msg := range t.messages {
		if drop > 0 && msg.Role != RoleSystem {
			drop--
			continue
		}
		kept = append(kept, msg)
	}
	clear(t.messages[len(kept):])
	t.messages = kept
}
