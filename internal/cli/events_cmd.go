// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// events_cmd.go - Follow a conversation's live event channel.
//
// Examples:
//   chatlink events conv-123
//   chatlink events conv-123 --cursor 41
//   chatlink --json events conv-123 --no-input
//
// Interactive input (one line each):
//   <text>             Sent as a user message
//   /switch <id>       Follow another conversation (from its start)
//   /quit              Stop following
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/chatlink/internal/channel"
)

const eventsUsage = "chatlink events <conversation-id> [--cursor N] [--no-input]"

// EventData is one --json output line of events.
type EventData struct {
	ConversationID string          `json:"conversation_id"`
	ID             *int64          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
}

// eventPrinter serializes output from the channel reader goroutine and the
// input loop.
type eventPrinter struct {
	env   *Env
	json  bool
	width int

	mu sync.Mutex
}

func (p *eventPrinter) event(ev channel.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		data, err := json.Marshal(EventData{
			ConversationID: ev.ConversationID,
			ID:             ev.ID,
			Kind:           ev.Kind,
			Payload:        ev.Payload,
		})
		if err == nil {
			fmt.Fprintln(p.env.Stdout, string(data))
		}
		return
	}

	id := "-"
	if ev.HasID() {
		id = strconv.FormatInt(*ev.ID, 10)
	}
	prefix := fmt.Sprintf("%6s ", id)
	kind := runewidth.Truncate(ev.Kind, 11, "…")
	room := p.width - runewidth.StringWidth(prefix) - 13
	fmt.Fprintf(p.env.Stdout, "%s%s %s\n", DimStyle.Render(prefix), KindStyle.Render(kind), eventPreview(ev.Payload, room))
}

func (p *eventPrinter) state(conversationID string, s channel.State) {
	if p.json {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.env.Stderr, "%s %s\n", RenderStatus(s.String()), DimStyle.Render(conversationID))
}

// eventPreview renders a payload on one line: strings unquoted, anything
// else as compact JSON, truncated to width terminal cells.
func eventPreview(payload json.RawMessage, width int) string {
	if width < 10 {
		width = 10
	}
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		text = string(payload)
	}
	text = strings.Join(strings.Fields(text), " ")
	return runewidth.Truncate(text, width, "...")
}

// HandleEvents follows one conversation until ctx is done, stdin sends
// /quit, or (with --no-input) forever.
func HandleEvents(ctx context.Context, env *Env, raw []string) error {
	p := NewArgParser(raw, "no-input", "json")
	conversationID := p.Positional(0)
	if conversationID == "" {
		return usageError(eventsUsage, "a conversation id is required")
	}
	cursor, ok, err := p.FlagInt64("cursor")
	switch {
	case err != nil:
		return usageError(eventsUsage, "%v", err)
	case !ok && p.HasFlag("cursor"):
		return usageError(eventsUsage, "--cursor needs a value")
	case !ok:
		cursor = channel.CursorStart
	}
	if cursor < channel.CursorStart {
		return usageError(eventsUsage, "--cursor must be %d or greater", channel.CursorStart)
	}
	if err := env.requireConfig(); err != nil {
		return err
	}

	printer := &eventPrinter{env: env, json: env.JSON || p.BoolFlag("json"), width: GetTerminalWidth()}
	view := channel.NewView(printer.event, env.channelOptions(printer.state))
	defer view.Unmount()

	if _, err := view.MountFrom(ctx, conversationID, cursor); err != nil {
		return err
	}

	if p.BoolFlag("no-input") {
		<-ctx.Done()
		return nil
	}
	return readCommands(ctx, env, view)
}

// readCommands turns stdin lines into channel commands. It returns nil on
// /quit, end of input after ctx is done, or ctx cancellation.
func readCommands(ctx context.Context, env *Env, view *channel.View) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(env.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				// Input closed; keep following until interrupted.
				<-ctx.Done()
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit" || line == "/q":
				return nil
			case strings.HasPrefix(line, "/switch"):
				next := strings.TrimSpace(strings.TrimPrefix(line, "/switch"))
				if next == "" {
					fmt.Fprintln(env.Stderr, WarningStyle.Render("usage: /switch <conversation-id>"))
					continue
				}
				if _, err := view.Mount(ctx, next); err != nil {
					DisplayError(env.Stderr, err)
				}
			default:
				if err := view.Send(channel.UserMessage(line)); err != nil {
					DisplayError(env.Stderr, err)
				}
			}
		}
	}
}
