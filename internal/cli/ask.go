// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command.
//
// Examples:
//   chatlink ask "what is an SSE frame?"
//   chatlink ask --model large --markdown "explain websockets"
//   chatlink --json ask "hello"
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/chatlink/internal/model"
	"github.com/jeranaias/chatlink/internal/stream"
)

const askUsage = "chatlink ask [--model M] [--markdown] [--stats] <question>"

// AskData is the --json output of ask.
type AskData struct {
	Model   string `json:"model,omitempty"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
	TTFTMs  int64  `json:"ttft_ms"`
	TotalMs int64  `json:"total_ms"`
}

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// renderMarkdown renders content for the terminal, or returns it unchanged
// when the renderer cannot be built.
func renderMarkdown(content string, width int) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// =============================================================================
// ASK HANDLER
// =============================================================================

// HandleAsk streams the answer to one question.
func HandleAsk(ctx context.Context, env *Env, raw []string) error {
	p := NewArgParser(raw, "markdown", "stats", "json")
	question := strings.TrimSpace(p.JoinFrom(0))
	if question == "" {
		return usageError(askUsage, "a question is required")
	}
	if err := env.requireConfig(); err != nil {
		return err
	}

	client := env.streamClient(env.Config)
	modelName := p.FlagOrDefault("model", p.Flag("m"))
	messages := []stream.Message{{Role: stream.RoleUser, Content: question}}

	markdown := p.BoolFlag("markdown")
	jsonMode := env.JSON || p.BoolFlag("json")

	// Buffered modes need the whole reply before printing.
	var reply strings.Builder
	onToken := func(tok string) { reply.WriteString(tok) }
	if !markdown && !jsonMode {
		onToken = func(tok string) {
			io.WriteString(env.Stdout, tok)
		}
	}

	stats, err := client.StreamWithStats(ctx, messages, modelName, onToken)
	if err != nil {
		if !markdown && !jsonMode && stats != nil && stats.TokenCount > 0 {
			fmt.Fprintln(env.Stdout)
		}
		return err
	}

	switch {
	case jsonMode:
		return NewJSONResponse("ask", AskData{
			Model:   stats.Model,
			Content: reply.String(),
			Tokens:  stats.TokenCount,
			TTFTMs:  stats.FirstTokenTime.Milliseconds(),
			TotalMs: stats.TotalTime.Milliseconds(),
		}).Write(env.Stdout)
	case markdown:
		fmt.Fprint(env.Stdout, renderMarkdown(reply.String(), GetTerminalWidth()))
	default:
		fmt.Fprintln(env.Stdout)
	}

	if p.BoolFlag("stats") {
		msg := model.Message{
			Role:          model.RoleAssistant,
			TokenCount:    stats.TokenCount,
			TTFT:          stats.FirstTokenTime,
			TotalDuration: stats.TotalTime,
		}
		fmt.Fprintln(env.Stderr, DimStyle.Render(msg.FormatStats()))
	}
	return nil
}
