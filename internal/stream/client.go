// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream performs one streaming chat exchange and hands each token to
// a callback in network arrival order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/chatlink/internal/logging"
	"github.com/jeranaias/chatlink/internal/sse"
	"github.com/jeranaias/chatlink/internal/telemetry"
	"github.com/jeranaias/chatlink/internal/transport"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultPath is the streaming chat endpoint relative to the base URL.
	DefaultPath = "/api/chat/stream"

	// DefaultMaxFrameSize bounds a single undelimited frame (1MB).
	DefaultMaxFrameSize = 1024 * 1024

	// readBufferSize is the size of each body read.
	readBufferSize = 4096

	opStream = "stream"
)

// =============================================================================
// TYPES
// =============================================================================

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one role/content pair sent with a streaming request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the body of a streaming chat request.
type Request struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`
	Stream   bool      `json:"stream"`
}

// TokenFunc receives each token. It runs on the read loop, so the next read
// does not start until it returns.
type TokenFunc func(token string)

// Stats holds statistics collected during one exchange.
type Stats struct {
	FirstTokenTime time.Duration
	TotalTime      time.Duration
	TokenCount     int
	Model          string
}

// StreamError is returned by Collect when the exchange fails after some
// tokens arrived.
type StreamError struct {
	Partial string // Content received before error
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("stream interrupted (partial content received: %d chars): %v", len(e.Partial), e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client.
type Options struct {
	BaseURL      string
	Path         string // defaults to DefaultPath
	APIKey       string
	DefaultModel string
	MaxFrameSize int    // 0 uses DefaultMaxFrameSize, negative means unlimited
	DoneSentinel string // payload that ends the stream, e.g. "[DONE]"; empty disables
	HTTPClient   transport.Doer
	Logger       *slog.Logger
}

// Client performs streaming chat exchanges. It is safe for concurrent use;
// each Stream call owns its own buffers.
type Client struct {
	url          string
	apiKey       string
	defaultModel string
	maxFrameSize int
	doneSentinel string
	http         transport.Doer
	log          *slog.Logger
}

// New creates a streaming client.
func New(opts Options) *Client {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	maxFrame := opts.MaxFrameSize
	switch {
	case maxFrame == 0:
		maxFrame = DefaultMaxFrameSize
	case maxFrame < 0:
		maxFrame = 0
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// PERFORMANCE: Shared streaming client; lifetime is bounded by ctx.
		httpClient = transport.StreamingClient
	}

	return &Client{
		url:          transport.JoinURL(opts.BaseURL, path),
		apiKey:       opts.APIKey,
		defaultModel: opts.DefaultModel,
		maxFrameSize: maxFrame,
		doneSentinel: opts.DoneSentinel,
		http:         httpClient,
		log:          logging.Or(opts.Logger),
	}
}

// DefaultModel returns the model used when Stream is called without one.
func (c *Client) DefaultModel() string {
	return c.defaultModel
}

// Stream sends messages and invokes onToken once per received frame payload.
//
// A response without a readable body completes immediately with no tokens.
// A non-2xx status or a read failure returns a *transport.Error; cancelling
// ctx returns an error matching transport.ErrCancelled. Any frame still
// incomplete when the body ends is discarded. A nil onToken drains the
// stream without delivering tokens.
func (c *Client) Stream(ctx context.Context, messages []Message, model string, onToken TokenFunc) (err error) {
	if onToken == nil {
		onToken = func(string) {}
	}
	if model == "" {
		model = c.defaultModel
	}

	ctx, span := telemetry.StartSpan(ctx, "chatlink.stream", telemetry.AttrModel.String(model))
	tokens := 0
	defer func() {
		span.SetAttributes(telemetry.AttrTokens.Int(tokens))
		telemetry.EndSpan(span, err)
	}()

	req, err := transport.NewJSONRequest(ctx, http.MethodPost, c.url, Request{
		Messages: messages,
		Model:    model,
		Stream:   true,
	}, c.apiKey)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	log := c.log.With("request_id", req.Header.Get(transport.RequestIDHeader))
	log.Debug("stream request", "model", model, "messages", len(messages))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return transport.Cancelled(ctx, opStream)
		}
		return transport.NetworkError(opStream, err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	if err := transport.CheckStatus(opStream, resp); err != nil {
		log.Warn("stream rejected", "status", resp.StatusCode, "err", err)
		return err
	}

	if resp.Body == nil || resp.Body == http.NoBody || resp.StatusCode == http.StatusNoContent {
		log.Debug("stream has no body")
		return nil
	}

	err = c.read(ctx, resp.Body, func(token string) {
		tokens++
		onToken(token)
	})
	log.Debug("stream finished", "tokens", tokens, "err", err)
	return err
}

// read drives the decoder and reassembler until the body ends.
func (c *Client) read(ctx context.Context, body io.Reader, onToken TokenFunc) error {
	decoder := sse.NewDecoder()
	frames := sse.NewReassembler(c.maxFrameSize)
	buf := make([]byte, readBufferSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			payloads, feedErr := frames.Feed(decoder.Decode(buf[:n]))
			for _, payload := range payloads {
				if c.doneSentinel != "" && payload == c.doneSentinel {
					return nil
				}
				onToken(payload)
			}
			if feedErr != nil {
				return transport.DecodeError(opStream, feedErr)
			}
		}

		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if frames.Buffered() > 0 || decoder.Pending() > 0 {
				c.log.Debug("discarding incomplete frame at end of stream",
					"bytes", frames.Buffered()+decoder.Pending())
			}
			return nil
		}
		if ctx.Err() != nil {
			return transport.Cancelled(ctx, opStream)
		}
		return transport.NetworkError(opStream, readErr)
	}
}

// StreamWithStats performs Stream and collects timing statistics.
func (c *Client) StreamWithStats(ctx context.Context, messages []Message, model string, onToken TokenFunc) (*Stats, error) {
	if model == "" {
		model = c.defaultModel
	}
	stats := &Stats{Model: model}
	start := time.Now()

	err := c.Stream(ctx, messages, model, func(token string) {
		if stats.TokenCount == 0 {
			stats.FirstTokenTime = time.Since(start)
		}
		stats.TokenCount++
		if onToken != nil {
			onToken(token)
		}
	})

	stats.TotalTime = time.Since(start)
	return stats, err
}

// Collect streams and returns the concatenated tokens. If the exchange fails
// after tokens arrived, the partial text is returned with a *StreamError.
func (c *Client) Collect(ctx context.Context, messages []Message, model string) (string, error) {
	var out strings.Builder
	err := c.Stream(ctx, messages, model, func(token string) {
		out.WriteString(token)
	})
	if err != nil && out.Len() > 0 {
		return out.String(), &StreamError{Partial: out.String(), Err: err}
	}
	return out.String(), err
}
