// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeranaias/chatlink/internal/transport"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultSocketPath is the websocket endpoint relative to the base URL.
	DefaultSocketPath = "/socket"

	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 10 * time.Second

	writeWait = 10 * time.Second

	// SECURITY: Inbound message size limit prevents memory exhaustion.
	maxMessageSize = 4 * 1024 * 1024

	opDial = "channel.dial"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Conn is one live connection for a conversation.
//
// Read is called from a single goroutine and Write from another. Close may be
// called from any goroutine and unblocks a pending Read.
type Conn interface {
	Read() ([]byte, error)
	Write(cmd Command) error
	Close() error
}

// Dialer opens a connection for a conversation, resuming after cursor.
type Dialer interface {
	Dial(ctx context.Context, conversationID string, cursor int64) (Conn, error)
}

// =============================================================================
// WEBSOCKET DIALER
// =============================================================================

// WSDialer connects to the backend websocket endpoint.
type WSDialer struct {
	BaseURL          string // http(s):// or ws(s)://
	Path             string // defaults to DefaultSocketPath
	APIKey           string
	HandshakeTimeout time.Duration
}

// URL returns the socket URL for a conversation and cursor.
func (d *WSDialer) URL(conversationID string, cursor int64) (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	path := d.Path
	if path == "" {
		path = DefaultSocketPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")

	q := u.Query()
	q.Set("conversation_id", conversationID)
	q.Set("latest_event_id", strconv.FormatInt(cursor, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial performs the websocket handshake.
func (d *WSDialer) Dial(ctx context.Context, conversationID string, cursor int64) (Conn, error) {
	target, err := d.URL(conversationID, cursor)
	if err != nil {
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	header := http.Header{}
	header.Set("User-Agent", "chatlink/0.1.0")
	if d.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.APIKey)
	}

	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.Cancelled(ctx, opDial)
		}
		if resp != nil {
			if resp.Body != nil {
				resp.Body.Close()
			}
			return nil, &transport.Error{Op: opDial, Kind: transport.KindStatus, Status: resp.StatusCode, Err: err}
		}
		return nil, transport.NetworkError(opDial, err)
	}
	ws.SetReadLimit(maxMessageSize)
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) Write(cmd Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(cmd)
}

// Close sends a close frame (best effort) and releases the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
