// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport holds the HTTP plumbing shared by the streaming client
// and the job poller: the request executor interface, pooled clients,
// JSON request construction, bounded body reads and the TransportError type.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the timeout for non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize bounds non-streaming response bodies.
	MaxResponseSize = 10 * 1024 * 1024

	// RequestIDHeader carries a client-generated id for server-side correlation.
	RequestIDHeader = "X-Request-ID"

	userAgent = "chatlink/0.1.0"
)

// =============================================================================
// CLIENTS
// =============================================================================

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	sharedTransport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	// DefaultClient is used for short request/response exchanges.
	DefaultClient = &http.Client{
		Transport: sharedTransport,
		Timeout:   DefaultTimeout,
	}

	// StreamingClient has no timeout; streaming lifetime is context-controlled.
	StreamingClient = &http.Client{
		Transport: sharedTransport,
	}
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorKind categorizes transport failures.
type ErrorKind int

const (
	// KindNetwork is a connection or read failure.
	KindNetwork ErrorKind = iota
	// KindStatus is a non-success HTTP status.
	KindStatus
	// KindDecode is a response body that could not be parsed.
	KindDecode
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is a network/connection failure during streaming or polling.
type Error struct {
	Op      string // e.g. "stream", "jobs.status"
	Kind    ErrorKind
	Status  int    // HTTP status for KindStatus
	Message string // server-supplied message, if any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same request could succeed.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindStatus:
		return e.Status == http.StatusTooManyRequests || e.Status >= 500
	default:
		return false
	}
}

// NetworkError wraps a connection or read failure.
func NetworkError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNetwork, Err: err}
}

// DecodeError wraps a body parse failure.
func DecodeError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindDecode, Err: err}
}

// ErrCancelled marks an operation abandoned because its context ended.
var ErrCancelled = errors.New("cancelled")

// Cancelled returns an error for op that matches both ErrCancelled and the
// context's own error.
func Cancelled(ctx context.Context, op string) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCancelled, ctx.Err())
}

// IsTransport reports whether err is (or wraps) a transport Error.
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// =============================================================================
// REQUESTS
// =============================================================================

// NewJSONRequest builds a request with a JSON body (nil body sends none),
// standard headers, optional bearer auth and a fresh request id.
func NewJSONRequest(ctx context.Context, method, url string, body any, apiKey string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(RequestIDHeader, uuid.NewString())
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}

// JoinURL joins a base URL and a path without doubling slashes.
func JoinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// =============================================================================
// RESPONSES
// =============================================================================

// ReadLimited reads the response body up to limit bytes.
// SECURITY: Response size limit prevents memory exhaustion.
func ReadLimited(op string, resp *http.Response, limit int64) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, NetworkError(op, fmt.Errorf("failed to read response: %w", err))
	}
	if int64(len(body)) > limit {
		return nil, DecodeError(op, fmt.Errorf("response exceeded maximum size of %d bytes", limit))
	}
	return body, nil
}

// CheckStatus returns nil for 2xx responses. Otherwise it drains a bounded
// amount of the body and returns a KindStatus Error with the server message.
func CheckStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	}
	return &Error{
		Op:      op,
		Kind:    KindStatus,
		Status:  resp.StatusCode,
		Message: errorMessage(body),
	}
}

// DecodeJSON reads a bounded body and unmarshals it into v.
func DecodeJSON(op string, resp *http.Response, v any) error {
	body, err := ReadLimited(op, resp, MaxResponseSize)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return DecodeError(op, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// errorMessage extracts a human-readable message from an error body.
// Accepts {"error":"..."}, {"error":{"message":"..."}}, {"message":"..."}
// and {"detail":"..."}; falls back to the trimmed raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if len(parsed.Error) > 0 {
			var s string
			if json.Unmarshal(parsed.Error, &s) == nil && s != "" {
				return s
			}
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(parsed.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
		}
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Detail != "" {
			return parsed.Detail
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	return msg
}
