// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONRequest_Headers(t *testing.T) {
	req, err := NewJSONRequest(context.Background(), http.MethodPost, "http://example.test/api", map[string]string{"prompt": "hi"}, "secret")
	require.NoError(t, err)

	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
	assert.NotEmpty(t, req.Header.Get(RequestIDHeader))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(body))
}

func TestNewJSONRequest_NoAuthNoBody(t *testing.T) {
	req, err := NewJSONRequest(context.Background(), http.MethodGet, "http://example.test/api", nil, "")
	require.NoError(t, err)

	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Empty(t, req.Header.Get("Content-Type"))
	assert.Nil(t, req.Body)
}

func TestNewJSONRequest_UniqueRequestIDs(t *testing.T) {
	a, _ := NewJSONRequest(context.Background(), http.MethodGet, "http://example.test", nil, "")
	b, _ := NewJSONRequest(context.Background(), http.MethodGet, "http://example.test", nil, "")
	assert.NotEqual(t, a.Header.Get(RequestIDHeader), b.Header.Get(RequestIDHeader))
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://h/api/x", JoinURL("http://h/", "/api/x"))
	assert.Equal(t, "http://h/api/x", JoinURL("http://h", "api/x"))
}

func TestCheckStatus_Messages(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		wantMsg string
	}{
		{"string error", `{"error":"quota exceeded"}`, 429, "quota exceeded"},
		{"nested error", `{"error":{"message":"bad model"}}`, 400, "bad model"},
		{"message field", `{"message":"nope"}`, 403, "nope"},
		{"detail field", `{"detail":"not found"}`, 404, "not found"},
		{"raw body", "upstream exploded", 502, "upstream exploded"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tc.status,
				Body:       io.NopCloser(strings.NewReader(tc.body)),
			}
			err := CheckStatus("test", resp)
			require.Error(t, err)

			var te *Error
			require.True(t, errors.As(err, &te))
			assert.Equal(t, KindStatus, te.Kind)
			assert.Equal(t, tc.status, te.Status)
			assert.Equal(t, tc.wantMsg, te.Message)
		})
	}
}

func TestCheckStatus_Success(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusNoContent}
	assert.NoError(t, CheckStatus("test", resp))
}

func TestError_Temporary(t *testing.T) {
	assert.True(t, NetworkError("op", io.ErrUnexpectedEOF).Temporary())
	assert.True(t, (&Error{Kind: KindStatus, Status: 503}).Temporary())
	assert.True(t, (&Error{Kind: KindStatus, Status: 429}).Temporary())
	assert.False(t, (&Error{Kind: KindStatus, Status: 404}).Temporary())
	assert.False(t, DecodeError("op", io.EOF).Temporary())
}

func TestError_Unwrap(t *testing.T) {
	err := NetworkError("stream", io.ErrUnexpectedEOF)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, IsTransport(err))
	assert.Contains(t, err.Error(), "stream: network")
}

func TestDecodeJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job_id":"abc"}`))
	}))
	defer server.Close()

	resp, err := DefaultClient.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, DecodeJSON("test", resp, &out))
	assert.Equal(t, "abc", out.JobID)
}

func TestReadLimited_TooLarge(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))}
	_, err := ReadLimited("test", resp, 10)
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindDecode, te.Kind)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Cancelled(ctx, "jobs.await")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "jobs.await")
}
