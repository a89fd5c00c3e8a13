// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package testutil provides a scripted fake of the assistant backend:
// the streaming chat endpoint, the job endpoints and the live event socket.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Default endpoint paths served by the backend.
const (
	StreamPath     = "/api/chat/stream"
	ImagePath      = "/api/images/generate"
	VideoPath      = "/api/videos/generate"
	JobStatusPath  = "/api/jobs/{id}"
	SocketPath     = "/socket"
	jobStatusRoute = "/api/jobs/{id}"
)

// =============================================================================
// SCRIPT TYPES
// =============================================================================

// StreamRequest is a decoded request to the streaming endpoint.
type StreamRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Model  string `json:"model,omitempty"`
	Stream bool   `json:"stream"`
	Header http.Header
}

// JobStep is one status response in a job script. The last step repeats.
type JobStep struct {
	Status     string // PENDING, RUNNING, COMPLETED, FAILED
	ResultPath string
	Error      string
	HTTPStatus int // non-zero to answer this poll with an HTTP error
}

// Submission is a recorded job creation request.
type Submission struct {
	Kind   string
	Prompt string
	JobID  string
}

// Dial is a recorded websocket connection attempt.
type Dial struct {
	ConversationID string
	Cursor         int64
}

type wsPeer struct {
	conversationID string
	conn           *websocket.Conn
	writeMu        sync.Mutex
}

func (p *wsPeer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

// =============================================================================
// BACKEND
// =============================================================================

// Backend is an httptest server with scripted behaviour.
type Backend struct {
	Server *httptest.Server

	mu sync.Mutex

	// streaming
	fragments      []string
	fragmentDelay  time.Duration
	streamStatus   int
	streamBody     string
	streamRequests []StreamRequest
	abortStream    bool

	// jobs
	scripts      map[string][]JobStep
	nextScript   []JobStep
	jobSeq       int
	submitStatus int
	submitBody   string
	submissions  []Submission
	polls        map[string][]time.Time

	// live channel
	upgrader websocket.Upgrader
	events   map[string][]map[string]any
	eventSeq map[string]int64
	peers    map[*wsPeer]struct{}
	dials    []Dial
	commands map[string][]map[string]any
}

// NewBackend starts a backend that is closed when the test ends.
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		streamStatus: http.StatusOK,
		scripts:      make(map[string][]JobStep),
		polls:        make(map[string][]time.Time),
		events:       make(map[string][]map[string]any),
		eventSeq:     make(map[string]int64),
		peers:        make(map[*wsPeer]struct{}),
		commands:     make(map[string][]map[string]any),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Post(StreamPath, b.handleStream)
	r.Post(ImagePath, b.handleSubmit("image"))
	r.Post(VideoPath, b.handleSubmit("video"))
	r.Get(jobStatusRoute, b.handleStatus)
	r.Get(SocketPath, b.handleSocket)

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Close)
	return b
}

// URL returns the base HTTP URL.
func (b *Backend) URL() string {
	return b.Server.URL
}

// Close drops every websocket peer and stops the server.
func (b *Backend) Close() {
	b.mu.Lock()
	for p := range b.peers {
		p.conn.Close()
	}
	b.peers = make(map[*wsPeer]struct{})
	b.mu.Unlock()
	b.Server.Close()
}

// =============================================================================
// STREAMING ENDPOINT
// =============================================================================

// SetStream scripts the raw body fragments; each is flushed separately.
func (b *Backend) SetStream(fragments ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fragments = fragments
	b.streamStatus = http.StatusOK
	b.abortStream = false
}

// SetStreamDelay pauses between fragments.
func (b *Backend) SetStreamDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fragmentDelay = d
}

// SetStreamStatus answers the next streams with status and body.
func (b *Backend) SetStreamStatus(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamStatus = status
	b.streamBody = body
}

// AbortStreamAfterFragments makes the server drop the connection after the
// scripted fragments instead of ending the body cleanly.
func (b *Backend) AbortStreamAfterFragments() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortStream = true
}

// StreamRequests returns the decoded streaming requests received so far.
func (b *Backend) StreamRequests() []StreamRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StreamRequest(nil), b.streamRequests...)
}

func (b *Backend) handleStream(w http.ResponseWriter, r *http.Request) {
	var req StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	req.Header = r.Header.Clone()

	b.mu.Lock()
	b.streamRequests = append(b.streamRequests, req)
	status, body := b.streamStatus, b.streamBody
	fragments := append([]string(nil), b.fragments...)
	delay, abort := b.fragmentDelay, b.abortStream
	b.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte(body))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for _, f := range fragments {
		if _, err := w.Write([]byte(f)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
	}

	if abort {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
		}
	}
}

// =============================================================================
// JOB ENDPOINTS
// =============================================================================

// ScriptNextJob sets the status sequence for the next submitted job.
func (b *Backend) ScriptNextJob(steps ...JobStep) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextScript = steps
}

// ScriptJob sets the status sequence for an existing job id.
func (b *Backend) ScriptJob(id string, steps ...JobStep) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[id] = steps
}

// SetSubmitFailure answers submissions with status and body (0 restores success).
func (b *Backend) SetSubmitFailure(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitStatus = status
	b.submitBody = body
}

// Submissions returns the recorded job creation requests.
func (b *Backend) Submissions() []Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Submission(nil), b.submissions...)
}

// Polls returns the number of status requests for id.
func (b *Backend) Polls(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.polls[id])
}

// PollTimes returns when each status request for id arrived.
func (b *Backend) PollTimes(id string) []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.polls[id]...)
}

func (b *Backend) handleSubmit(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
			return
		}

		b.mu.Lock()
		if b.submitStatus != 0 {
			status, body := b.submitStatus, b.submitBody
			b.mu.Unlock()
			w.WriteHeader(status)
			w.Write([]byte(body))
			return
		}
		b.jobSeq++
		id := fmt.Sprintf("%s-job-%d", kind, b.jobSeq)
		if b.nextScript != nil {
			b.scripts[id] = b.nextScript
			b.nextScript = nil
		}
		b.submissions = append(b.submissions, Submission{Kind: kind, Prompt: req.Prompt, JobID: id})
		b.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
	}
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	script, ok := b.scripts[id]
	n := len(b.polls[id])
	b.polls[id] = append(b.polls[id], time.Now())
	b.mu.Unlock()

	if !ok || len(script) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "job not found"})
		return
	}

	step := script[len(script)-1]
	if n < len(script) {
		step = script[n]
	}
	if step.HTTPStatus != 0 {
		writeJSON(w, step.HTTPStatus, map[string]string{"error": "status unavailable"})
		return
	}

	resp := map[string]any{"id": id, "status": step.Status}
	if step.ResultPath != "" {
		resp["result"] = map[string]string{"path": step.ResultPath}
	}
	if step.Error != "" {
		resp["error"] = step.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LIVE EVENT SOCKET
// =============================================================================

// AddEvent appends an event to a conversation and pushes it to connected
// peers. It returns the assigned id.
func (b *Backend) AddEvent(conversationID, kind string, payload any) int64 {
	b.mu.Lock()
	id := b.eventSeq[conversationID]
	b.eventSeq[conversationID] = id + 1
	ev := map[string]any{"id": id, "kind": kind, "payload": payload}
	b.events[conversationID] = append(b.events[conversationID], ev)
	peers := b.peersFor(conversationID)
	b.mu.Unlock()

	for _, p := range peers {
		p.writeJSON(ev)
	}
	return id
}

// PushRaw sends an arbitrary message to connected peers without recording it.
func (b *Backend) PushRaw(conversationID string, msg any) {
	b.mu.Lock()
	peers := b.peersFor(conversationID)
	b.mu.Unlock()
	for _, p := range peers {
		p.writeJSON(msg)
	}
}

// DropConnections closes every socket for a conversation from the server side.
func (b *Backend) DropConnections(conversationID string) {
	b.mu.Lock()
	peers := b.peersFor(conversationID)
	for _, p := range peers {
		delete(b.peers, p)
	}
	b.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

// Connections returns the number of open sockets for a conversation.
func (b *Backend) Connections(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peersFor(conversationID))
}

// Dials returns every connection attempt in arrival order.
func (b *Backend) Dials() []Dial {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Dial(nil), b.dials...)
}

// Commands returns the commands received for a conversation.
func (b *Backend) Commands(conversationID string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.commands[conversationID]...)
}

// peersFor must be called with b.mu held.
func (b *Backend) peersFor(conversationID string) []*wsPeer {
	var out []*wsPeer
	for p := range b.peers {
		if p.conversationID == conversationID {
			out = append(out, p)
		}
	}
	return out
}

func (b *Backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id required", http.StatusBadRequest)
		return
	}
	cursor, err := strconv.ParseInt(r.URL.Query().Get("latest_event_id"), 10, 64)
	if err != nil {
		cursor = -1
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	peer := &wsPeer{conversationID: conversationID, conn: conn}

	// Replay and registration happen under the lock so that an event added
	// concurrently is either replayed or pushed, never both or neither.
	b.mu.Lock()
	b.dials = append(b.dials, Dial{ConversationID: conversationID, Cursor: cursor})
	var replay []map[string]any
	for _, ev := range b.events[conversationID] {
		if ev["id"].(int64) > cursor {
			replay = append(replay, ev)
		}
	}
	peer.writeMu.Lock()
	b.peers[peer] = struct{}{}
	b.mu.Unlock()
	for _, ev := range replay {
		peer.conn.WriteJSON(ev)
	}
	peer.writeMu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.peers, peer)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd map[string]any
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		b.mu.Lock()
		b.commands[conversationID] = append(b.commands[conversationID], cmd)
		b.mu.Unlock()
	}
}

// WSURL converts the server URL to its websocket form.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
