// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse turns a fragmented server-sent event body into whole frames.
//
// The Reassembler is fed text fragments in arrival order, with no alignment
// to frame boundaries, and returns one payload per complete frame. The
// Decoder sits in front of it and carries partial UTF-8 sequences from one
// network read to the next.
package sse

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DataField is the only field marker that contributes to a frame payload.
const DataField = "data:"

// delimiter separates frames once line terminators are normalized.
var delimiter = []byte("\n\n")

// ErrFrameTooLarge is returned when undelimited data exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("sse: frame too large")

// =============================================================================
// REASSEMBLER
// =============================================================================

// Reassembler accumulates fragments and extracts complete frames.
//
// A Reassembler is owned by one read loop and is not safe for concurrent use.
type Reassembler struct {
	// MaxFrameSize bounds the bytes buffered without a frame delimiter.
	// Zero means unlimited.
	MaxFrameSize int

	buf       []byte
	scanFrom  int // buf[:scanFrom] is known to hold no delimiter
	pendingCR bool
}

// NewReassembler creates a reassembler with the given buffer limit (0 = unlimited).
func NewReassembler(maxFrameSize int) *Reassembler {
	return &Reassembler{MaxFrameSize: maxFrameSize}
}

// Feed appends a fragment and returns the payload of every frame it completes,
// in arrival order. Trailing partial data stays buffered for the next call.
// Frames without data lines produce nothing.
//
// PERFORMANCE: each byte is scanned for a delimiter once, and the leftover is
// only moved when a frame completes, so a large frame arriving in small reads
// stays linear.
func (r *Reassembler) Feed(fragment string) ([]string, error) {
	if fragment == "" {
		return nil, nil
	}
	r.buf = append(r.buf, r.normalize(fragment)...)

	var payloads []string
	start := 0
	for {
		idx := bytes.Index(r.buf[r.scanFrom:], delimiter)
		if idx < 0 {
			break
		}
		end := r.scanFrom + idx
		if payload := parseFrame(string(r.buf[start:end])); payload != "" {
			payloads = append(payloads, payload)
		}
		start = end + len(delimiter)
		r.scanFrom = start
	}

	if start > 0 {
		n := copy(r.buf, r.buf[start:])
		r.buf = r.buf[:n]
	}
	// A delimiter may straddle this fragment and the next.
	r.scanFrom = max(len(r.buf)-len(delimiter)+1, 0)

	if r.MaxFrameSize > 0 && len(r.buf) > r.MaxFrameSize {
		size := len(r.buf)
		r.Reset()
		return payloads, fmt.Errorf("%w: %d bytes buffered (max %d)", ErrFrameTooLarge, size, r.MaxFrameSize)
	}

	return payloads, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *Reassembler) Buffered() int {
	n := len(r.buf)
	if r.pendingCR {
		n++
	}
	return n
}

// Reset drops any buffered partial frame.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.scanFrom = 0
	r.pendingCR = false
}

// normalize maps CRLF and lone CR to LF. A CR ending the fragment is held
// back until the next fragment shows whether an LF follows it.
func (r *Reassembler) normalize(s string) string {
	if r.pendingCR {
		s = "\r" + s
		r.pendingCR = false
	}
	if strings.HasSuffix(s, "\r") {
		s = s[:len(s)-1]
		r.pendingCR = true
	}
	if !strings.Contains(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// parseFrame concatenates the data lines of one frame.
// Other fields (event:, id:, retry:) and comment lines are ignored.
func parseFrame(frame string) string {
	var payload strings.Builder
	for _, line := range strings.Split(frame, "\n") {
		if !strings.HasPrefix(line, DataField) {
			continue
		}
		payload.WriteString(strings.TrimLeft(line[len(DataField):], " \t"))
	}
	return payload.String()
}
