// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// =============================================================================
// INCREMENTAL UTF-8 DECODER
// =============================================================================

// Decoder converts raw body bytes to text across many reads.
//
// A multi-byte sequence split between two reads is held until the rest of it
// arrives, so the decoder state must live as long as the body it reads.
type Decoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

// NewDecoder creates a UTF-8 decoder. Invalid sequences become U+FFFD.
func NewDecoder() *Decoder {
	return &Decoder{
		t:   unicode.UTF8.NewDecoder(),
		dst: make([]byte, 4096),
	}
}

// Decode returns the text for p plus any bytes held from the previous call.
// A trailing incomplete sequence is kept for the next call.
func (d *Decoder) Decode(p []byte) string {
	return d.run(p, false)
}

// Flush returns whatever is still pending, treating it as the end of input.
func (d *Decoder) Flush() string {
	out := d.run(nil, true)
	d.t.Reset()
	return out
}

// Pending reports how many bytes are waiting for the rest of a sequence.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

func (d *Decoder) run(p []byte, atEOF bool) string {
	src := p
	if len(d.pending) > 0 {
		src = append(d.pending, p...)
		d.pending = nil
	}

	var out []byte
	for {
		nDst, nSrc, err := d.t.Transform(d.dst, src, atEOF)
		out = append(out, d.dst[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			return string(out)
		case errors.Is(err, transform.ErrShortDst):
			// Output buffer full; keep draining src.
			continue
		case errors.Is(err, transform.ErrShortSrc):
			if len(src) > 0 {
				d.pending = append([]byte(nil), src...)
			}
			return string(out)
		default:
			// The UTF-8 decoder replaces invalid input rather than failing,
			// so any other error means there is nothing more to decode.
			return string(out)
		}
	}
}
