// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol extracts framed JSON events from the bot's raw output
// stream.
//
// The bot writes each JSON event bounded by a repeated sentinel token: the
// same literal marks both the start and the end of a payload, so two
// consecutive sentinels delimit exactly one frame. Anything outside sentinel
// pairs is either legacy plain-text banner output or noise and is never fed
// to the JSON decoder.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/jeranaias/relay-tui/internal/logging"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

// Sentinel is the literal token bounding each JSON frame in the raw stream.
const Sentinel = "__JSON__"

// DefaultMaxBuffer is the hard ceiling on retained unframed input. A stalled
// or misbehaving producer must not grow the buffer without bound.
const DefaultMaxBuffer = 10 * 1024 * 1024 // 10 MiB

// ErrBufferOverflow is returned by Feed when the internal buffer exceeded the
// ceiling and was discarded. The caller should surface a notice to the user;
// the parser itself stays usable.
var ErrBufferOverflow = errors.New("stream buffer overflow, pending data discarded")

// bannerPhrases are legacy plain-text status lines the bot prints outside the
// framed protocol. Seeing any of them toggles the one-shot connected flag.
var bannerPhrases = []string{
	"agent ready",
	"model loaded",
	"session restored",
}

// =============================================================================
// FRAME PARSER
// =============================================================================

// Frame is one complete JSON payload extracted from the raw stream.
type Frame = json.RawMessage

// Parser reassembles sentinel-delimited JSON frames from raw output chunks.
// It is stateful across Feed calls: partial frames are retained, never
// dropped, until completed or the buffer overflows.
type Parser struct {
	buf       []byte
	maxBuffer int
	sentinel  []byte
	connected bool
	log       *slog.Logger
}

// NewParser creates a parser with the default sentinel and buffer ceiling.
func NewParser() *Parser {
	return &Parser{
		maxBuffer: DefaultMaxBuffer,
		sentinel:  []byte(Sentinel),
		log:       logging.ForComponent(logging.CompProtocol),
	}
}

// NewParserWithLimit creates a parser with a custom buffer ceiling.
// Used by tests and by configs that tune memory bounds.
func NewParserWithLimit(maxBuffer int) *Parser {
	p := NewParser()
	if maxBuffer > 0 {
		p.maxBuffer = maxBuffer
	}
	return p
}

// Feed appends a raw chunk to the internal buffer and returns every complete
// frame it now contains, in stream order.
//
// The returned error is ErrBufferOverflow when the ceiling is exceeded: the
// whole buffer, including any frames this chunk would have completed, has
// been discarded and no frames are returned. Malformed JSON inside a
// completed frame is logged and dropped, never fatal.
func (p *Parser) Feed(chunk string) ([]Frame, error) {
	p.buf = append(p.buf, chunk...)

	if len(p.buf) > p.maxBuffer {
		p.buf = nil
		p.log.Warn("stream buffer exceeded ceiling, discarding", "limit", p.maxBuffer)
		return nil, ErrBufferOverflow
	}

	var frames []Frame
	for {
		start := bytes.Index(p.buf, p.sentinel)
		if start < 0 {
			// Plain text only: scan for banners, keep the buffer in case a
			// sentinel is split across chunk boundaries.
			p.scanBanners(p.buf)
			break
		}

		rest := p.buf[start+len(p.sentinel):]
		end := bytes.Index(rest, p.sentinel)
		if end < 0 {
			// Opening sentinel seen, closing one not yet: retain from the
			// opening sentinel and wait for more input.
			p.scanBanners(p.buf[:start])
			p.buf = append([]byte(nil), p.buf[start:]...)
			return frames, nil
		}

		p.scanBanners(p.buf[:start])
		payload := bytes.TrimSpace(rest[:end])
		remainder := rest[end+len(p.sentinel):]

		if len(payload) > 0 {
			if json.Valid(payload) {
				frames = append(frames, Frame(append([]byte(nil), payload...)))
			} else {
				p.log.Warn("dropping malformed frame",
					"bytes", len(payload),
					"head", trimForLog(payload))
			}
		}

		p.buf = append([]byte(nil), remainder...)
	}

	return frames, nil
}

// Connected reports whether a banner phrase has been observed. One-shot: it
// never resets for the lifetime of the parser.
func (p *Parser) Connected() bool {
	return p.connected
}

// Buffered returns the number of retained bytes awaiting a closing sentinel.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// scanBanners checks non-framed text for the fixed banner phrases.
func (p *Parser) scanBanners(text []byte) {
	if p.connected || len(text) == 0 {
		return
	}
	lower := strings.ToLower(string(text))
	for _, phrase := range bannerPhrases {
		if strings.Contains(lower, phrase) {
			p.connected = true
			p.log.Info("bot connection established", "banner", phrase)
			return
		}
	}
}

// trimForLog bounds a payload excerpt for log records.
func trimForLog(b []byte) string {
	const max = 64
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
