// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine wires the ingestion pipeline together.
//
// Raw stream chunks enter through Feed, where the frame parser reassembles
// them into JSON frames and the decoder turns frames into events. Events
// queue in the batcher; the display tick drains them through dispatch, which
// routes assistant text to the surface, tool events to the aggregator, and
// session events to the controller. The engine is the only component that
// sees the whole pipeline, so it also owns the overflow notice and the
// auto-scroll decision.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/relay-tui/internal/batch"
	"github.com/jeranaias/relay-tui/internal/logging"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/protocol"
	"github.com/jeranaias/relay-tui/internal/render"
	"github.com/jeranaias/relay-tui/internal/scroll"
	"github.com/jeranaias/relay-tui/internal/session"
	"github.com/jeranaias/relay-tui/internal/toolcall"
)

// =============================================================================
// ENGINE
// =============================================================================

// TurnFunc receives each completed assistant turn, for persistence.
type TurnFunc func(messageID, content string)

// Config parameterizes an Engine. Zero fields take package defaults.
type Config struct {
	BatchSize    int
	MaxDelay     time.Duration
	MaxBuffer    int
	CleanupDelay time.Duration

	// BottomSlack and ScrollDebounce tune the scroll-follow heuristic.
	BottomSlack    int
	ScrollDebounce time.Duration

	// OnTurnDone runs after each assistant_end, outside the engine lock.
	OnTurnDone TurnFunc
}

// Engine drives the chunk-to-surface pipeline.
type Engine struct {
	mu sync.Mutex

	parser   *protocol.Parser
	batcher  *batch.Batcher
	tools    *toolcall.Aggregator
	sessions *session.Controller
	surface  render.Surface
	follow   *scroll.Follow
	log      *slog.Logger

	// current assistant turn
	streaming bool
	turnID    string
	turnText  strings.Builder

	onTurnDone TurnFunc
}

// New creates an engine drawing on surface. sessions may be nil when no
// session registry is attached (stream-only mode).
func New(surface render.Surface, sessions *session.Controller, cfg Config) *Engine {
	e := &Engine{
		sessions:   sessions,
		surface:    surface,
		follow:     scroll.NewWithConfig(cfg.BottomSlack, cfg.ScrollDebounce),
		log:        logging.ForComponent(logging.CompEngine),
		onTurnDone: cfg.OnTurnDone,
	}

	if cfg.MaxBuffer > 0 {
		e.parser = protocol.NewParserWithLimit(cfg.MaxBuffer)
	} else {
		e.parser = protocol.NewParser()
	}

	size, delay := cfg.BatchSize, cfg.MaxDelay
	if size <= 0 {
		size = batch.DefaultBatchSize
	}
	if delay <= 0 {
		delay = batch.DefaultMaxDelay
	}
	e.batcher = batch.NewWithConfig(size, delay, e.dispatch)

	cleanup := cfg.CleanupDelay
	if cleanup <= 0 {
		cleanup = toolcall.DefaultCleanupDelay
	}
	e.tools = toolcall.NewWithDelay(e.renderCall, cleanup)

	return e
}

// =============================================================================
// INGESTION
// =============================================================================

// Feed pushes one raw stream chunk through the parser and queues the decoded
// events. Chunk boundaries carry no meaning; frames split across any number
// of chunks decode identically.
func (e *Engine) Feed(chunk string) {
	frames, err := e.parser.Feed(chunk)
	if err != nil {
		if errors.Is(err, protocol.ErrBufferOverflow) {
			e.log.Error("stream buffer overflow", "chunk_len", len(chunk))
			e.surface.Append(render.Node{
				ID:   "notice_" + uuid.NewString(),
				Kind: render.KindNotice,
				Text: "Stream buffer overflowed; some output was discarded.",
			})
		} else {
			e.log.Error("stream feed failed", "error", err)
		}
	}

	for _, frame := range frames {
		ev, err := protocol.DecodeEvent(frame)
		if err != nil {
			e.log.Warn("undecodable frame dropped", "error", err)
			continue
		}
		if ev.Type == protocol.EventUnknown {
			e.log.Debug("unknown event type dropped", "type", ev.Message)
			continue
		}
		e.batcher.Enqueue(ev)
	}
}

/// Tick is the display-loop heartbeat: it drains due batches, applies pending
// tool-call updates, and auto-scrolls if the follow heuristic allows it.
// Call it once per render frame.
func (e *Engine) Tick() {
	flushed := e.batcher.Flush()
	e.tools.FlushPending()

	if flushed {
		e.follow.OnContentGrew(e.surface)
		if e.follow.ShouldAutoScroll(e.surface) {
			e.surface.ScrollToBottom()
		}
	}
}

// =============================================================================
// DISPATCH
// =============================================================================

// dispatch applies one batch in arrival order. Runs outside the batcher lock;
// terminal events arrive here via forced flush before any later event.
func (e *Engine) dispatch(events []protocol.Event) {
	for _, ev := range events {
		switch {
		case ev.Type == protocol.EventAssistantStart:
			e.startTurn()
		case ev.Type == protocol.EventAssistantDelta:
			e.appendDelta(ev.Content)
		case ev.Type == protocol.EventAssistantEnd:
			e.endTurn(ev)
		case ev.Type == protocol.EventError:
			e.streamError(ev)
		case ev.IsToolEvent():
			e.tools.Handle(ev)
		case ev.Type == protocol.EventSessionCreated:
			if e.sessions != nil {
				e.sessions.Adopt(ev.Session)
			}
			e.log.Info("session created by producer",
				"session_id", ev.Session.ID, "reason", ev.Session.Reason)
		case ev.Type == protocol.EventSessionUpdated:
			e.log.Debug("session updated", "session_id", ev.Session.ID)
		default:
			e.log.Debug("unhandled event type", "type", ev.Type)
		}
	}
}

func (e *Engine) startTurn() {
	e.mu.Lock()
	e.streaming = true
	e.turnID = "asst_" + uuid.NewString()
	e.turnText.Reset()
	id := e.turnID
	e.mu.Unlock()

	e.surface.UpdateNode(render.MessageNode(&model.Message{
		ID:        id,
		Role:      model.RoleAssistant,
		Timestamp: time.Now(),
	}))
}

func (e *Engine) appendDelta(content string) {
	e.mu.Lock()
	if !e.streaming {
		// Producer skipped assistant_start; open the turn implicitly.
		e.streaming = true
		e.turnID = "asst_" + uuid.NewString()
		e.turnText.Reset()
	}
	e.turnText.WriteString(content)
	id := e.turnID
	text := e.turnText.String()
	e.mu.Unlock()

	e.surface.UpdateNode(render.MessageNode(&model.Message{
		ID:        id,
		Role:      model.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	}))
}

func (e *Engine) endTurn(ev protocol.Event) {
	e.mu.Lock()
	id := e.turnID
	content := e.turnText.String()
	// A full-message payload on the end event wins over accumulated deltas.
	if ev.Message != "" {
		content = ev.Message
	}
	e.streaming = false
	e.turnID = ""
	e.turnText.Reset()
	done := e.onTurnDone
	e.mu.Unlock()

	if id == "" {
		// End without any preceding content is a no-op turn.
		return
	}

	e.surface.UpdateNode(render.MessageNode(&model.Message{
		ID:        id,
		Role:      model.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}))
	if done != nil {
		done(id, content)
	}
}

func (e *Engine) streamError(ev protocol.Event) {
	text := ev.Message
	if text == "" {
		text = ev.Content
	}
	if text == "" {
		text = "stream error"
	}

	e.mu.Lock()
	e.streaming = false
	e.turnID = ""
	e.turnText.Reset()
	e.mu.Unlock()

	e.log.Error("stream error event", "message", text)
	e.surface.Append(render.Node{
		ID:   "notice_" + uuid.NewString(),
		Kind: render.KindNotice,
		Text: "Error: " + text,
	})
}

// =============================================================================
// TOOL-CALL PRESENTATION
// =============================================================================

// renderCall draws one tool-call card. Registered as the aggregator's update
// callback, so it runs outside the aggregator lock.
func (e *Engine) renderCall(call toolcall.Call) {
	e.surface.UpdateNode(render.Node{
		ID:   "tool_" + call.ID,
		Kind: render.KindToolCall,
		Text: formatCall(call),
	})
}

func formatCall(call toolcall.Call) string {
	name := call.Name
	if name == "" {
		name = "tool"
	}

	var b strings.Builder
	switch call.Status {
	case toolcall.StatusPreparing:
		fmt.Fprintf(&b, "· %s (preparing)", name)
	case toolcall.StatusReady:
		fmt.Fprintf(&b, "· %s", name)
	case toolcall.StatusExecuting:
		fmt.Fprintf(&b, "▸ %s (running)", name)
	case toolcall.StatusCompleted:
		fmt.Fprintf(&b, "✓ %s", name)
	case toolcall.StatusError:
		fmt.Fprintf(&b, "✗ %s", name)
		if call.Error != "" {
			fmt.Fprintf(&b, ": %s", call.Error)
		}
	}

	if call.Expanded {
		if call.Arguments != "" {
			fmt.Fprintf(&b, "\n  args: %s", call.Arguments)
		}
		if call.Result != "" {
			fmt.Fprintf(&b, "\n  %s", call.Result)
		}
	}
	return b.String()
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Tools exposes the aggregator for expand/collapse key handling.
func (e *Engine) Tools() *toolcall.Aggregator { return e.tools }

// Follow exposes the scroll-follow heuristic for user-scroll notifications.
func (e *Engine) Follow() *scroll.Follow { return e.follow }

// Connected reports whether a producer banner has been observed on the
// stream.
func (e *Engine) Connected() bool { return e.parser.Connected() }

// Streaming reports whether an assistant turn is currently open.
func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

// Pending returns queued event and tool-update counts, for the status line.
func (e *Engine) Pending() (events, toolUpdates int) {
	return e.batcher.Pending(), e.tools.PendingCount()
}
