// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol extracts framed JSON events from the bot's raw output
// stream.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/jeranaias/relay-tui/internal/model"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType is the discriminator carried by every decoded frame.
type EventType string

const (
	EventAssistantStart EventType = "assistant_start"
	EventAssistantDelta EventType = "assistant_delta"
	EventAssistantEnd   EventType = "assistant_end"
	EventError          EventType = "error"
	EventToolDetected   EventType = "tool_detected"
	EventToolExecuting  EventType = "tool_executing"
	EventToolCompleted  EventType = "tool_completed"
	EventToolArgDelta   EventType = "tool_arg_delta"
	EventToolArgDone    EventType = "tool_arg_done"
	EventSessionCreated EventType = "session_created"
	EventSessionUpdated EventType = "session_updated"

	// EventUnknown tags frames with an unrecognized type discriminator.
	// Not an error: unknown types are logged and dropped so newer producers
	// keep working against this renderer.
	EventUnknown EventType = ""
)

// ErrMissingType is returned when a frame has no type discriminator at all.
var ErrMissingType = errors.New("event frame missing type field")

// SessionInfo is the session payload carried by session_created and
// session_updated events.
type SessionInfo struct {
	ID    string `json:"session_id"`
	Title string `json:"title"`
}

// Event is the decoded form of one Frame: a tagged union over the payload
// fields the recognized types carry. Unused fields are zero.
type Event struct {
	Type EventType

	// assistant_delta / error
	Content string
	Message string

	// tool lifecycle
	CallID    string
	Name      string
	Arguments string
	Delta     string
	Success   bool
	Result    string
	ErrorText string

	// session lifecycle
	Session model.Session

	// Raw keeps the original payload for logging and forward compatibility.
	Raw json.RawMessage
}

// IsTerminal reports whether the event ends the current assistant turn.
// Terminal events force an immediate batch flush so no partial content is
// visually skipped.
func (e Event) IsTerminal() bool {
	return e.Type == EventAssistantEnd || e.Type == EventError
}

// IsToolEvent reports whether the event belongs to the tool-call sub-protocol.
func (e Event) IsToolEvent() bool {
	switch e.Type {
	case EventToolDetected, EventToolExecuting, EventToolCompleted,
		EventToolArgDelta, EventToolArgDone:
		return true
	}
	return false
}

// =============================================================================
// DECODING
// =============================================================================

// wireEvent mirrors the producer's JSON shape. Session payloads arrive three
// ways: flat fields, a nested "session" object, or nested under "data".
type wireEvent struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Message   string          `json:"message"`
	CallID    string          `json:"call_id"`
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	Delta     string          `json:"delta"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	SessionID string          `json:"session_id"`
	Title     string          `json:"title"`
	Session   *SessionInfo    `json:"session"`
	Data      *struct {
		Session *SessionInfo `json:"session"`
	} `json:"data"`
}

// DecodeEvent decodes one frame into an Event.
//
// A frame whose type is unrecognized decodes successfully with Type
// EventUnknown; the dispatcher decides what to do with it. Only a frame with
// no type at all is an error.
func DecodeEvent(frame Frame) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return Event{}, err
	}
	if w.Type == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{Raw: frame}

	switch EventType(w.Type) {
	case EventAssistantStart:
		ev.Type = EventAssistantStart

	case EventAssistantDelta:
		ev.Type = EventAssistantDelta
		ev.Content = model.NormalizeContent(w.Content)

	case EventAssistantEnd:
		ev.Type = EventAssistantEnd
		// Some producer versions attach the complete turn text here; it
		// takes precedence over accumulated deltas downstream.
		ev.Message = w.Message

	case EventError:
		ev.Type = EventError
		ev.Message = w.Message

	case EventToolDetected:
		ev.Type = EventToolDetected
		ev.CallID = w.CallID
		ev.Name = w.Name
		ev.Arguments = w.Arguments

	case EventToolExecuting:
		ev.Type = EventToolExecuting
		ev.CallID = w.CallID

	case EventToolCompleted:
		ev.Type = EventToolCompleted
		ev.CallID = w.CallID
		ev.Success = w.Success
		ev.Result = model.NormalizeContent(w.Result)
		ev.ErrorText = w.Error

	case EventToolArgDelta:
		ev.Type = EventToolArgDelta
		// Some producer versions key argument deltas by item_id instead
		ev.CallID = w.CallID
		if ev.CallID == "" {
			ev.CallID = w.ItemID
		}
		ev.Delta = w.Delta

	case EventToolArgDone:
		ev.Type = EventToolArgDone
		ev.CallID = w.CallID
		if ev.CallID == "" {
			ev.CallID = w.ItemID
		}

	case EventSessionCreated:
		ev.Type = EventSessionCreated
		ev.Session = sessionFromWire(w)

	case EventSessionUpdated:
		ev.Type = EventSessionUpdated
		ev.Session = sessionFromWire(w)

	default:
		ev.Type = EventUnknown
		// Preserve the producer's tag for the log record
		ev.Message = w.Type
	}

	return ev, nil
}

// sessionFromWire resolves the three session payload shapes in precedence
// order: data.session, session, then flat fields.
func sessionFromWire(w wireEvent) model.Session {
	info := &SessionInfo{ID: w.SessionID, Title: w.Title}
	if w.Data != nil && w.Data.Session != nil {
		info = w.Data.Session
	} else if w.Session != nil {
		info = w.Session
	}
	return model.Session{ID: info.ID, Title: info.Title}
}
