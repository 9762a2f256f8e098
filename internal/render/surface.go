// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render defines the display surface the ingestion engine draws on.
//
// The engine never touches a concrete widget: it appends, prepends, and
// updates Nodes through the Surface interface and reads back scroll metrics
// for the follow heuristic. The terminal viewport in internal/ui/chat is the
// production implementation; tests substitute fakes.
package render

import "github.com/jeranaias/relay-tui/internal/model"

// =============================================================================
// NODES
// =============================================================================

// Kind discriminates what a Node displays.
type Kind string

const (
	// KindMessage is a chat message (user, assistant, system).
	KindMessage Kind = "message"

	// KindToolCall is a tool invocation card.
	KindToolCall Kind = "toolcall"

	// KindPlaceholder marks the position of history that is still rendering
	// during an idle period.
	KindPlaceholder Kind = "placeholder"

	// KindNotice is a transient user-facing notice (overflow, stream error).
	KindNotice Kind = "notice"
)

// Node is one renderable unit on the surface.
type Node struct {
	ID   string
	Kind Kind

	// Message is set for KindMessage nodes.
	Message *model.Message

	// Text is set for KindNotice, KindPlaceholder, and KindToolCall nodes.
	Text string
}

// MessageNode wraps a message for display.
func MessageNode(msg *model.Message) Node {
	return Node{ID: msg.ID, Kind: KindMessage, Message: msg}
}

// MessageNodes wraps a message slice, preserving order.
func MessageNodes(msgs []model.Message) []Node {
	nodes := make([]Node, len(msgs))
	for i := range msgs {
		nodes[i] = MessageNode(&msgs[i])
	}
	return nodes
}

// =============================================================================
// SURFACE
// =============================================================================

// Surface is the render target contract.
//
// Mutations may arrive from the stream-dispatch path, the background
// pagination loop, and cleanup timers, so implementations must be safe for
// concurrent use.
type Surface interface {
	// Append adds a node at the bottom.
	Append(n Node)

	// PrependBatch inserts nodes at the top, preserving their order.
	// Used by backward pagination: older history lands above.
	PrependBatch(ns []Node)

	// ReplacePlaceholder swaps the placeholder with the given id for the
	// nodes, in place. A missing placeholder is a no-op.
	ReplacePlaceholder(id string, ns []Node)

	// UpdateNode replaces the node with the matching ID. A missing node is
	// appended instead, so streaming updates never vanish.
	UpdateNode(n Node)

	// Clear removes every node.
	Clear()

	// ScrollTop returns the current scroll offset.
	ScrollTop() int

	// ScrollHeight returns the total content height.
	ScrollHeight() int

	// ViewHeight returns the visible height.
	ViewHeight() int

	// ScrollToBottom jumps the view to the latest content.
	ScrollToBottom()

	// ScheduleIdle queues fn to run when the display loop is otherwise idle.
	// Deferred history rendering uses this to keep session switches snappy.
	ScheduleIdle(fn func())
}
