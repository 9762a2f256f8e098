// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus defines the session command bus the renderer consumes.
//
// The bus is a request/response surface over the bot's session registry:
// list, new, switch, delete, rename, summarize, clear, and load_more. The
// transport carrying these calls is not this package's concern; the engine
// and the session controller are pure consumers of the interface, and
// LocalBus provides the storage-backed implementation used in-process.
package bus

import (
	"context"

	"github.com/jeranaias/relay-tui/internal/model"
)

// SwitchResult is the payload of a successful switch call.
type SwitchResult struct {
	Session     model.Session
	Messages    []model.Message // initial chunk, chronological
	HasMore     bool
	LoadedCount int
	TotalCount  int
}

// Chunk is the payload of a successful load_more call: one page of older
// history, chronological, ending where the caller's loaded window begins.
type Chunk struct {
	Messages []model.Message
	HasMore  bool
	Offset   int // offset this chunk was requested at
}

// Bus is the session command surface.
type Bus interface {
	// List returns session metadata, most recently updated first.
	List(ctx context.Context) ([]model.SessionMeta, error)

	// New creates a session. The reason code says what triggered creation.
	New(ctx context.Context, title string, reason model.CreateReason) (*model.Session, error)

	// Switch makes a session current and returns its initial history window.
	Switch(ctx context.Context, id string, initialLimit int) (*SwitchResult, error)

	// Delete removes a session and its history.
	Delete(ctx context.Context, id string) error

	// Rename updates a session title.
	Rename(ctx context.Context, id, title string) error

	// Summarize returns a short human-readable summary for the session.
	Summarize(ctx context.Context, id string) (string, error)

	// Clear removes a session's messages, keeping the session.
	Clear(ctx context.Context, id string) error

	// LoadMore fetches the page of limit messages ending offset messages
	// before the tail. Offset counts messages the caller already holds.
	LoadMore(ctx context.Context, id string, offset, limit int) (*Chunk, error)
}
