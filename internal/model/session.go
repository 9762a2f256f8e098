// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for sessions and messages.
package model

import "time"

// =============================================================================
// SESSION TYPES
// =============================================================================

// CreateReason says why a session came into existence. The producer used to
// infer this from which payload fields were present; an explicit reason code
// keeps the contract auditable.
type CreateReason string

const (
	ReasonFirstMessage CreateReason = "first_message"
	ReasonFileUpload   CreateReason = "file_upload"
	ReasonExplicit     CreateReason = "explicit"
)

// Session identifies one conversation with the bot.
type Session struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Reason    CreateReason `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SessionMeta contains metadata for listing sessions.
type SessionMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"` // First user message, truncated
}
