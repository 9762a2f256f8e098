// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bus

import (
	"context"
	"fmt"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/storage"
)

// LocalBus serves the command surface from the local sqlite store.
type LocalBus struct {
	store *storage.Store
}

// NewLocal creates a bus over the given store.
func NewLocal(store *storage.Store) *LocalBus {
	return &LocalBus{store: store}
}

// List implements Bus.
func (b *LocalBus) List(ctx context.Context) ([]model.SessionMeta, error) {
	return b.store.ListSessions(ctx)
}

// New implements Bus.
func (b *LocalBus) New(ctx context.Context, title string, reason model.CreateReason) (*model.Session, error) {
	return b.store.CreateSession(ctx, title, reason)
}

// Switch implements Bus. The initial window is the history tail.
func (b *LocalBus) Switch(ctx context.Context, id string, initialLimit int) (*SwitchResult, error) {
	if initialLimit <= 0 {
		initialLimit = 50
	}

	sess, err := b.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("switch failed: %w", err)
	}

	total, err := b.store.CountMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("switch failed: %w", err)
	}

	msgs, err := b.store.Tail(ctx, id, initialLimit)
	if err != nil {
		return nil, fmt.Errorf("switch failed: %w", err)
	}

	return &SwitchResult{
		Session:     *sess,
		Messages:    msgs,
		HasMore:     total > len(msgs),
		LoadedCount: len(msgs),
		TotalCount:  total,
	}, nil
}

// Delete implements Bus.
func (b *LocalBus) Delete(ctx context.Context, id string) error {
	return b.store.DeleteSession(ctx, id)
}

// Rename implements Bus.
func (b *LocalBus) Rename(ctx context.Context, id, title string) error {
	return b.store.RenameSession(ctx, id, title)
}

// Summarize implements Bus.
func (b *LocalBus) Summarize(ctx context.Context, id string) (string, error) {
	return b.store.FirstUserMessage(ctx, id)
}

// Clear implements Bus.
func (b *LocalBus) Clear(ctx context.Context, id string) error {
	return b.store.ClearMessages(ctx, id)
}

// LoadMore implements Bus.
func (b *LocalBus) LoadMore(ctx context.Context, id string, offset, limit int) (*Chunk, error) {
	msgs, err := b.store.PageBefore(ctx, id, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("load_more failed: %w", err)
	}

	total, err := b.store.CountMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load_more failed: %w", err)
	}

	return &Chunk{
		Messages: msgs,
		HasMore:  offset+len(msgs) < total,
		Offset:   offset,
	}, nil
}
