// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package batch groups decoded events into render-frame-aligned batches.
//
// Events are queued as they decode and flushed together, in enqueue order,
// either when the queue reaches the batch-size threshold or when the oldest
// queued event has waited one display-refresh interval. A terminal event
// (end of the assistant's turn, or a stream error) forces an immediate flush
// so no partial content is visually skipped.
//
// Flushing is poll-based: the display loop calls Flush on every refresh tick
// and the batcher decides whether the thresholds are met. This keeps the
// batcher free of internal timers and makes ordering trivially testable.
//
// Thread-safety: all operations are protected by a mutex since decoding
// happens on the stream reader goroutine while flushing happens in the main
// display loop.
package batch

import (
	"sync"
	"time"

	"github.com/jeranaias/relay-tui/internal/protocol"
)

// Default thresholds: flush at 10 queued events or after one ~60fps display
// refresh interval, whichever comes first.
const (
	DefaultBatchSize = 10
	DefaultMaxDelay  = 16 * time.Millisecond
)

// DispatchFunc receives one flushed batch, in enqueue order.
type DispatchFunc func(events []protocol.Event)

// Batcher queues events and flushes them in groups.
//
// Two locks: mu guards the queue, dispatchMu serializes dispatch so batches
// always reach the callback in enqueue order even when the reader goroutine
// forces a flush while the display tick is mid-dispatch. Lock order is
// dispatchMu before mu; mu is never held across the callback.
type Batcher struct {
	mu     sync.Mutex
	queue  []protocol.Event
	oldest time.Time // enqueue time of the first unflushed event
	forced bool      // a forced flush is owed; cleared by the dispatch holder

	dispatchMu sync.Mutex

	batchSize int
	maxDelay  time.Duration
	dispatch  DispatchFunc

	now func() time.Time // injected for tests
}

// New creates a batcher with default thresholds.
func New(dispatch DispatchFunc) *Batcher {
	return &Batcher{
		batchSize: DefaultBatchSize,
		maxDelay:  DefaultMaxDelay,
		dispatch:  dispatch,
		now:       time.Now,
	}
}

// NewWithConfig creates a batcher with custom thresholds. Non-positive
// values fall back to the defaults.
func NewWithConfig(batchSize int, maxDelay time.Duration, dispatch DispatchFunc) *Batcher {
	b := New(dispatch)
	if batchSize > 0 {
		b.batchSize = batchSize
	}
	if maxDelay > 0 {
		b.maxDelay = maxDelay
	}
	return b
}

// Enqueue adds an event to the pending batch.
//
// Reaching the size threshold flushes immediately. A terminal event forces a
// flush of everything queued so far with the terminal event last, preserving
// the guarantee that earlier deltas are dispatched before (or together with,
// never after) the event that ends the turn.
func (b *Batcher) Enqueue(ev protocol.Event) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.oldest = b.now()
	}
	b.queue = append(b.queue, ev)
	force := ev.IsTerminal() || len(b.queue) >= b.batchSize
	b.mu.Unlock()

	if force {
		b.drain(true)
	}
}

// Flush dispatches the pending batch if a threshold is met. Idempotent and
// safe to call with an empty queue. Returns true if a dispatch happened.
// Called from the display-refresh tick.
func (b *Batcher) Flush() bool {
	return b.drain(false)
}

// ForceFlush dispatches everything queued regardless of thresholds.
// Returns true if a dispatch happened.
func (b *Batcher) ForceFlush() bool {
	return b.drain(true)
}

// Pending returns the number of queued events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// drain dispatches due batches until the queue no longer warrants one.
// A single goroutine holds dispatchMu across callbacks, so batches reach the
// callback strictly in enqueue order. When another goroutine already holds it,
// a forced request is recorded and the holder (or the next display tick) picks
// it up; the callback runs without mu held so handlers may enqueue further
// events, which land in a later batch, never an earlier one.
func (b *Batcher) drain(force bool) bool {
	if force {
		b.mu.Lock()
		b.forced = true
		b.mu.Unlock()
	}
	if !b.dispatchMu.TryLock() {
		return false
	}
	defer b.dispatchMu.Unlock()

	flushed := false
	for {
		b.mu.Lock()
		due := len(b.queue) > 0 &&
			(b.forced || len(b.queue) >= b.batchSize || b.now().Sub(b.oldest) >= b.maxDelay)
		if !due {
			b.forced = false
			b.mu.Unlock()
			return flushed
		}
		events := b.queue
		b.queue = nil
		b.forced = false
		dispatch := b.dispatch
		b.mu.Unlock()

		if dispatch != nil {
			dispatch(events)
		}
		flushed = true
	}
}
