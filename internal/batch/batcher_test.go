// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/relay-tui/internal/protocol"
)

type recorder struct {
	batches [][]protocol.Event
}

func (r *recorder) dispatch(events []protocol.Event) {
	r.batches = append(r.batches, events)
}

func delta(content string) protocol.Event {
	return protocol.Event{Type: protocol.EventAssistantDelta, Content: content}
}

func TestFlushEmptyIsIdempotent(t *testing.T) {
	rec := &recorder{}
	b := New(rec.dispatch)

	if b.Flush() {
		t.Error("empty flush must report no dispatch")
	}
	if b.ForceFlush() {
		t.Error("empty force flush must report no dispatch")
	}
	if len(rec.batches) != 0 {
		t.Errorf("dispatch called %d times on empty queue", len(rec.batches))
	}
}

func TestSizeThresholdFlushesImmediately(t *testing.T) {
	rec := &recorder{}
	b := NewWithConfig(3, time.Hour, rec.dispatch)

	b.Enqueue(delta("a"))
	b.Enqueue(delta("b"))
	if len(rec.batches) != 0 {
		t.Fatal("flushed before size threshold")
	}

	b.Enqueue(delta("c"))
	if len(rec.batches) != 1 {
		t.Fatalf("expected 1 batch after hitting threshold, got %d", len(rec.batches))
	}

	got := rec.batches[0]
	if len(got) != 3 || got[0].Content != "a" || got[1].Content != "b" || got[2].Content != "c" {
		t.Errorf("batch not in enqueue order: %+v", got)
	}
}

func TestMaxDelayFlushOnTick(t *testing.T) {
	rec := &recorder{}
	b := NewWithConfig(10, 5*time.Millisecond, rec.dispatch)

	// N < threshold events: nothing flushes until the delay elapses.
	b.Enqueue(delta("a"))
	b.Enqueue(delta("b"))
	if b.Flush() {
		t.Fatal("flushed before max delay")
	}

	time.Sleep(10 * time.Millisecond)
	if !b.Flush() {
		t.Fatal("expected flush after max delay")
	}
	if len(rec.batches) != 1 || len(rec.batches[0]) != 2 {
		t.Fatalf("expected exactly one batch with both events, got %+v", rec.batches)
	}
	if rec.batches[0][0].Content != "a" || rec.batches[0][1].Content != "b" {
		t.Error("batch not in enqueue order")
	}

	// Second tick: nothing left.
	if b.Flush() {
		t.Error("second flush should be a no-op")
	}
}

func TestTerminalEventForcesFlush(t *testing.T) {
	rec := &recorder{}
	b := NewWithConfig(10, time.Hour, rec.dispatch)

	b.Enqueue(delta("Hi"))
	b.Enqueue(delta(" there"))
	b.Enqueue(protocol.Event{Type: protocol.EventAssistantEnd})

	if len(rec.batches) != 1 {
		t.Fatalf("terminal event should force exactly one flush, got %d", len(rec.batches))
	}
	got := rec.batches[0]
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Content != "Hi" || got[1].Content != " there" {
		t.Error("prior deltas must precede the terminal event")
	}
	if got[2].Type != protocol.EventAssistantEnd {
		t.Error("terminal event must be dispatched last")
	}

	// No residual timer-based flush may interleave.
	if b.Flush() {
		t.Error("no events should remain after forced flush")
	}
}

func TestErrorEventIsTerminal(t *testing.T) {
	rec := &recorder{}
	b := NewWithConfig(10, time.Hour, rec.dispatch)

	b.Enqueue(delta("partial"))
	b.Enqueue(protocol.Event{Type: protocol.EventError, Message: "boom"})

	if len(rec.batches) != 1 {
		t.Fatalf("error event should force a flush, got %d batches", len(rec.batches))
	}
}

func TestCrossBatchOrdering(t *testing.T) {
	rec := &recorder{}
	b := NewWithConfig(2, time.Hour, rec.dispatch)

	for _, c := range []string{"1", "2", "3", "4"} {
		b.Enqueue(delta(c))
	}
	b.ForceFlush()

	var flat []string
	for _, batch := range rec.batches {
		for _, ev := range batch {
			flat = append(flat, ev.Content)
		}
	}
	want := []string{"1", "2", "3", "4"}
	if len(flat) != len(want) {
		t.Fatalf("dispatched %d events, want %d", len(flat), len(want))
	}
	for i := range want {
		if flat[i] != want[i] {
			t.Errorf("event %d = %q, want %q (cross-batch reorder)", i, flat[i], want[i])
		}
	}
}

func TestConcurrentForcedFlushPreservesOrder(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var flat []string
	first := true

	b := NewWithConfig(2, time.Hour, func(events []protocol.Event) {
		if first {
			first = false
			close(entered)
			<-release
		}
		mu.Lock()
		for _, ev := range events {
			flat = append(flat, ev.Content)
		}
		mu.Unlock()
	})

	b.Enqueue(delta("1"))
	done := make(chan struct{})
	go func() {
		b.ForceFlush() // display tick delivering the lone delta
		close(done)
	}()
	<-entered

	// Reader goroutine hits the size threshold while the tick dispatch is
	// still in flight. Its batch must not overtake the one being delivered;
	// the in-flight dispatcher picks it up after finishing.
	b.Enqueue(delta("2"))
	b.Enqueue(delta("3"))
	close(release)
	<-done
	b.ForceFlush()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"1", "2", "3"}
	if len(flat) != len(want) {
		t.Fatalf("dispatched %d events, want %d: %v", len(flat), len(want), flat)
	}
	for i := range want {
		if flat[i] != want[i] {
			t.Errorf("event %d = %q, want %q (concurrent flushes reordered)", i, flat[i], want[i])
		}
	}
}

func TestEnqueueDuringDispatchLandsInLaterBatch(t *testing.T) {
	var b *Batcher
	var reentered bool
	rec := &recorder{}
	b = NewWithConfig(2, time.Hour, func(events []protocol.Event) {
		rec.dispatch(events)
		if !reentered {
			reentered = true
			b.Enqueue(delta("late"))
		}
	})

	b.Enqueue(delta("a"))
	b.Enqueue(delta("b"))
	b.ForceFlush()

	if len(rec.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(rec.batches))
	}
	if rec.batches[1][0].Content != "late" {
		t.Error("re-entrant enqueue must land in a later batch")
	}
}
