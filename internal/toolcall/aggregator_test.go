// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package toolcall

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/relay-tui/internal/protocol"
)

// updates collects presentation snapshots in arrival order.
type updates struct {
	mu    sync.Mutex
	calls []Call
}

func (u *updates) record(c Call) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, c)
}

func (u *updates) last() (Call, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.calls) == 0 {
		return Call{}, false
	}
	return u.calls[len(u.calls)-1], true
}

func detected(id, name string) protocol.Event {
	return protocol.Event{Type: protocol.EventToolDetected, CallID: id, Name: name}
}

func executing(id string) protocol.Event {
	return protocol.Event{Type: protocol.EventToolExecuting, CallID: id}
}

func completed(id string, success bool, result, errTxt string) protocol.Event {
	return protocol.Event{Type: protocol.EventToolCompleted, CallID: id,
		Success: success, Result: result, ErrorText: errTxt}
}

func TestLifecycleDetectedExecutingCompleted(t *testing.T) {
	u := &updates{}
	a := NewWithDelay(u.record, 25*time.Millisecond)

	a.Handle(detected("c1", "search"))
	a.FlushPending()
	call, ok := a.Get("c1")
	require.True(t, ok)
	assert.Equal(t, StatusReady, call.Status)

	a.Handle(executing("c1"))
	a.FlushPending()
	call, _ = a.Get("c1")
	assert.Equal(t, StatusExecuting, call.Status)

	a.Handle(completed("c1", true, "42", ""))
	// Terminal transition applies synchronously, no flush needed.
	call, ok = a.Get("c1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, call.Status)
	assert.Equal(t, "42", call.Result)

	// Cleanup removes the record from the active table after the delay.
	time.Sleep(60 * time.Millisecond)
	_, ok = a.Get("c1")
	assert.False(t, ok, "settled call must leave the active table")
	assert.Equal(t, 0, a.ActiveCount())
}

func TestUnseenCallIDImplicitlyCreates(t *testing.T) {
	a := NewWithDelay(nil, time.Hour)

	a.Handle(executing("ghost"))
	call, ok := a.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, StatusPreparing, call.Status, "creation starts in preparing until the update flushes")

	a.FlushPending()
	call, _ = a.Get("ghost")
	assert.Equal(t, StatusExecuting, call.Status)
}

func TestMissingCallIDGetsPlaceholder(t *testing.T) {
	u := &updates{}
	a := NewWithDelay(u.record, time.Hour)

	a.Handle(detected("", "fetch"))
	snap, ok := u.last()
	require.True(t, ok)
	assert.NotEmpty(t, snap.ID)
	assert.Contains(t, snap.ID, "call_")
	assert.Equal(t, 1, a.ActiveCount())
}

func TestArgumentStreaming(t *testing.T) {
	u := &updates{}
	a := NewWithDelay(u.record, time.Hour)

	a.Handle(detected("c1", "search"))
	a.Handle(protocol.Event{Type: protocol.EventToolArgDelta, CallID: "c1", Delta: `{"q":`})
	a.Handle(protocol.Event{Type: protocol.EventToolArgDelta, CallID: "c1", Delta: `"golang"}`})
	a.Handle(protocol.Event{Type: protocol.EventToolArgDone, CallID: "c1"})

	call, _ := a.Get("c1")
	assert.Equal(t, `{"q":"golang"}`, call.Arguments)

	// The buffer is cleared: a second done parses nothing and keeps the args.
	a.Handle(protocol.Event{Type: protocol.EventToolArgDone, CallID: "c1"})
	call, _ = a.Get("c1")
	assert.Equal(t, `{"q":"golang"}`, call.Arguments)
}

func TestInvalidArgumentsKeptAsRawText(t *testing.T) {
	a := NewWithDelay(nil, time.Hour)

	a.Handle(detected("c1", "search"))
	a.Handle(protocol.Event{Type: protocol.EventToolArgDelta, CallID: "c1", Delta: `{"q": truncat`})
	a.Handle(protocol.Event{Type: protocol.EventToolArgDone, CallID: "c1"})

	call, _ := a.Get("c1")
	assert.Equal(t, `{"q": truncat`, call.Arguments, "invalid JSON is displayed raw, not dropped")
}

func TestPendingUpdatesLatestWins(t *testing.T) {
	a := NewWithDelay(nil, time.Hour)

	a.Handle(detected("c1", "search"))
	a.Handle(executing("c1"))
	assert.Equal(t, 1, a.PendingCount(), "same-id updates must coalesce")

	a.FlushPending()
	call, _ := a.Get("c1")
	assert.Equal(t, StatusExecuting, call.Status)
	assert.Equal(t, 0, a.PendingCount())
}

func TestExpandCancelsCleanup(t *testing.T) {
	a := NewWithDelay(nil, 20*time.Millisecond)

	a.Handle(detected("c1", "search"))
	a.Handle(completed("c1", true, "ok", ""))
	a.Expand("c1")

	time.Sleep(50 * time.Millisecond)
	call, ok := a.Get("c1")
	require.True(t, ok, "expanded call must survive the cleanup delay")
	assert.True(t, call.Expanded)

	// Collapse restarts a full delay.
	a.Collapse("c1")
	time.Sleep(10 * time.Millisecond)
	_, ok = a.Get("c1")
	assert.True(t, ok, "collapse must restart a full delay, not fire early")

	time.Sleep(40 * time.Millisecond)
	_, ok = a.Get("c1")
	assert.False(t, ok, "collapsed call must be reclaimed after the fresh delay")
}

func TestRepeatedTerminalUpdatesDoNotStackTimers(t *testing.T) {
	a := NewWithDelay(nil, 30*time.Millisecond)

	a.Handle(detected("c1", "search"))
	a.Handle(completed("c1", true, "ok", ""))
	time.Sleep(15 * time.Millisecond)
	// A second terminal-ish update replaces the timer instead of stacking one.
	a.Handle(completed("c1", true, "ok again", ""))

	time.Sleep(20 * time.Millisecond)
	_, ok := a.Get("c1")
	assert.True(t, ok, "fresh timer should not have fired yet (old timer must be canceled)")

	time.Sleep(20 * time.Millisecond)
	_, ok = a.Get("c1")
	assert.False(t, ok)
}

func TestFailedCompletionEndsInError(t *testing.T) {
	a := NewWithDelay(nil, time.Hour)

	a.Handle(detected("c1", "search"))
	a.Handle(completed("c1", false, "", "timeout"))

	call, _ := a.Get("c1")
	assert.Equal(t, StatusError, call.Status)
	assert.Equal(t, "timeout", call.Error)
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	a := NewWithDelay(nil, time.Hour)

	a.Handle(detected("c1", "search"))
	a.Handle(completed("c1", true, "done", ""))
	// A straggler executing update arrives after completion.
	a.Handle(executing("c1"))
	a.FlushPending()

	call, _ := a.Get("c1")
	assert.Equal(t, StatusCompleted, call.Status, "terminal status must not regress")
}

func TestFlushAfterReclaimIsQuiet(t *testing.T) {
	a := NewWithDelay(nil, 10*time.Millisecond)

	a.Handle(detected("c1", "search"))
	a.Handle(completed("c1", true, "ok", ""))
	time.Sleep(30 * time.Millisecond) // reclaimed

	// Flushing after the record is gone must not recreate or panic.
	a.FlushPending()
	assert.Equal(t, 0, a.PendingCount())
	assert.Equal(t, 0, a.ActiveCount())
}
