// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package toolcall aggregates the tool-call sub-protocol into coherent units.
//
// The bot streams a tool invocation as a sequence of lifecycle events:
// detection, argument deltas, execution, completion. Each call_id gets one
// record in an active table that is driven through a small state machine and
// removed a fixed delay after it settles, unless the user is inspecting it.
package toolcall

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/relay-tui/internal/logging"
	"github.com/jeranaias/relay-tui/internal/protocol"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a tool call:
// preparing -> ready -> executing -> completed | error.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal reports whether the status ends the call's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// DefaultCleanupDelay is how long a settled call stays in the active table.
// Completed calls remain visible on the surface for reference; cleanup only
// reclaims the bookkeeping entry.
const DefaultCleanupDelay = 30 * time.Second

// =============================================================================
// CALL RECORD
// =============================================================================

// Call is the aggregated state of one tool invocation.
type Call struct {
	ID        string
	Name      string
	Status    Status
	Arguments string // parsed (or raw, if unparsable) argument text
	Result    string
	Error     string
	Expanded  bool

	argBuf  strings.Builder // streamed argument fragments, cleared on done
	cleanup *time.Timer     // at most one live cleanup timer
}

// snapshot returns a copy safe to hand to the presentation callback.
func (c *Call) snapshot() Call {
	return Call{
		ID:        c.ID,
		Name:      c.Name,
		Status:    c.Status,
		Arguments: c.Arguments,
		Result:    c.Result,
		Error:     c.Error,
		Expanded:  c.Expanded,
	}
}

// pendingUpdate is a deferred status transition. Latest wins per call_id.
type pendingUpdate struct {
	status Status
	result string
	errTxt string
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// UpdateFunc receives a presentation snapshot whenever a call's visible
// state changes.
type UpdateFunc func(call Call)

// Aggregator owns the active tool-call table for one conversation.
//
// Status updates from the stream are not applied synchronously: each one
// replaces any pending update for the same call_id, and the table is flushed
// once per display-refresh tick. Terminal transitions use a forced
// synchronous path because the record may be cleaned up before the next tick
// and a deferred flush would silently no-op.
type Aggregator struct {
	mu      sync.Mutex
	active  map[string]*Call
	pending map[string]pendingUpdate

	cleanupDelay time.Duration
	onUpdate     UpdateFunc
	log          *slog.Logger
}

// New creates an aggregator with the default cleanup delay.
func New(onUpdate UpdateFunc) *Aggregator {
	return &Aggregator{
		active:       make(map[string]*Call),
		pending:      make(map[string]pendingUpdate),
		cleanupDelay: DefaultCleanupDelay,
		onUpdate:     onUpdate,
		log:          logging.ForComponent(logging.CompToolCall),
	}
}

// NewWithDelay creates an aggregator with a custom cleanup delay.
func NewWithDelay(onUpdate UpdateFunc, cleanupDelay time.Duration) *Aggregator {
	a := New(onUpdate)
	if cleanupDelay > 0 {
		a.cleanupDelay = cleanupDelay
	}
	return a
}

// Handle routes one tool event into the aggregator.
func (a *Aggregator) Handle(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventToolDetected:
		a.handleDetected(ev)
	case protocol.EventToolExecuting:
		a.handleExecuting(ev)
	case protocol.EventToolCompleted:
		a.handleCompleted(ev)
	case protocol.EventToolArgDelta:
		a.handleArgDelta(ev)
	case protocol.EventToolArgDone:
		a.handleArgDone(ev)
	default:
		a.log.Debug("ignoring non-tool event", "type", string(ev.Type))
	}
}

// handleDetected creates or fills in the record for a newly detected call.
func (a *Aggregator) handleDetected(ev protocol.Event) {
	a.mu.Lock()
	call := a.ensureLocked(ev.CallID)
	if ev.Name != "" {
		call.Name = ev.Name
	}
	if ev.Arguments != "" {
		call.Arguments = ev.Arguments
	}
	// A named call is ready to run; detection without a name stays preparing.
	next := StatusPreparing
	if call.Name != "" {
		next = StatusReady
	}
	a.pending[call.ID] = pendingUpdate{status: next}
	snap := call.snapshot()
	a.mu.Unlock()

	a.notify(snap)
}

func (a *Aggregator) handleExecuting(ev protocol.Event) {
	a.mu.Lock()
	call := a.ensureLocked(ev.CallID)
	a.pending[call.ID] = pendingUpdate{status: StatusExecuting}
	a.mu.Unlock()
}

// handleCompleted applies the terminal transition synchronously and arms
// cleanup.
func (a *Aggregator) handleCompleted(ev protocol.Event) {
	status := StatusCompleted
	if !ev.Success {
		status = StatusError
	}
	upd := pendingUpdate{status: status, result: ev.Result, errTxt: ev.ErrorText}

	a.mu.Lock()
	call := a.ensureLocked(ev.CallID)
	// Drop any deferred update the terminal transition supersedes.
	delete(a.pending, call.ID)
	a.applyLocked(call, upd)
	a.scheduleCleanupLocked(call)
	snap := call.snapshot()
	a.mu.Unlock()

	a.notify(snap)
}

func (a *Aggregator) handleArgDelta(ev protocol.Event) {
	a.mu.Lock()
	call := a.ensureLocked(ev.CallID)
	call.argBuf.WriteString(ev.Delta)
	a.mu.Unlock()
}

// handleArgDone makes one tolerant parse attempt over the accumulated
// argument buffer: invalid JSON is shown as raw text rather than failing.
func (a *Aggregator) handleArgDone(ev protocol.Event) {
	a.mu.Lock()
	call := a.ensureLocked(ev.CallID)
	raw := call.argBuf.String()
	call.argBuf.Reset()

	if raw != "" {
		var compact json.RawMessage
		if err := json.Unmarshal([]byte(raw), &compact); err == nil {
			call.Arguments = string(compact)
		} else {
			a.log.Debug("tool arguments are not valid JSON, keeping raw",
				"call_id", call.ID)
			call.Arguments = raw
		}
	}
	snap := call.snapshot()
	a.mu.Unlock()

	a.notify(snap)
}

// =============================================================================
// DEFERRED STATUS FLUSH
// =============================================================================

// FlushPending applies all deferred status updates. Called once per
// display-refresh tick. Updates for call_ids no longer in the active table
// are dropped.
func (a *Aggregator) FlushPending() {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}

	var snaps []Call
	for id, upd := range a.pending {
		delete(a.pending, id)
		call, ok := a.active[id]
		if !ok {
			continue
		}
		a.applyLocked(call, upd)
		if upd.status.IsTerminal() {
			a.scheduleCleanupLocked(call)
		}
		snaps = append(snaps, call.snapshot())
	}
	a.mu.Unlock()

	for _, snap := range snaps {
		a.notify(snap)
	}
}

// applyLocked writes an update into the record, never regressing a terminal
// status back to a live one.
func (a *Aggregator) applyLocked(call *Call, upd pendingUpdate) {
	if call.Status.IsTerminal() && !upd.status.IsTerminal() {
		return
	}
	call.Status = upd.status
	if upd.result != "" {
		call.Result = upd.result
	}
	if upd.errTxt != "" {
		call.Error = upd.errTxt
	}
}

// =============================================================================
// EXPAND / COLLAPSE
// =============================================================================

// Expand marks a call as being inspected by the user and cancels its pending
// cleanup. An interactive system must never reclaim state the user is
// looking at.
func (a *Aggregator) Expand(id string) {
	a.mu.Lock()
	call, ok := a.active[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	call.Expanded = true
	if call.cleanup != nil {
		call.cleanup.Stop()
		call.cleanup = nil
	}
	snap := call.snapshot()
	a.mu.Unlock()

	a.notify(snap)
}

// Collapse ends inspection. A settled call gets a fresh full cleanup delay.
func (a *Aggregator) Collapse(id string) {
	a.mu.Lock()
	call, ok := a.active[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	call.Expanded = false
	if call.Status.IsTerminal() {
		a.scheduleCleanupLocked(call)
	}
	snap := call.snapshot()
	a.mu.Unlock()

	a.notify(snap)
}

// =============================================================================
// CLEANUP
// =============================================================================

// scheduleCleanupLocked arms the single cleanup timer for a call, canceling
// any previous one so repeated terminal updates never stack timers. Expanded
// calls are not armed; Collapse re-arms them.
func (a *Aggregator) scheduleCleanupLocked(call *Call) {
	if call.cleanup != nil {
		call.cleanup.Stop()
		call.cleanup = nil
	}
	if call.Expanded {
		return
	}
	id := call.ID
	call.cleanup = time.AfterFunc(a.cleanupDelay, func() {
		a.removeSettled(id)
	})
}

// removeSettled drops a call from the active table. The timer may race an
// Expand, so the expanded flag is re-checked under the lock.
func (a *Aggregator) removeSettled(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	call, ok := a.active[id]
	if !ok || call.Expanded {
		return
	}
	delete(a.active, id)
	delete(a.pending, id)
	a.log.Debug("tool call reclaimed", "call_id", id, "status", string(call.Status))
}

// =============================================================================
// LOOKUP
// =============================================================================

// Get returns a snapshot of the call, if it is still active.
func (a *Aggregator) Get(id string) (Call, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	call, ok := a.active[id]
	if !ok {
		return Call{}, false
	}
	return call.snapshot(), true
}

// ActiveCount returns the number of calls in the active table.
func (a *Aggregator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// PendingCount returns the number of deferred status updates.
func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// ensureLocked returns the record for id, creating it in preparing if the
// event references an unseen call. A missing id gets a generated placeholder
// so the record is still addressable.
func (a *Aggregator) ensureLocked(id string) *Call {
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	call, ok := a.active[id]
	if !ok {
		call = &Call{ID: id, Status: StatusPreparing}
		a.active[id] = call
	}
	return call
}

// notify runs the presentation callback outside the lock.
func (a *Aggregator) notify(snap Call) {
	if a.onUpdate != nil {
		a.onUpdate(snap)
	}
}
