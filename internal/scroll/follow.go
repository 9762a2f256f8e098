// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scroll decides when the chat surface should follow new content.
//
// The hard part is telling a deliberate user scroll apart from the scroll
// position shifting as a side effect of content growing underneath the view.
// The heuristic compares the change in scroll position against the change in
// content height between observations: height grew and position barely moved
// means growth, not a user action.
package scroll

import (
	"sync"
	"time"
)

// Defaults.
const (
	// DefaultBottomSlack is how close to the bottom (in lines) the view must
	// be for auto-follow to engage.
	DefaultBottomSlack = 3

	// DefaultDebounce is how long a deliberate user scroll suppresses
	// auto-follow.
	DefaultDebounce = 1500 * time.Millisecond

	// jitter is the position change still attributable to content growth.
	jitter = 2
)

// Metrics is the read-only view of a scrollable surface.
type Metrics interface {
	ScrollTop() int
	ScrollHeight() int
	ViewHeight() int
}

// Follow tracks scroll observations for one surface.
type Follow struct {
	mu sync.Mutex

	lastTop    int
	lastHeight int
	seeded     bool

	suppressedUntil time.Time

	bottomSlack int
	debounce    time.Duration
	now         func() time.Time // injected for tests
}

// New creates a follow heuristic with default thresholds.
func New() *Follow {
	return &Follow{
		bottomSlack: DefaultBottomSlack,
		debounce:    DefaultDebounce,
		now:         time.Now,
	}
}

// NewWithConfig creates a follow heuristic with custom thresholds.
// Non-positive values fall back to the defaults.
func NewWithConfig(bottomSlack int, debounce time.Duration) *Follow {
	f := New()
	if bottomSlack > 0 {
		f.bottomSlack = bottomSlack
	}
	if debounce > 0 {
		f.debounce = debounce
	}
	return f
}

// OnContentGrew records a content-growth observation. Growth never suppresses
// auto-follow; it only refreshes the baseline so the next scroll event is
// judged against current geometry.
func (f *Follow) OnContentGrew(m Metrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebaseLocked(m)
}

// OnUserScrolled records a scroll observation and decides whether it was a
// deliberate user action. Deliberate scrolls suppress auto-follow for the
// debounce window.
func (f *Follow) OnUserScrolled(m Metrics) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.seeded {
		f.rebaseLocked(m)
		return
	}

	dTop := m.ScrollTop() - f.lastTop
	dHeight := m.ScrollHeight() - f.lastHeight
	f.rebaseLocked(m)

	// Height grew and the position barely moved: that is content growth
	// observed through a scroll event, not the user.
	if dHeight > 0 && abs(dTop) <= jitter {
		return
	}
	if dTop == 0 && dHeight == 0 {
		return
	}

	f.suppressedUntil = f.now().Add(f.debounce)
}

// ShouldAutoScroll reports whether the surface should follow new content:
// no recent deliberate scroll, and the view is within the bottom slack.
func (f *Follow) ShouldAutoScroll(m Metrics) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.now().Before(f.suppressedUntil) {
		return false
	}
	return f.nearBottomLocked(m)
}

// Force clears any user-scroll suppression. Callers with independent
// knowledge that following is appropriate (for example, a completed session
// load) pair this with an explicit scroll-to-bottom, bypassing both gates.
func (f *Follow) Force() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suppressedUntil = time.Time{}
}

// Reset drops all observations, for session switches.
func (f *Follow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = false
	f.lastTop = 0
	f.lastHeight = 0
	f.suppressedUntil = time.Time{}
}

func (f *Follow) rebaseLocked(m Metrics) {
	f.lastTop = m.ScrollTop()
	f.lastHeight = m.ScrollHeight()
	f.seeded = true
}

func (f *Follow) nearBottomLocked(m Metrics) bool {
	bottom := m.ScrollHeight() - m.ViewHeight()
	if bottom <= 0 {
		return true // content fits, always follow
	}
	return m.ScrollTop() >= bottom-f.bottomSlack
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
