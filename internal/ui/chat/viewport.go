// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the terminal chat surface and its update loop.
package chat

import (
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/render"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
)

// =============================================================================
// CHAT VIEWPORT - the production render.Surface
// =============================================================================

// Viewport is the scrollable chat area. It implements render.Surface for the
// ingestion engine and the session controller; both mutate it from goroutines
// outside the bubbletea loop, so every method takes the lock.
type Viewport struct {
	mu sync.Mutex

	vp     viewport.Model
	nodes  []render.Node
	width  int
	height int
	theme  *styles.Theme

	// idle holds callbacks deferred until the display loop has a quiet
	// frame. Drained by Tick.
	idle []func()

	dirty  bool
	bottom bool // jump to bottom on next rebuild
}

// NewViewport creates a chat viewport with the given theme.
func NewViewport(theme *styles.Theme) *Viewport {
	vp := viewport.New(80, 20)
	vp.Style = lipgloss.NewStyle()
	return &Viewport{
		vp:     vp,
		width:  80,
		height: 20,
		theme:  theme,
	}
}

// SetSize updates the viewport dimensions and reflows content.
func (v *Viewport) SetSize(width, height int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.width = width
	v.height = height
	v.vp.Width = width
	v.vp.Height = height
	v.dirty = true
}

// =============================================================================
// render.Surface
// =============================================================================

func (v *Viewport) Append(n render.Node) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nodes = append(v.nodes, n)
	v.dirty = true
}

func (v *Viewport) PrependBatch(ns []render.Node) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nodes = append(append([]render.Node(nil), ns...), v.nodes...)
	v.dirty = true
}

func (v *Viewport) ReplacePlaceholder(id string, ns []render.Node) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, n := range v.nodes {
		if n.Kind == render.KindPlaceholder && n.ID == id {
			out := append([]render.Node(nil), v.nodes[:i]...)
			out = append(out, ns...)
			out = append(out, v.nodes[i+1:]...)
			v.nodes = out
			v.dirty = true
			return
		}
	}
}

func (v *Viewport) UpdateNode(n render.Node) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.nodes {
		if v.nodes[i].ID == n.ID {
			v.nodes[i] = n
			v.dirty = true
			return
		}
	}
	v.nodes = append(v.nodes, n)
	v.dirty = true
}

func (v *Viewport) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nodes = nil
	v.idle = nil
	v.dirty = true
}

func (v *Viewport) ScrollTop() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vp.YOffset
}

func (v *Viewport) ScrollHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vp.TotalLineCount()
}

func (v *Viewport) ViewHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vp.Height
}

func (v *Viewport) ScrollToBottom() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bottom = true
	v.dirty = true
}

func (v *Viewport) ScheduleIdle(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.idle = append(v.idle, fn)
}

// =============================================================================
// DISPLAY LOOP INTEGRATION
// =============================================================================

// Tick runs one display frame: drains deferred callbacks, then rebuilds the
// viewport content if anything changed. Called from the bubbletea update
// loop, once per frame.
func (v *Viewport) Tick() {
	v.mu.Lock()
	fns := v.idle
	v.idle = nil
	v.mu.Unlock()
	for _, fn := range fns {
		fn()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.dirty {
		return
	}
	v.vp.SetContent(v.renderLocked())
	if v.bottom {
		v.vp.GotoBottom()
		v.bottom = false
	}
	v.dirty = false
}

// ScrollBy moves the view by delta lines (negative is up).
func (v *Viewport) ScrollBy(delta int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if delta < 0 {
		v.vp.LineUp(-delta)
	} else {
		v.vp.LineDown(delta)
	}
}

// PageUp and PageDown move by a full view height.
func (v *Viewport) PageUp()   { v.ScrollBy(-v.ViewHeight()) }
func (v *Viewport) PageDown() { v.ScrollBy(v.ViewHeight()) }

// View renders the viewport for the bubbletea frame.
func (v *Viewport) View() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vp.View()
}

// NodeCount returns how many nodes the surface holds.
func (v *Viewport) NodeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.nodes)
}

// LastToolCallID returns the id of the newest tool-call node, for the
// expand/collapse key binding. Empty when none is shown.
func (v *Viewport) LastToolCallID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := len(v.nodes) - 1; i >= 0; i-- {
		if v.nodes[i].Kind == render.KindToolCall {
			return strings.TrimPrefix(v.nodes[i].ID, "tool_")
		}
	}
	return ""
}

// =============================================================================
// RENDERING
// =============================================================================

func (v *Viewport) renderLocked() string {
	var b strings.Builder
	for i, n := range v.nodes {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(v.renderNodeLocked(n))
		b.WriteString("\n")
	}
	return b.String()
}

func (v *Viewport) renderNodeLocked(n render.Node) string {
	switch n.Kind {
	case render.KindMessage:
		return v.renderMessageLocked(n.Message)
	case render.KindToolCall:
		return v.renderToolLocked(n.Text)
	case render.KindPlaceholder:
		return v.theme.Placeholder.Render(n.Text)
	case render.KindNotice:
		return v.theme.Notice.Render(wrap(n.Text, v.width))
	}
	return n.Text
}

func (v *Viewport) renderMessageLocked(msg *model.Message) string {
	if msg == nil {
		return ""
	}

	var header lipgloss.Style
	switch msg.Role {
	case model.RoleUser:
		header = v.theme.UserHeader
	case model.RoleAssistant:
		header = v.theme.AssistantHeader
	default:
		header = v.theme.SystemHeader
	}

	var b strings.Builder
	b.WriteString(header.Render(msg.Role.DisplayName()))
	b.WriteString("\n")
	b.WriteString(v.theme.Body.Render(wrap(msg.Content, v.width)))
	return b.String()
}

func (v *Viewport) renderToolLocked(text string) string {
	style := v.theme.ToolRunning
	switch {
	case strings.HasPrefix(text, "✓"):
		style = v.theme.ToolDone
	case strings.HasPrefix(text, "✗"):
		style = v.theme.ToolFailed
	}
	return style.Render(wrap(text, v.width))
}

// wrap breaks text at display width. UNICODE: widths are measured with
// runewidth so CJK and emoji do not overflow the terminal cell grid.
func wrap(text string, width int) string {
	if width <= 0 {
		return text
	}

	var out strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(wrapLine(line, width))
	}
	return out.String()
}

func wrapLine(line string, width int) string {
	if runewidth.StringWidth(line) <= width {
		return line
	}

	var out strings.Builder
	var cur strings.Builder
	curWidth := 0
	for _, r := range line {
		rw := runewidth.RuneWidth(r)
		if curWidth+rw > width {
			out.WriteString(cur.String())
			out.WriteString("\n")
			cur.Reset()
			curWidth = 0
		}
		cur.WriteRune(r)
		curWidth += rw
	}
	out.WriteString(cur.String())
	return out.String()
}
