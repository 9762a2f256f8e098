// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/jeranaias/relay-tui/internal/bus"
	"github.com/jeranaias/relay-tui/internal/engine"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/render"
	"github.com/jeranaias/relay-tui/internal/session"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
)

// =============================================================================
// MESSAGES
// =============================================================================

// tickMsg drives the display loop at the render frame rate.
type tickMsg time.Time

// chunkMsg carries one raw chunk read from the bot stream.
type chunkMsg string

// streamClosedMsg signals end of the bot stream.
type streamClosedMsg struct{ err error }

// statusMsg updates the status line.
type statusMsg string

// frameInterval aligns the event batcher's max delay with the display loop.
const frameInterval = 16 * time.Millisecond

// SendFunc delivers user input to the bot. Nil means display-only mode.
type SendFunc func(text string) error

// =============================================================================
// MODEL
// =============================================================================

// Model is the bubbletea model for the chat surface.
type Model struct {
	engine   *engine.Engine
	sessions *session.Controller
	bus      bus.Bus
	viewport *Viewport
	input    textinput.Model
	keys     KeyMap
	theme    *styles.Theme
	send     SendFunc

	stream io.Reader
	status string
	width  int
	height int
}

// NewModel assembles the chat model. stream is the bot's raw output; send
// carries user input back (nil disables the input line).
func NewModel(eng *engine.Engine, sessions *session.Controller, b bus.Bus, vp *Viewport, stream io.Reader, send SendFunc) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message, or /help"
	ti.Prompt = "> "
	ti.CharLimit = 4096
	ti.Focus()

	return Model{
		engine:   eng,
		sessions: sessions,
		bus:      b,
		viewport: vp,
		input:    ti,
		keys:     DefaultKeyMap(),
		theme:    styles.NewTheme(),
		send:     send,
		stream:   stream,
	}
}

// Init starts the display tick and the stream pump.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tick(), textinput.Blink}
	if m.stream != nil {
		cmds = append(cmds, readChunk(m.stream))
	}
	return tea.Batch(cmds...)
}

func tick() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// readChunk reads the next chunk from the bot stream. Chunk boundaries are
// arbitrary; the frame parser reassembles whatever arrives.
func readChunk(r io.Reader) tea.Cmd {
	return func() tea.Msg {
		buf := make([]byte, 4096)
		n, err := r.Read(buf)
		if n > 0 {
			return chunkMsg(buf[:n])
		}
		if err != nil {
			return streamClosedMsg{err: err}
		}
		return chunkMsg("")
	}
}

// =============================================================================
// UPDATE
// =============================================================================

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.engine.Tick()
		m.viewport.Tick()
		return m, tick()

	case chunkMsg:
		if msg != "" {
			m.engine.Feed(string(msg))
		}
		return m, readChunk(m.stream)

	case streamClosedMsg:
		if msg.err != nil && !errors.Is(msg.err, io.EOF) {
			m.status = fmt.Sprintf("stream closed: %v", msg.err)
		} else {
			m.status = "stream closed"
		}
		return m, nil

	case statusMsg:
		m.status = string(msg)
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// One line each for the status bar and the input line.
		m.viewport.SetSize(msg.Width, msg.Height-2)
		m.input.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.ScrollUp):
		m.viewport.ScrollBy(-1)
		m.engine.Follow().OnUserScrolled(m.viewport)
		return m, nil

	case key.Matches(msg, m.keys.ScrollDown):
		m.viewport.ScrollBy(1)
		m.engine.Follow().OnUserScrolled(m.viewport)
		return m, nil

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.PageUp()
		m.engine.Follow().OnUserScrolled(m.viewport)
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.PageDown()
		m.engine.Follow().OnUserScrolled(m.viewport)
		return m, nil

	case key.Matches(msg, m.keys.Bottom):
		m.engine.Follow().Force()
		m.viewport.ScrollToBottom()
		return m, nil

	case key.Matches(msg, m.keys.ToggleTool):
		if id := m.viewport.LastToolCallID(); id != "" {
			if call, ok := m.engine.Tools().Get(id); ok {
				if call.Expanded {
					m.engine.Tools().Collapse(id)
				} else {
					m.engine.Tools().Expand(id)
				}
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.Send):
		return m.handleSubmit()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleSubmit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.Reset()

	if strings.HasPrefix(text, "/") {
		return m.handleCommand(text)
	}

	// Echo the user message immediately; the bot's reply streams back in.
	m.viewport.Append(render.MessageNode(&model.Message{
		ID:        "user_" + uuid.NewString(),
		SessionID: m.sessions.CurrentSessionID(),
		Role:      model.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}))
	m.engine.Follow().Force()
	m.viewport.ScrollToBottom()

	if m.send == nil {
		return m, nil
	}
	send := m.send
	return m, func() tea.Msg {
		if err := send(text); err != nil {
			return statusMsg(fmt.Sprintf("send failed: %v", err))
		}
		return nil
	}
}

// =============================================================================
// VIEW
// =============================================================================

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.theme.StatusBar.Render(m.statusLine()))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m Model) statusLine() string {
	parts := []string{}

	if m.engine.Connected() {
		parts = append(parts, "connected")
	} else {
		parts = append(parts, "waiting for agent")
	}

	if id := m.sessions.CurrentSessionID(); id != "" {
		parts = append(parts, "session "+id)
	}
	if m.sessions.Syncing() {
		loaded, total := m.sessions.Progress()
		parts = append(parts, fmt.Sprintf("loading history %d/%d", loaded, total))
	}
	if m.engine.Streaming() {
		parts = append(parts, "streaming")
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	return strings.Join(parts, " · ")
}
