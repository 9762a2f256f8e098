// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/session"
)

// commandTimeout bounds every bus round trip issued from the input line.
const commandTimeout = 10 * time.Second

// handleCommand runs one slash command. Unknown commands set the status line
// rather than erroring.
func (m Model) handleCommand(text string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		return m, status(
			"/sessions /new [title] /switch <id> /rename <title> /summary /clear /delete /help")

	case "/sessions":
		return m, m.listSessions()

	case "/new":
		return m, m.newSession(strings.Join(args, " "))

	case "/switch":
		if len(args) != 1 {
			return m, status("usage: /switch <session-id>")
		}
		return m, m.switchSession(args[0])

	case "/rename":
		if len(args) == 0 {
			return m, status("usage: /rename <new title>")
		}
		return m, m.renameSession(strings.Join(args, " "))

	case "/summary":
		return m, m.summarizeSession()

	case "/clear":
		return m, m.clearSession()

	case "/delete":
		return m, m.deleteSession()

	default:
		return m, status(fmt.Sprintf("unknown command %s (try /help)", cmd))
	}
}

func status(s string) tea.Cmd {
	return func() tea.Msg { return statusMsg(s) }
}

func (m Model) listSessions() tea.Cmd {
	b := m.bus
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		metas, err := b.List(ctx)
		if err != nil {
			return statusMsg(fmt.Sprintf("list failed: %v", err))
		}
		if len(metas) == 0 {
			return statusMsg("no sessions")
		}

		parts := make([]string, 0, len(metas))
		for _, meta := range metas {
			parts = append(parts, fmt.Sprintf("%s (%s, %d msgs)", meta.ID, meta.Title, meta.MessageCount))
		}
		return statusMsg(strings.Join(parts, " | "))
	}
}

func (m Model) newSession(title string) tea.Cmd {
	b, sessions := m.bus, m.sessions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sess, err := b.New(ctx, title, model.ReasonExplicit)
		if err != nil {
			return statusMsg(fmt.Sprintf("new session failed: %v", err))
		}
		if _, err := sessions.SwitchSession(ctx, sess.ID); err != nil {
			return statusMsg(fmt.Sprintf("created %s but switch failed: %v", sess.ID, err))
		}
		return statusMsg("created " + sess.ID)
	}
}

func (m Model) switchSession(id string) tea.Cmd {
	sessions := m.sessions
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		res, err := sessions.SwitchSession(ctx, id)
		if err != nil {
			if err == session.ErrAlreadyCurrent {
				return statusMsg("already on " + id)
			}
			return statusMsg(fmt.Sprintf("switch failed: %v", err))
		}
		return statusMsg(fmt.Sprintf("switched to %s (%d/%d messages)", id, res.LoadedCount, res.TotalCount))
	}
}

func (m Model) renameSession(title string) tea.Cmd {
	b, id := m.bus, m.sessions.CurrentSessionID()
	return func() tea.Msg {
		if id == "" {
			return statusMsg("no current session")
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		if err := b.Rename(ctx, id, title); err != nil {
			return statusMsg(fmt.Sprintf("rename failed: %v", err))
		}
		return statusMsg("renamed to " + title)
	}
}

func (m Model) summarizeSession() tea.Cmd {
	b, id := m.bus, m.sessions.CurrentSessionID()
	return func() tea.Msg {
		if id == "" {
			return statusMsg("no current session")
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		summary, err := b.Summarize(ctx, id)
		if err != nil {
			return statusMsg(fmt.Sprintf("summarize failed: %v", err))
		}
		return statusMsg(summary)
	}
}

func (m Model) clearSession() tea.Cmd {
	b, id := m.bus, m.sessions.CurrentSessionID()
	vp := m.viewport
	return func() tea.Msg {
		if id == "" {
			return statusMsg("no current session")
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		if err := b.Clear(ctx, id); err != nil {
			return statusMsg(fmt.Sprintf("clear failed: %v", err))
		}
		vp.Clear()
		return statusMsg("cleared " + id)
	}
}

func (m Model) deleteSession() tea.Cmd {
	b, id := m.bus, m.sessions.CurrentSessionID()
	vp := m.viewport
	return func() tea.Msg {
		if id == "" {
			return statusMsg("no current session")
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		if err := b.Delete(ctx, id); err != nil {
			return statusMsg(fmt.Sprintf("delete failed: %v", err))
		}
		vp.Clear()
		return statusMsg("deleted " + id)
	}
}
