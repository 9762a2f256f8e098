// relay TUI - terminal renderer for a streaming chat agent.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/relay-tui/internal/bus"
	"github.com/jeranaias/relay-tui/internal/config"
	"github.com/jeranaias/relay-tui/internal/engine"
	"github.com/jeranaias/relay-tui/internal/logging"
	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/retry"
	"github.com/jeranaias/relay-tui/internal/session"
	"github.com/jeranaias/relay-tui/internal/storage"
	"github.com/jeranaias/relay-tui/internal/ui/chat"
	"github.com/jeranaias/relay-tui/internal/ui/styles"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("relay %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Global()

	logDir, err := cfg.LogDir()
	if err != nil {
		return fmt.Errorf("resolve log dir: %w", err)
	}
	logging.Init(logging.Config{
		LogDir:     logDir,
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	log := logging.Logger()
	log.Info("relay starting", "version", Version)

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return fmt.Errorf("resolve database path: %w", err)
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	sessionBus := bus.NewLocal(store)

	viewport := chat.NewViewport(styles.NewTheme())
	sessions := session.New(sessionBus, viewport, session.Config{
		PageSize:   cfg.Session.PageSize,
		RecentTail: cfg.Session.RecentTail,
		Throttle:   cfg.Session.Throttle(),
		Retry: retry.Config{
			MaxAttempts: cfg.Session.RetryAttempts,
			BaseDelay:   cfg.Session.RetryBase(),
		},
	})
	defer sessions.Close()

	eng := engine.New(viewport, sessions, engine.Config{
		BatchSize:    cfg.Batch.Size,
		MaxDelay:     cfg.Batch.MaxDelay(),
		MaxBuffer:    cfg.Stream.MaxBufferMB * 1024 * 1024,
		CleanupDelay: cfg.ToolCall.CleanupDelay(),

		BottomSlack:    cfg.Scroll.BottomSlack,
		ScrollDebounce: cfg.Scroll.Debounce(),
		OnTurnDone: func(messageID, content string) {
			persistTurn(store, sessions, log, content)
		},
	})

	// Hot-reload config file edits into config.Global.
	if path, err := config.ConfigPath(); err == nil {
		if w, werr := config.NewWatcher(path, 0, nil); werr == nil {
			if werr := w.Watch(); werr == nil {
				defer w.Close()
			}
		}
	}

	// Resume the most recently used session, if any.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if metas, err := sessionBus.List(ctx); err == nil && len(metas) > 0 {
		if _, err := sessions.SwitchSession(ctx, metas[0].ID); err != nil {
			log.Warn("could not resume last session", "error", err)
		}
	}
	cancel()

	// The agent's framed stream arrives on stdin; user input echoes locally
	// until a return transport is attached.
	m := chat.NewModel(eng, sessions, sessionBus, viewport, os.Stdin, nil)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("ui error: %w", err)
	}

	log.Info("relay exiting")
	return nil
}

// persistTurn writes a completed assistant turn into the current session's
// history. Turns that finish with no session current are dropped.
func persistTurn(store *storage.Store, sessions *session.Controller, log *slog.Logger, content string) {
	sid := sessions.CurrentSessionID()
	if sid == "" || content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.AppendMessage(ctx, sid, model.RoleAssistant, content); err != nil {
		log.Warn("could not persist assistant turn", "session_id", sid, "error", err)
	}
}
