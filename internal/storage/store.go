// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides session and message persistence for relay-tui.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/relay-tui/internal/model"
	"github.com/jeranaias/relay-tui/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidOffset   = errors.New("invalid pagination offset")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT 'explicit',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_seq
	ON messages(session_id, seq);
`

// =============================================================================
// STORE
// =============================================================================

// Store is the sqlite-backed session and message store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// CreateSession inserts a new session and returns it.
func (s *Store) CreateSession(ctx context.Context, title string, reason model.CreateReason) (*model.Session, error) {
	now := time.Now().UTC()
	sess := &model.Session{
		ID:        "sess_" + uuid.NewString(),
		Title:     title,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, reason, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, string(sess.Reason), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, reason, created_at, updated_at FROM sessions WHERE id = ?`, id)

	var sess model.Session
	var reason string
	err := row.Scan(&sess.ID, &sess.Title, &reason, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	sess.Reason = model.CreateReason(reason)
	return &sess, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]model.SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
			COALESCE((SELECT m.content FROM messages m
				WHERE m.session_id = s.id AND m.role = 'user'
				ORDER BY m.seq LIMIT 1), '')
		FROM sessions s
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []model.SessionMeta
	for rows.Next() {
		var meta model.SessionMeta
		var preview string
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.CreatedAt, &meta.UpdatedAt,
			&meta.MessageCount, &preview); err != nil {
			return nil, err
		}
		meta.Preview = util.TruncateRunes(preview, 80)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// RenameSession updates a session title.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return s.checkAffected(res, id)
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return s.checkAffected(res, id)
}

// ClearMessages removes all messages of a session, keeping the session.
func (s *Store) ClearMessages(ctx context.Context, id string) error {
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
	return err
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AppendMessage adds a message at the end of a session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role model.Role, content string) (*model.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:        "msg_" + uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, role, content, created_at)
		VALUES (?, ?,
			COALESCE((SELECT MAX(seq) FROM messages WHERE session_id = ?), 0) + 1,
			?, ?, ?)`,
		msg.ID, sessionID, sessionID, string(msg.Role), msg.Content, msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, msg.Timestamp, sessionID)
	return msg, err
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// Tail returns the most recent limit messages in chronological order.
func (s *Store) Tail(ctx context.Context, sessionID string, limit int) ([]model.Message, error) {
	return s.PageBefore(ctx, sessionID, 0, limit)
}

// PageBefore returns up to limit messages, in chronological order, ending
// offset messages before the tail. Pagination walks backward in time: offset
// is the number of messages the caller already holds from the tail.
func (s *Store) PageBefore(ctx context.Context, sessionID string, offset, limit int) ([]model.Message, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: offset=%d limit=%d", ErrInvalidOffset, offset, limit)
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var msg model.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Role = model.Role(role)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query walks newest-first; flip back to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// FirstUserMessage returns a summary string derived from the first user
// message, used for session titles.
func (s *Store) FirstUserMessage(ctx context.Context, sessionID string) (string, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return "", err
	}
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM messages
		WHERE session_id = ? AND role = 'user'
		ORDER BY seq LIMIT 1`, sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "New conversation", nil
	}
	if err != nil {
		return "", err
	}
	return util.TruncateRunes(content, 50), nil
}
