// Copyright 2024-2026 Aiku AI

// Package remotestore is the durable remote identity cache: a small
// SQLite-backed key→value store mapping third-party user IDs to cached
// profile data, populated lazily by the relay engine.
package remotestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aiku/mautrix-puppet/pkg/bridge"
)

const schema = `
CREATE TABLE IF NOT EXISTS remote_users (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);
`

// Store is a SQLite-backed bridge.RemoteUserStore.
type Store struct {
	db *sql.DB
}

var _ bridge.RemoteUserStore = (*Store)(nil)

// Open creates or opens the store at the given path. ":memory:" gives an
// ephemeral store for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("remote user store path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote user store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping remote user store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize remote user store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached record for a third-party user, or nil when the
// user has never been cached.
func (s *Store) Get(ctx context.Context, userID string) (*bridge.RemoteUserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, avatar_url FROM remote_users WHERE user_id = ?`, userID)
	var rec bridge.RemoteUserRecord
	err := row.Scan(&rec.UserID, &rec.DisplayName, &rec.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read remote user %q: %w", userID, err)
	}
	return &rec, nil
}

// Put inserts or refreshes a record.
func (s *Store) Put(ctx context.Context, rec bridge.RemoteUserRecord) error {
	if rec.UserID == "" {
		return fmt.Errorf("remote user record has empty user ID")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_users (user_id, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url   = excluded.avatar_url,
			updated_at   = excluded.updated_at`,
		rec.UserID, rec.DisplayName, rec.AvatarURL, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store remote user %q: %w", rec.UserID, err)
	}
	return nil
}

// Delete removes a record, forcing a refetch on next contact.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM remote_users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete remote user %q: %w", userID, err)
	}
	return nil
}
