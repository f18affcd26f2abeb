// Package state persists the last resume token per chat location, so a
// bare follow-up message (no explicit resume line, no reply) continues
// the most recent session in that chat or topic.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/yee94/takopi/pkg/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS resume_bindings (
    channel    TEXT NOT NULL,
    thread     TEXT NOT NULL DEFAULT '',
    engine     TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (channel, thread)
);
`

// Store is the sqlite-backed resume memory.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path, creating parent directories
// as needed.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastResume returns the token last bound to the chat location, or nil
// when none is stored.
func (s *Store) LastResume(ctx context.Context, channel, thread string) (*events.ResumeToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT engine, value FROM resume_bindings WHERE channel = ? AND thread = ?`,
		channel, thread)

	var token events.ResumeToken
	if err := row.Scan(&token.Engine, &token.Value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load resume binding: %w", err)
	}
	return &token, nil
}

// SetLastResume binds the token to the chat location, replacing any
// previous binding.
func (s *Store) SetLastResume(ctx context.Context, channel, thread string, token events.ResumeToken) error {
	if token.IsZero() {
		return fmt.Errorf("refusing to store empty resume token")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resume_bindings (channel, thread, engine, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel, thread) DO UPDATE SET
			engine = excluded.engine,
			value = excluded.value,
			updated_at = excluded.updated_at`,
		channel, thread, token.Engine, token.Value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store resume binding: %w", err)
	}
	return nil
}

// ClearResume drops the chat location's binding; a /new directive calls
// this so the next message starts a fresh session.
func (s *Store) ClearResume(ctx context.Context, channel, thread string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resume_bindings WHERE channel = ? AND thread = ?`,
		channel, thread)
	if err != nil {
		return fmt.Errorf("failed to clear resume binding: %w", err)
	}
	return nil
}
