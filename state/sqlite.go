// Package state persists small pieces of client state across sessions.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS selections (
	user_id         TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLite stores the last selected conversation per user. It implements
// chatkit.SelectionStore.
type SQLite struct {
	Db *sql.DB
}

// Open opens (and migrates) the database at dsn, e.g. a file path or
// "file::memory:".
func Open(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec(`PRAGMA journal_mode=WAL;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)

	s := &SQLite{Db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	for _, stmt := range strings.Split(schema, ";\n") {
		st := strings.TrimSpace(stmt)
		if st == "" {
			continue
		}
		if _, err := s.Db.Exec(st); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.Db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.Db.Close()
}

// LoadSelection returns the stored conversation id, "" when none.
func (s *SQLite) LoadSelection(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.Db.QueryRowContext(ctx,
		`SELECT conversation_id FROM selections WHERE user_id = ?`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load selection: %w", err)
	}
	return id, nil
}

// SaveSelection upserts the selection; an empty conversationID deletes it.
func (s *SQLite) SaveSelection(ctx context.Context, userID, conversationID string) error {
	var err error
	if conversationID == "" {
		_, err = s.Db.ExecContext(ctx, `DELETE FROM selections WHERE user_id = ?`, userID)
	} else {
		_, err = s.Db.ExecContext(ctx, `
			INSERT INTO selections (user_id, conversation_id, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(user_id) DO UPDATE SET
				conversation_id = excluded.conversation_id,
				updated_at = excluded.updated_at`, userID, conversationID)
	}
	if err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	return nil
}
