package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists checkpoints to a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	name string
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path, name string) (*SQLiteStore, error) {
	if CheckpointKey(name) == "" {
		return nil, fmt.Errorf("invalid checkpoint name %q", name)
	}

	// Pragmas in the DSN apply to every pooled connection
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, name: name}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint store migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		last_mention_id TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func (s *SQLiteStore) LastMentionID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_mention_id FROM checkpoints WHERE name = ?`, s.name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query checkpoint: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) SetLastMentionID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (name, last_mention_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_mention_id = excluded.last_mention_id, updated_at = excluded.updated_at`,
		s.name, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
