package learning

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// The parent directory is created if it doesn't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS learned_commands (
		recognized TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		confidence REAL NOT NULL,
		hit_count INTEGER NOT NULL DEFAULT 0,
		last_used DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_learned_last_used ON learned_commands(last_used);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save upserts one learned command keyed by its normalized recognized
// phrase. A later save for the same phrase wins.
func (s *SQLiteStore) Save(ctx context.Context, lc LearnedCommand) error {
	lc.Recognized = Normalize(lc.Recognized)
	if !lc.Valid() {
		return ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
	INSERT INTO learned_commands (recognized, command, confidence, hit_count, last_used)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(recognized) DO UPDATE SET
		command = excluded.command,
		confidence = excluded.confidence,
		hit_count = excluded.hit_count,
		last_used = excluded.last_used
	`

	_, err := s.db.ExecContext(ctx, query,
		lc.Recognized,
		lc.Command,
		lc.Confidence,
		lc.HitCount,
		lc.LastUsed.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save learned command: %w", err)
	}

	return nil
}

// Load returns all learned commands, most recently used first
func (s *SQLiteStore) Load(ctx context.Context) ([]LearnedCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT recognized, command, confidence, hit_count, last_used
	FROM learned_commands
	ORDER BY last_used DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load learned commands: %w", err)
	}
	defer rows.Close()

	var entries []LearnedCommand
	for rows.Next() {
		var lc LearnedCommand
		var lastUsed string

		if err := rows.Scan(&lc.Recognized, &lc.Command, &lc.Confidence, &lc.HitCount, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan learned command: %w", err)
		}

		lc.LastUsed, err = time.Parse(time.RFC3339Nano, lastUsed)
		if err != nil {
			return nil, fmt.Errorf("parse last_used: %w", err)
		}
		entries = append(entries, lc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learned commands: %w", err)
	}

	return entries, nil
}

// Delete removes one learned command
func (s *SQLiteStore) Delete(ctx context.Context, recognized string) error {
	recognized = Normalize(recognized)
	if recognized == "" {
		return ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM learned_commands WHERE recognized = ?", recognized)
	if err != nil {
		return fmt.Errorf("delete learned command: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Prune removes entries last used before the cutoff and reports how many
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM learned_commands WHERE last_used < ?",
		olderThan.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune learned commands: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
