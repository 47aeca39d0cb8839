// Package storage persists the server channel registry in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// ChannelRecord is one persisted channel
type ChannelRecord struct {
	Name      string
	Published bool
	CreatedAt int64
	UpdatedAt int64
}

// ChannelStore keeps channel names and their published flag across restarts
type ChannelStore struct {
	db *sql.DB
}

// NewChannelStore opens or creates the database at dbPath. ":memory:" is
// accepted for tests.
func NewChannelStore(dbPath string) (*ChannelStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	store := &ChannelStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *ChannelStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		name TEXT PRIMARY KEY COLLATE NOCASE,
		published INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveChannel inserts a channel or updates its published flag. A channel
// that was published stays published.
func (s *ChannelStore) SaveChannel(name string, published bool) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO channels (name, published, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			published = MAX(channels.published, excluded.published),
			updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, name, published, now, now); err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel. Deleting an unknown channel is not an error.
func (s *ChannelStore) DeleteChannel(name string) error {
	if _, err := s.db.Exec(`DELETE FROM channels WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}

// GetChannel returns one channel or ErrNotFound
func (s *ChannelStore) GetChannel(name string) (*ChannelRecord, error) {
	rec := &ChannelRecord{}
	err := s.db.QueryRow(
		`SELECT name, published, created_at, updated_at FROM channels WHERE name = ?`, name,
	).Scan(&rec.Name, &rec.Published, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return rec, nil
}

// Records returns every channel ordered by creation
func (s *ChannelStore) Records() ([]*ChannelRecord, error) {
	rows, err := s.db.Query(`SELECT name, published, created_at, updated_at FROM channels ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var out []*ChannelRecord
	for rows.Next() {
		rec := &ChannelRecord{}
		if err := rows.Scan(&rec.Name, &rec.Published, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListChannels maps every channel name to its published flag
func (s *ChannelStore) ListChannels() (map[string]bool, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(records))
	for _, rec := range records {
		out[rec.Name] = rec.Published
	}
	return out, nil
}

// Close closes the database
func (s *ChannelStore) Close() error {
	return s.db.Close()
}
