package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/rupak1811/permiso/internal/model"
)

// SQLiteStore implements Store using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single writer keeps ":memory:" databases on one connection and
	// serializes throttled activity writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Get returns the value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting key %q: %w", key, err)
	}
	return value, true, nil
}

// Set inserts or replaces the value stored under key.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting key %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("removing key %q: %w", key, err)
	}
	return nil
}

// RecordSessionEvent appends a session transition to the audit log.
// If the event has no ID, a new UUID is generated.
func (s *SQLiteStore) RecordSessionEvent(ctx context.Context, ev model.SessionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (id, state, reason, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.State, ev.Reason, ev.Detail, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording session event: %w", err)
	}
	return nil
}

// RecentSessionEvents returns up to limit audit entries, newest first.
func (s *SQLiteStore) RecentSessionEvents(ctx context.Context, limit int) ([]model.SessionEvent, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, state, reason, detail, created_at
		FROM session_events
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var events []model.SessionEvent
	for rows.Next() {
		ev, err := scanSessionEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// scanSessionEvent scans a session event row from a sqlx.Rows result set.
func scanSessionEvent(rows *sqlx.Rows) (model.SessionEvent, error) {
	var (
		ev        model.SessionEvent
		createdAt time.Time
	)

	err := rows.Scan(&ev.ID, &ev.State, &ev.Reason, &ev.Detail, &createdAt)
	if err != nil {
		return model.SessionEvent{}, fmt.Errorf("scanning session event row: %w", err)
	}
	ev.CreatedAt = createdAt

	return ev, nil
}
