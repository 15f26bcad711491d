// Package store persists session lifecycle records and assign snapshots in
// SQLite, so operators can inspect live and historical sessions and a
// rejoining client can be seeded with its last state.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %q: %w", path, err)
	}
	// SQLite tolerates one writer; the session registry funnels writes
	// through few goroutines but the driver still needs this cap.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionRecord is one session's lifecycle row.
type SessionRecord struct {
	Topic       string
	ViewName    string
	JoinedAt    time.Time
	ClosedAt    sql.NullTime
	CloseReason string
}

// RecordJoin inserts a session at join time. Rejoining the same topic
// resets its row.
func (s *Store) RecordJoin(ctx context.Context, topic, viewName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (topic, view_name, joined_at, closed_at, close_reason)
		VALUES (?, ?, ?, NULL, '')
		ON CONFLICT (topic) DO UPDATE SET
			view_name = excluded.view_name,
			joined_at = excluded.joined_at,
			closed_at = NULL,
			close_reason = ''`,
		topic, viewName, time.Now().UTC())
	return err
}

// RecordClose marks a session closed with its normalized reason.
func (s *Store) RecordClose(ctx context.Context, topic, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = ?, close_reason = ? WHERE topic = ?`,
		time.Now().UTC(), reason, topic)
	return err
}

// SaveSnapshot persists a session's current assigns as JSON.
func (s *Store) SaveSnapshot(ctx context.Context, topic string, assigns map[string]interface{}) error {
	encoded, err := json.Marshal(assigns)
	if err != nil {
		return fmt.Errorf("store: failed to encode assigns: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (topic, assigns, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (topic) DO UPDATE SET
			assigns = excluded.assigns,
			updated_at = excluded.updated_at`,
		topic, string(encoded), time.Now().UTC())
	return err
}

// LoadSnapshot returns the last saved assigns for a topic, or nil when none
// was saved.
func (s *Store) LoadSnapshot(ctx context.Context, topic string) (map[string]interface{}, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT assigns FROM snapshots WHERE topic = ?`, topic).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var assigns map[string]interface{}
	if err := json.Unmarshal([]byte(encoded), &assigns); err != nil {
		return nil, fmt.Errorf("store: failed to decode assigns: %w", err)
	}
	return assigns, nil
}

// Recent returns the most recently joined sessions, live ones first.
func (s *Store) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, view_name, joined_at, closed_at, close_reason
		FROM sessions
		ORDER BY closed_at IS NOT NULL, joined_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.Topic, &rec.ViewName, &rec.JoinedAt, &rec.ClosedAt, &rec.CloseReason); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeClosed deletes sessions closed before the cutoff, with their
// snapshots. It returns the number of sessions removed.
func (s *Store) PurgeClosed(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE topic IN (
			SELECT topic FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?
		)`, cutoff.UTC()); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
