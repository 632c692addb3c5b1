package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrEventNotFound = errors.New("event not found")

// tsLayout sorts lexically in timestamp order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    ts         TEXT NOT NULL,
    decision   TEXT NOT NULL,
    path       TEXT NOT NULL,
    sha256     TEXT NOT NULL DEFAULT '',
    pid        INTEGER NOT NULL DEFAULT 0,
    uid        INTEGER NOT NULL DEFAULT 0,
    uploaded   INTEGER NOT NULL DEFAULT 0,
    body       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_uploaded_ts ON events(uploaded, ts);
`

// SQLiteStore persists execution events until they have been uploaded.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path. ":memory:" gives a
// private in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create event db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(createEventsSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save stores e. Saving the same id twice keeps the first copy.
func (s *SQLiteStore) Save(ctx context.Context, e *ExecutionEvent) error {
	body, err := marshalEvent(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, ts, decision, path, sha256, pid, uid, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(tsLayout),
		e.Decision,
		e.Path,
		e.SHA256,
		e.PID,
		e.UID,
		body,
	)
	if err != nil {
		return fmt.Errorf("save event %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*ExecutionEvent, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM events WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", id, err)
	}
	e, err := unmarshalEvent(body)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return e, nil
}

// Pending returns up to limit events not yet uploaded, oldest first.
func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]*ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM events WHERE uploaded = 0 ORDER BY ts LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionEvent
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e, err := unmarshalEvent(body)
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkUploaded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := s.db.ExecContext(ctx,
		`UPDATE events SET uploaded = 1 WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// PruneUploaded deletes uploaded events older than cutoff.
func (s *SQLiteStore) PruneUploaded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE uploaded = 1 AND ts < ?`, cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
