package session

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pagewatch/platform/internal/apperr"
)

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	book_title TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	ended_at   INTEGER
);
CREATE TABLE IF NOT EXISTS snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	path        TEXT NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	dwell_ms    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id);
`

// Store is a SQLite-backed session store.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed initializes) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreWrite, "open database")
	}
	// Single writer keeps SQLITE_BUSY out of the hot path.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, apperr.Wrapf(err, apperr.CodeStoreWrite, "apply %s", p)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(err, apperr.CodeStoreWrite, "create schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a new open session.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, book_title, started_at) VALUES (?, ?, ?)`,
		sess.ID, sess.BookTitle, sess.StartedAt.UnixMilli())
	if err != nil {
		return writeErr(err, "insert session")
	}
	return nil
}

// EndSession stamps ended_at. Ending an already-ended session is a no-op.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		at.UnixMilli(), id)
	if err != nil {
		return writeErr(err, "end session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SetBookTitle updates a session's title, typically once the vision model
// has identified the book.
func (s *Store) SetBookTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET book_title = ? WHERE id = ?`, title, id)
	if err != nil {
		return writeErr(err, "set book title")
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, book_title, started_at, ended_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, book_title, started_at, ended_at FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreRead, "list sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AddSnapshot inserts a snapshot and returns its row id.
func (s *Store) AddSnapshot(ctx context.Context, snap Snapshot) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (session_id, path, text, fingerprint, dwell_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.SessionID, snap.Path, snap.Text, snap.Fingerprint,
		snap.DwellMS, snap.CreatedAt.UnixMilli())
	if err != nil {
		return 0, writeErr(err, "insert snapshot")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, writeErr(err, "snapshot id")
	}
	return id, nil
}

// SetSnapshotDwell backfills how long snapshot id stayed in view.
func (s *Store) SetSnapshotDwell(ctx context.Context, id int64, dwellMS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET dwell_ms = ? WHERE id = ?`, dwellMS, id)
	if err != nil {
		return writeErr(err, "set dwell")
	}
	return nil
}

// ListSnapshots returns a session's snapshots in capture order.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, path, text, fingerprint, dwell_ms, created_at
		 FROM snapshots WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreRead, "list snapshots")
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var created int64
		if err := rows.Scan(&snap.ID, &snap.SessionID, &snap.Path, &snap.Text,
			&snap.Fingerprint, &snap.DwellMS, &created); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeStoreRead, "scan snapshot")
		}
		snap.CreatedAt = time.UnixMilli(created)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// writeErr classifies write failures. SQLITE_BUSY and lock contention get
// their own retryable code; everything else is a plain write error.
func writeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") || strings.Contains(msg, "locked") {
		return apperr.Wrap(err, apperr.CodeStoreBusy, op)
	}
	return apperr.Wrap(err, apperr.CodeStoreWrite, op)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.BookTitle, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, apperr.Wrap(err, apperr.CodeStoreRead, "scan session")
	}
	sess.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}
