// Package history keeps a local record of firmware updates in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/CuriousInventions/smartpaci-dfu/dfu"
)

// Store persists dfu.Report rows. It implements dfu.Recorder.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and creates the schema.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// a single connection keeps :memory: databases alive across calls
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS updates (
			session_id  TEXT PRIMARY KEY,
			version     TEXT NOT NULL,
			digest      TEXT NOT NULL,
			image_size  INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores r, replacing any earlier row for the same session.
func (s *Store) Record(ctx context.Context, r dfu.Report) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO updates(session_id, version, digest, image_size, outcome, error, started_at, finished_at)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET
  outcome=excluded.outcome,
  error=excluded.error,
  finished_at=excluded.finished_at
`,
		r.SessionID, r.Version, r.Digest, r.ImageSize, string(r.Outcome), r.Error,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record update %s: %w", r.SessionID, err)
	}
	log.Debug().
		Str("session", r.SessionID).
		Str("outcome", string(r.Outcome)).
		Msg("Update recorded")
	return nil
}

// List returns the most recent reports first. A limit of zero or less
// returns every row.
func (s *Store) List(ctx context.Context, limit int) ([]dfu.Report, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, version, digest, image_size, outcome, error, started_at, finished_at
FROM updates ORDER BY started_at DESC, session_id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var out []dfu.Report
	for rows.Next() {
		var (
			r                 dfu.Report
			outcome           string
			started, finished string
		)
		if err := rows.Scan(&r.SessionID, &r.Version, &r.Digest, &r.ImageSize, &outcome, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		r.Outcome = dfu.Outcome(outcome)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
