package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/gyaneshwarpardhi/reactsink/internal/reaction"
)

// Store is the persistent half of the repository: reaction records plus
// execution history, in SQLite. The external web layer owns record creation;
// the sink writes only lastrun and history rows.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS reactions (
	id            TEXT PRIMARY KEY,
	rtype         TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	trigger_count INTEGER NOT NULL DEFAULT 0,
	frequency     INTEGER NOT NULL DEFAULT 0,
	lastrun       INTEGER NOT NULL DEFAULT 0,
	data          TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS reaction_runs (
	id          TEXT PRIMARY KEY,
	reaction_id TEXT NOT NULL,
	uid         TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	run_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_reaction ON reaction_runs(reaction_id, run_at DESC);
`

// OpenStore opens (and creates if needed) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers a single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get loads one reaction record. Returns ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*reaction.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rtype, name, trigger_count, frequency, lastrun, data FROM reactions WHERE id = ?`, id)

	var rec reaction.Record
	var rawData string
	err := row.Scan(&rec.ID, &rec.RType, &rec.Name, &rec.Trigger, &rec.Frequency, &rec.LastRun, &rawData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: reaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get reaction %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(rawData), &rec.Data); err != nil {
		return nil, fmt.Errorf("store: reaction %s data: %w", id, err)
	}
	return &rec, nil
}

// Put inserts or replaces a reaction record. This is the surface the external
// CRUD layer writes through; the sink itself uses it only for seeding.
func (s *Store) Put(ctx context.Context, rec *reaction.Record) error {
	data := rec.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("store: marshal reaction %s data: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reactions (id, rtype, name, trigger_count, frequency, lastrun, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			rtype = excluded.rtype, name = excluded.name,
			trigger_count = excluded.trigger_count, frequency = excluded.frequency,
			data = excluded.data`,
		rec.ID, rec.RType, rec.Name, rec.Trigger, rec.Frequency, rec.LastRun, string(raw))
	if err != nil {
		return fmt.Errorf("store: put reaction %s: %w", rec.ID, err)
	}
	return nil
}

// RecordRun appends a history row and, for non-Skipped outcomes, advances
// lastrun. Both happen in one transaction; lastrun never moves backward.
func (s *Store) RecordRun(ctx context.Context, res *reaction.ExecutionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin record run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reaction_runs (id, reaction_id, uid, outcome, detail, run_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), res.ReactionID, res.UID, string(res.Outcome), res.Detail, res.At.Unix())
	if err != nil {
		return fmt.Errorf("store: append run for %s: %w", res.ReactionID, err)
	}

	if res.Outcome != reaction.Skipped {
		_, err = tx.ExecContext(ctx,
			`UPDATE reactions SET lastrun = MAX(lastrun, ?) WHERE id = ?`,
			res.At.Unix(), res.ReactionID)
		if err != nil {
			return fmt.Errorf("store: advance lastrun for %s: %w", res.ReactionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit record run for %s: %w", res.ReactionID, err)
	}
	return nil
}

// Runs returns the most recent history entries for a reaction, newest first.
func (s *Store) Runs(ctx context.Context, reactionID string, limit int) ([]reaction.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reaction_id, uid, outcome, detail, run_at
		 FROM reaction_runs WHERE reaction_id = ? ORDER BY run_at DESC LIMIT ?`,
		reactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs for %s: %w", reactionID, err)
	}
	defer rows.Close()

	var out []reaction.Run
	for rows.Next() {
		var r reaction.Run
		var at int64
		var outcome string
		if err := rows.Scan(&r.ID, &r.ReactionID, &r.UID, &outcome, &r.Detail, &at); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.Outcome = reaction.Outcome(outcome)
		r.RunAt = time.Unix(at, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
