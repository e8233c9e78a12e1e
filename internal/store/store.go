// Package store persists completed conversation turns. The conversation
// machine hands a turn over at each turn boundary; everything else about the
// conversation lives only in memory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/auravoice/aura/internal/logging"
)

// Turn is one completed listen/process/respond cycle.
type Turn struct {
	ID         string
	StartedAt  time.Time
	EndedAt    time.Time
	Transcript string
	ReplyText  string
	Transport  string // "peer" or "fallback"
	DurationMS int64  // recorded audio duration
}

// TurnMeta is the listing view of a stored turn, without the texts.
type TurnMeta struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Transport string
}

// Store is the sqlite-backed turn archive.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER NOT NULL,
	transcript  TEXT NOT NULL DEFAULT '',
	reply_text  TEXT NOT NULL DEFAULT '',
	transport   TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_turns_started_at ON turns(started_at);
`

// Open creates the database file if needed and ensures the schema exists.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite does not handle concurrent writers well; serialize through one
	// connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logging.Infof("[store] turn database ready at %s", path)
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces one completed turn.
func (s *Store) Save(t Turn) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO turns (id, started_at, ended_at, transcript, reply_text, transport, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.StartedAt.UnixMilli(), t.EndedAt.UnixMilli(),
		t.Transcript, t.ReplyText, t.Transport, t.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("save turn %s: %w", t.ID, err)
	}
	return nil
}

// ListMetadata returns stored turn metadata, newest first.
func (s *Store) ListMetadata() ([]TurnMeta, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, ended_at, transport
		FROM turns ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []TurnMeta
	for rows.Next() {
		var m TurnMeta
		var started, ended int64
		if err := rows.Scan(&m.ID, &started, &ended, &m.Transport); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		m.StartedAt = time.UnixMilli(started)
		m.EndedAt = time.UnixMilli(ended)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get loads one turn in full.
func (s *Store) Get(id string) (*Turn, error) {
	var t Turn
	var started, ended int64
	err := s.db.QueryRow(`
		SELECT id, started_at, ended_at, transcript, reply_text, transport, duration_ms
		FROM turns WHERE id = ?`, id).
		Scan(&t.ID, &started, &ended, &t.Transcript, &t.ReplyText, &t.Transport, &t.DurationMS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("turn %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load turn %s: %w", id, err)
	}
	t.StartedAt = time.UnixMilli(started)
	t.EndedAt = time.UnixMilli(ended)
	return &t, nil
}

// Delete removes one stored turn. Deleting a missing id is a no-op.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM turns WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete turn %s: %w", id, err)
	}
	return nil
}
