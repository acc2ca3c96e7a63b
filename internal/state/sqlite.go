// Package state persists the turn loop's single source of truth: the raw
// story text the model produced last turn. The story is stored as a BLOB so
// the round-trip is byte-exact, control characters and all; the next request
// must carry the model's previous output verbatim.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultDirMode  = 0o755
	defaultFileMode = 0o600
)

// TurnState is the durable loop state. A missing row is not an error: a
// cold start is an empty story at turn zero.
type TurnState struct {
	Story     string
	TurnIndex int
	UpdatedAt time.Time
}

// TurnRecord is one appended history row, kept for audit and replay.
type TurnRecord struct {
	RunID     string
	TurnIndex int
	Story     string
	Response  string
	Executed  []string
	Ignored   []string
	CreatedAt time.Time
}

type SQLiteStore struct {
	path string
	db   *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state store: db path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("state store: create dir: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{path: path, db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(path, defaultFileMode); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the current loop state. A store with no saved state yields
// the zero TurnState and no error.
func (s *SQLiteStore) Load(ctx context.Context) (TurnState, error) {
	if s == nil || s.db == nil {
		return TurnState{}, errors.New("state store: nil database")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT story, turn_index, updated_at
		FROM turn_state
		WHERE id = 1
	`)
	var story []byte
	var st TurnState
	if err := row.Scan(&story, &st.TurnIndex, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TurnState{}, nil
		}
		return TurnState{}, err
	}
	st.Story = string(story)
	return st, nil
}

// Save replaces the loop state. The write is a single upsert; a crash
// between turns leaves either the old state or the new one, never a blend.
func (s *SQLiteStore) Save(ctx context.Context, st TurnState) error {
	if s == nil || s.db == nil {
		return errors.New("state store: nil database")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_state (id, story, turn_index, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			story=excluded.story,
			turn_index=excluded.turn_index,
			updated_at=excluded.updated_at
	`, []byte(st.Story), st.TurnIndex, st.UpdatedAt)
	return err
}

// RecordTurn appends one turn to the history table and advances the loop
// state to the model's new output in the same transaction. The persisted
// turn_index is the index of the completed turn; the engine derives the
// next turn from it on load.
func (s *SQLiteStore) RecordTurn(ctx context.Context, rec TurnRecord) error {
	if s == nil || s.db == nil {
		return errors.New("state store: nil database")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	executed, err := json.Marshal(nonNil(rec.Executed))
	if err != nil {
		return err
	}
	ignored, err := json.Marshal(nonNil(rec.Ignored))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (run_id, turn_index, story, response, executed, ignored, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.TurnIndex, []byte(rec.Story), []byte(rec.Response), string(executed), string(ignored), rec.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turn_state (id, story, turn_index, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			story=excluded.story,
			turn_index=excluded.turn_index,
			updated_at=excluded.updated_at
	`, []byte(rec.Response), rec.TurnIndex, rec.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns the most recent turn records, newest first.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]TurnRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("state store: nil database")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, turn_index, story, response, executed, ignored, created_at
		FROM turns
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []TurnRecord{}
	for rows.Next() {
		var rec TurnRecord
		var story, response []byte
		var executed, ignored string
		if err := rows.Scan(&rec.RunID, &rec.TurnIndex, &story, &response, &executed, &ignored, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Story = string(story)
		rec.Response = string(response)
		if err := json.Unmarshal([]byte(executed), &rec.Executed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ignored), &rec.Ignored); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Reset clears the loop state and history.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("state store: nil database")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM turn_state`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turn_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			story BLOB NOT NULL,
			turn_index INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			story BLOB NOT NULL,
			response BLOB NOT NULL,
			executed TEXT NOT NULL,
			ignored TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_run ON turns(run_id, turn_index)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("state store: migrate: %w", err)
		}
	}
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
