package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/sortarena/internal/storage"

	_ "modernc.org/sqlite"
)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every pooled connection to ":memory:" would be a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRound(ctx context.Context, r *storage.Round) error {
	input, err := json.Marshal(r.Input)
	if err != nil {
		return fmt.Errorf("marshaling input: %w", err)
	}
	results, err := json.Marshal(r.Results)
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rounds (id, room_id, number, input, results, winner, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RoomID, r.Number, string(input), string(results), r.Winner(),
		r.StartedAt.UTC().Format(timeLayout), r.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting round: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRound(ctx context.Context, id string) (*storage.Round, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, number, input, results, started_at, finished_at
		FROM rounds WHERE id = ?`, id)
	r, err := scanRound(row)
	if err == nil {
		return r, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying round: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, number, input, results, started_at, finished_at
		FROM rounds WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying round: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous round prefix %q matches %d rounds", id, len(matches))
	}
}

func (s *SQLiteStore) ListRounds(ctx context.Context, opts storage.RoundListOptions) ([]storage.Round, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, room_id, number, input, results, started_at, finished_at FROM rounds`
	var args []any

	if opts.RoomID != "" {
		query += ` WHERE room_id = ?`
		args = append(args, opts.RoomID)
	}

	query += ` ORDER BY finished_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing rounds: %w", err)
	}
	defer rows.Close()

	var rounds []storage.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

func (s *SQLiteStore) DeleteRound(ctx context.Context, id string) error {
	// Resolve prefix first
	r, err := s.GetRound(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM rounds WHERE id = ?`, r.ID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner works with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRound(s scanner) (*storage.Round, error) {
	var r storage.Round
	var input, results, startedAt, finishedAt string
	if err := s.Scan(&r.ID, &r.RoomID, &r.Number, &input, &results, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &r.Input); err != nil {
		return nil, fmt.Errorf("unmarshaling input of round %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
		return nil, fmt.Errorf("unmarshaling results of round %s: %w", r.ID, err)
	}
	r.StartedAt, _ = time.Parse(timeLayout, startedAt)
	r.FinishedAt, _ = time.Parse(timeLayout, finishedAt)
	return &r, nil
}
