// Package sqlite persists the position set in a single table, one row per
// position, rewritten in full inside a transaction on every mutation.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"statarb-bot/internal/ledger"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS positions (
		position_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		record BLOB NOT NULL
	)`)
	return err
}

func (s *Store) Load(ctx context.Context) ([]ledger.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM positions ORDER BY position_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []ledger.Position
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		pos, err := ledger.DecodePosition(record)
		if err != nil {
			return nil, fmt.Errorf("decode position record: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func (s *Store) SaveAll(ctx context.Context, positions []ledger.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return err
	}
	for _, pos := range positions {
		record, err := pos.Encode()
		if err != nil {
			return fmt.Errorf("encode position %s: %w", pos.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO positions (position_id, status, record) VALUES (?, ?, ?)`,
			pos.ID, string(pos.Status), record,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}
