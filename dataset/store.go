package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store keeps manuals in a SQLite table. Tags are stored as a JSON array.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pdf_manuals(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			file_path TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]'
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create pdf_manuals: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert adds manuals in one transaction.
func (s *Store) Insert(ctx context.Context, manuals ...Manual) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pdf_manuals(title, file_path, content, tags) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range manuals {
		tags := m.Tags
		if tags == nil {
			tags = []string{}
		}
		raw, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, m.Title, m.FilePath, m.Content, string(raw)); err != nil {
			return fmt.Errorf("insert %q: %w", m.Title, err)
		}
	}
	return tx.Commit()
}

// Manuals returns every stored manual in insertion order.
func (s *Store) Manuals(ctx context.Context) ([]Manual, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, file_path, content, tags FROM pdf_manuals ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Manual
	for rows.Next() {
		var m Manual
		var tags string
		if err := rows.Scan(&m.Title, &m.FilePath, &m.Content, &tags); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("manual %q: bad tags: %w", m.Title, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of stored manuals.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pdf_manuals`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
