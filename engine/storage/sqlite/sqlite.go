// Package sqlite implements a workflow persistence backend using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/micromdm/nanoupdate/engine/storage"

	_ "github.com/mattn/go-sqlite3"
)

// The store holds at most one record: the active deployment.
const schema = `
CREATE TABLE IF NOT EXISTS workflow_record (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	record TEXT NOT NULL
);`

// SQLite is a SQLite-backed workflow persistence backend.
type SQLite struct {
	db *sql.DB
}

// New creates and initializes a SQLite persistence store at path.
func New(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// StoreWorkflow implements the storage interface method.
func (s *SQLite) StoreWorkflow(ctx context.Context, pw *storage.PersistedWorkflow) error {
	if err := pw.Validate(); err != nil {
		return fmt.Errorf("validating persisted workflow: %w", err)
	}
	raw, err := json.Marshal(pw)
	if err != nil {
		return fmt.Errorf("marshal persisted workflow: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workflow_record (id, record) VALUES (0, ?)
		 ON CONFLICT (id) DO UPDATE SET record = excluded.record;`,
		string(raw),
	)
	return err
}

// RetrieveWorkflow implements the storage interface method.
func (s *SQLite) RetrieveWorkflow(ctx context.Context) (*storage.PersistedWorkflow, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM workflow_record WHERE id = 0;`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading persisted workflow: %w", err)
	}
	pw := new(storage.PersistedWorkflow)
	if err = json.Unmarshal([]byte(raw), pw); err != nil {
		return nil, storage.NewErrCorrupt(err)
	}
	if err = pw.Validate(); err != nil {
		return nil, storage.NewErrCorrupt(err)
	}
	return pw, nil
}

// DeleteWorkflow implements the storage interface method.
func (s *SQLite) DeleteWorkflow(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_record WHERE id = 0;`)
	return err
}
