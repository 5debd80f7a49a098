// Package docstore persists documents in SQLite. Its errors carry retry
// categories so callers can run writes under a retry policy: lock contention is
// transient, constraint violations are conflicts.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/admit/retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("docstore: document not found")

// Document is a stored document.
type Document struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a SQLite-backed document store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and initialises the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("docstore: open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id         TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			title      TEXT NOT NULL CHECK (length(title) > 0),
			body       TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore: create table: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert stores doc. A duplicate id fails with a CategoryConflict error.
func (s *Store) Insert(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, owner, title, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Owner, doc.Title, doc.Body, doc.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return classify(fmt.Errorf("docstore: insert %s: %w", doc.ID, err))
	}
	return nil
}

// Get returns the document with id.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	var (
		doc     Document
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, title, body, created_at FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Owner, &doc.Title, &doc.Body, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, retry.Mark(retry.CategoryValidation, ErrNotFound)
	}
	if err != nil {
		return Document{}, classify(fmt.Errorf("docstore: get %s: %w", id, err))
	}
	doc.CreatedAt = time.UnixMilli(created).UTC()
	return doc, nil
}

// Count returns the number of documents owned by owner.
func (s *Store) Count(ctx context.Context, owner string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE owner = ?`, owner).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("docstore: count: %w", err))
	}
	return n, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func classify(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return retry.Transient(err)
	case sqlite3.SQLITE_CONSTRAINT:
		return retry.Mark(retry.CategoryConflict, err)
	case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
		return retry.Mark(retry.CategoryUnavailable, err)
	}
	return retry.Mark(retry.CategoryInternal, err)
}
