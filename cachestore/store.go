// Package cachestore implements D2: a SQLite-backed persistence collaborator
// for CompilationCache rows, keyed by clip hash. spec.md explicitly declines
// to standardize a disk format for CompilationCache ("any persistence is a
// collaborator's concern") -- cachestore is one concrete, swappable
// implementation of that concern, grounded on ParkWardRR-cartomix's
// internal/storage/db.go use of database/sql + mattn/go-sqlite3. It is never
// imported by internal/compiler or internal/cache.
package cachestore

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a SQLite connection holding one table: compilation_cache rows
// keyed by the clip hash hex string, storing the cachejson-encoded
// CompilationCache blob plus a last-written timestamp.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the SQLite database at path and ensures
// the compilation_cache table exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("cachestore: open: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cachestore: enable WAL: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS compilation_cache (
			hash       TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("cachestore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts the cached blob for hash.
func (s *Store) Put(hash string, blob []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO compilation_cache (hash, blob, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(hash) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		hash, blob,
	)
	if err != nil {
		s.logger.Warn("cachestore: put failed", "hash", hash, "error", err)
		return fmt.Errorf("cachestore: put %q: %w", hash, err)
	}
	return nil
}

// Get returns the cached blob for hash, or ok=false if nothing is cached.
func (s *Store) Get(hash string) (blob []byte, ok bool, err error) {
	row := s.db.QueryRow(`SELECT blob FROM compilation_cache WHERE hash = ?`, hash)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cachestore: get %q: %w", hash, err)
	}
	return blob, true, nil
}

// Delete removes the cached row for hash, if present.
func (s *Store) Delete(hash string) error {
	_, err := s.db.Exec(`DELETE FROM compilation_cache WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("cachestore: delete %q: %w", hash, err)
	}
	return nil
}
