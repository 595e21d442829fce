// Package store caches built images in a local SQLite database, keyed by
// the hex SHA-256 of their wire encoding.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrImageNotFound indicates the requested image doesn't exist
var ErrImageNotFound = errors.New("image not found")

// Store handles SQLite storage for built images
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates a store backed by the database at dbPath, creating the
// parent directory and schema as needed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Create table if needed
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS images (
		hash TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// OpenDefault opens the store at $FERRITE_STORE, or ~/.ferrite/store.db.
func OpenDefault() (*Store, error) {
	dbPath := os.Getenv("FERRITE_STORE")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home dir: %w", err)
		}
		dbPath = filepath.Join(home, ".ferrite", "store.db")
	}
	return Open(dbPath)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores one encoded image under its content hash and returns the hash.
// Re-putting the same content refreshes its name and timestamp.
func (s *Store) Put(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO images (hash, name, data, created_at) VALUES (?, ?, ?, ?)",
		hash, name, data, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("saving image: %w", err)
	}

	return hash, nil
}

// Get retrieves an image's encoded bytes by full content hash.
func (s *Store) Get(hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM images WHERE hash = ?", hash).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("querying image: %w", err)
	}
	return data, nil
}

// GetByName retrieves the most recently stored image with the given name.
func (s *Store) GetByName(name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT data FROM images WHERE name = ? ORDER BY created_at DESC LIMIT 1",
		name,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("querying image: %w", err)
	}
	return data, nil
}

// Entry describes one stored image.
type Entry struct {
	Hash      string
	Name      string
	Size      int64
	CreatedAt time.Time
}

// List returns all stored images, newest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(
		"SELECT hash, name, length(data), created_at FROM images ORDER BY created_at DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("querying images: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ns int64
		if err := rows.Scan(&e.Hash, &e.Name, &e.Size, &ns); err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		e.CreatedAt = time.Unix(0, ns)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes an image from the store.
func (s *Store) Delete(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM images WHERE hash = ?", hash)
	if err != nil {
		return fmt.Errorf("deleting image: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting image: %w", err)
	}
	if n == 0 {
		return ErrImageNotFound
	}
	return nil
}
