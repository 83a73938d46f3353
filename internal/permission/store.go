package permission

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// Store persists the per-token grant set as a json array of permission
// keys, one row per token.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenStore opens (or creates) permissions/permissions.db under dir.
func OpenStore(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "permissions.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open permission store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_permissions (
			token TEXT PRIMARY KEY,
			permissions TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init permission schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Grants returns the permission identifiers granted to a token.
func (s *Store) Grants(token string) ([]protocol.Identifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grantsLocked(token)
}

func (s *Store) grantsLocked(token string) ([]protocol.Identifier, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT permissions FROM session_permissions WHERE token = ?`, token,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decode grants: %w", err)
	}
	ids := make([]protocol.Identifier, 0, len(keys))
	for _, key := range keys {
		id, err := protocol.ParseIdentifier(key)
		if err != nil {
			return nil, fmt.Errorf("decode grant %q: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Grant merges permission identifiers into a token's grant set. The
// read-modify-write runs inside one short critical section.
func (s *Store) Grant(token string, ids ...protocol.Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.grantsLocked(token)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing)+len(ids))
	keys := make([]string, 0, len(existing)+len(ids))
	for _, id := range existing {
		seen[id.Key()] = true
		keys = append(keys, id.Key())
	}
	for _, id := range ids {
		if !seen[id.Key()] {
			seen[id.Key()] = true
			keys = append(keys, id.Key())
		}
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`
		INSERT INTO session_permissions (token, permissions) VALUES (?, ?)
		ON CONFLICT(token) DO UPDATE SET permissions = excluded.permissions`,
		token, string(raw),
	); err != nil {
		return fmt.Errorf("persist grants: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
