// Package security persists app tokens. Every app that connects without
// a token is minted one; reconnects must present it back.
package security

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// TokenStore is the sqlite-backed app token table.
type TokenStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenTokenStore opens (or creates) security/tokens.sqlite under dir.
func OpenTokenStore(dir string) (*TokenStore, error) {
	dbPath := filepath.Join(dir, "tokens.sqlite")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &TokenStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *TokenStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			identifier TEXT NOT NULL,
			token TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER NOT NULL,
			PRIMARY KEY (identifier, token)
		)`)
	if err != nil {
		return fmt.Errorf("init token schema: %w", err)
	}
	return nil
}

// Generate mints and persists a fresh token for the app.
func (s *TokenStore) Generate(app protocol.App) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.NewString()
	now := time.Now().Unix()
	_, err := s.db.Exec(
		`INSERT INTO tokens (identifier, token, created_at, last_used_at) VALUES (?, ?, ?, ?)`,
		app.Key(), token, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("persist token for %s: %w", app.Key(), err)
	}
	return token, nil
}

// Validate checks an app/token pair and touches last_used_at on success.
func (s *TokenStore) Validate(app protocol.App, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE tokens SET last_used_at = ? WHERE identifier = ? AND token = ?`,
		time.Now().Unix(), app.Key(), token,
	)
	if err != nil {
		return false, fmt.Errorf("validate token for %s: %w", app.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close releases the database handle.
func (s *TokenStore) Close() error {
	return s.db.Close()
}
