package table

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

// ErrKeyNotFound is returned by point lookups for absent keys.
var ErrKeyNotFound = errors.New("table: key not found")

// Adapter is the sqlite backing store for one table. Row ids record
// insertion order; updates keep the original row id so ordering is
// stable across the table's lifetime.
type Adapter struct {
	db *sql.DB
}

// OpenAdapter opens (or creates) the store for a table id under dir.
// The file lives at dir/<namespace>/<path>.db with every segment
// sanitized for the filesystem.
func OpenAdapter(dir string, id protocol.Identifier) (*Adapter, error) {
	dbPath := filepath.Join(dir, id.SanitizedPath()) + ".db"
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open table store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL UNIQUE,
			value BLOB NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init table schema: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (a *Adapter) Get(key string) ([]byte, error) {
	var value []byte
	err := a.db.QueryRow(`SELECT value FROM data WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// GetMany returns the stored entries for the given keys, skipping
// absent ones, ordered by row id.
func (a *Adapter) GetMany(keys []string) ([]Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := a.db.Query(
		`SELECT key, value FROM data WHERE key IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("get many: %w", err)
	}
	return scanItems(rows)
}

// SetMany upserts a batch. Existing keys keep their row id.
func (a *Adapter) SetMany(items []Item) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("set many: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`
		INSERT INTO data (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("set many: %w", err)
	}
	defer stmt.Close()
	for _, item := range items {
		if _, err := stmt.Exec(item.Key, item.Value); err != nil {
			return fmt.Errorf("set %q: %w", item.Key, err)
		}
	}
	return tx.Commit()
}

// Remove deletes the given keys and returns the entries that existed.
func (a *Adapter) Remove(keys []string) ([]Item, error) {
	removed, err := a.GetMany(keys)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(removed)), ",")
	args := make([]any, len(removed))
	for i, item := range removed {
		args[i] = item.Key
	}
	if _, err := a.db.Exec(`DELETE FROM data WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("remove: %w", err)
	}
	return removed, nil
}

// Clear drops every row.
func (a *Adapter) Clear() error {
	if _, err := a.db.Exec(`DELETE FROM data`); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// FetchAll returns every entry in insertion order.
func (a *Adapter) FetchAll() ([]Item, error) {
	rows, err := a.db.Query(`SELECT key, value FROM data ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("fetch all: %w", err)
	}
	return scanItems(rows)
}

// Fetch returns a window around an optional cursor key. Before selects
// up to that many rows at or below the cursor, after selects rows at or
// above it; when both are present the union comes back newest first.
// Without a cursor the window anchors at the newest (before) or oldest
// (after) row.
func (a *Adapter) Fetch(before, after *int, cursor *string) ([]Item, error) {
	if before == nil && after == nil {
		return a.FetchAll()
	}

	var anchor int64
	switch {
	case cursor != nil:
		err := a.db.QueryRow(`SELECT id FROM data WHERE key = ?`, *cursor).Scan(&anchor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fetch cursor %q: %w", *cursor, err)
		}
	case before != nil:
		err := a.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM data`).Scan(&anchor)
		if err != nil {
			return nil, fmt.Errorf("fetch anchor: %w", err)
		}
	default:
		err := a.db.QueryRow(`SELECT COALESCE(MIN(id), 0) FROM data`).Scan(&anchor)
		if err != nil {
			return nil, fmt.Errorf("fetch anchor: %w", err)
		}
	}

	type row struct {
		id   int64
		item Item
	}
	byID := make(map[int64]row)
	collect := func(query string, limit int) error {
		rows, err := a.db.Query(query, anchor, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.item.Key, &r.item.Value); err != nil {
				return err
			}
			byID[r.id] = r
		}
		return rows.Err()
	}
	if before != nil {
		if err := collect(
			`SELECT id, key, value FROM data WHERE id <= ? ORDER BY id DESC LIMIT ?`, *before,
		); err != nil {
			return nil, fmt.Errorf("fetch before: %w", err)
		}
	}
	if after != nil {
		if err := collect(
			`SELECT id, key, value FROM data WHERE id >= ? ORDER BY id ASC LIMIT ?`, *after,
		); err != nil {
			return nil, fmt.Errorf("fetch after: %w", err)
		}
	}

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, byID[id].item)
	}
	return items, nil
}

// Size returns the number of entries.
func (a *Adapter) Size() (int, error) {
	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Key, &item.Value); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
