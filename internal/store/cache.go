package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CachedResponse is a stored response for one request key.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// CacheStore is a set of named caches, each a request key -> response map.
// Writes are keyed by (cache, request key) so concurrent puts for
// different resources never touch the same row.
type CacheStore struct {
	db *sql.DB
}

func NewCacheStore(db *sql.DB) *CacheStore {
	return &CacheStore{db: db}
}

// Open creates the named cache if it does not exist yet.
func (s *CacheStore) Open(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO caches (name, created_at) VALUES (?, CURRENT_TIMESTAMP) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("open cache %q: %w", name, err)
	}
	return nil
}

// Names lists every cache, oldest first.
func (s *CacheStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM caches ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the named cache and all of its entries. It reports whether
// the cache existed.
func (s *CacheStore) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete cache: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete cache entries: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete cache: %w", err)
	}
	return n > 0, nil
}

// Put stores resp under key in the named cache, replacing any prior entry.
func (s *CacheStore) Put(ctx context.Context, name, key string, resp *CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("marshal cached header: %w", err)
	}
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_name, request_key, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_name, request_key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		name, key, resp.Status, string(header), resp.Body, resp.StoredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// Match returns the entry for key in the named cache, or ErrNotFound.
func (s *CacheStore) Match(ctx context.Context, name, key string) (*CachedResponse, error) {
	var (
		resp   CachedResponse
		header string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE cache_name = ? AND request_key = ?`,
		name, key,
	).Scan(&resp.Status, &header, &resp.Body, &resp.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return nil, fmt.Errorf("unmarshal cached header: %w", err)
	}
	return &resp, nil
}

// Count returns the number of entries in the named cache.
func (s *CacheStore) Count(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE cache_name = ?`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}
