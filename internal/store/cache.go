package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CacheEntry is a persisted network-response cache entry.
type CacheEntry struct {
	Key       string
	Tags      []string
	Data      []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// PutCacheEntry upserts e.
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, tags, data, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			tags = excluded.tags, data = excluded.data,
			stored_at = excluded.stored_at, expires_at = excluded.expires_at
	`, e.Key, string(tags), string(e.Data), millis(e.StoredAt), millis(e.ExpiresAt))
	return classify("put cache entry", err)
}

// LoadCacheEntries returns every persisted entry ordered by key.
func (s *Store) LoadCacheEntries(ctx context.Context) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, tags, data, stored_at, expires_at FROM cache_entries
		ORDER BY key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, classify("load cache entries", err)
	}
	defer rows.Close()

	out := []CacheEntry{}
	for rows.Next() {
		var (
			e                   CacheEntry
			tags, data          string
			storedAt, expiresAt int64
		)
		if err := rows.Scan(&e.Key, &tags, &data, &storedAt, &expiresAt); err != nil {
			return nil, classify("load cache entries", err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("load cache entry %s: %w", e.Key, err)
		}
		e.Data = []byte(data)
		e.StoredAt = fromMillis(storedAt)
		e.ExpiresAt = fromMillis(expiresAt)
		out = append(out, e)
	}
	return out, classify("load cache entries", rows.Err())
}

// DeleteCacheEntries removes the given keys.
func (s *Store) DeleteCacheEntries(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key IN (?`+strings.Repeat(", ?", len(keys)-1)+`)`, args...)
	return classify("delete cache entries", err)
}

// ExpireCacheEntries moves the expiry of the given keys back to at, keeping
// their data. Entries already expired by then are left alone.
func (s *Store) ExpireCacheEntries(ctx context.Context, at time.Time, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+2)
	args = append(args, millis(at), millis(at))
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries SET expires_at = ?
		WHERE expires_at > ? AND key IN (?`+strings.Repeat(", ?", len(keys)-1)+`)`, args...)
	return classify("expire cache entries", err)
}
