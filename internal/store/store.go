// Package store defines the credential store contract: a key-value store
// with per-key expiry holding credential caches, sessions, auth profiles and
// queued usage records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt *time.Time
}

// RemainingTTL returns how long the entry has left relative to now.
// Entries without expiry report zero, which Put treats as "no expiry".
func (e *Entry) RemainingTTL(now time.Time) time.Duration {
	if e.ExpiresAt == nil {
		return 0
	}
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return time.Nanosecond
}

// Store is a multi-writer, last-write-wins key-value store. Expiry is lazy:
// expired entries are invisible to Get and List.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Put upserts value. ttl <= 0 stores without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// List returns live entries whose key starts with prefix, ordered by key.
	// limit <= 0 means no limit.
	List(ctx context.Context, prefix string, limit int) ([]Entry, error)
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	e, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Put(ctx, key, data, ttl)
}
