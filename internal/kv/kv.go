// Package kv provides the durable key-value store every crash-surviving fact
// lives in: performance stats, budget snapshots, in-flight leases, queue
// state. Backends: memory, SQLite, PostgreSQL, MongoDB, and Redis.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Store defines the durable key-value operations.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the raw value for a key.
	// Returns nil, nil when the key does not exist.
	Get(ctx context.Context, key string) (json.RawMessage, error)

	// Set stores the raw value for a key, replacing any previous value.
	Set(ctx context.Context, key string, value json.RawMessage) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all key/value pairs whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]json.RawMessage, error)

	// Close releases any resources held by the store.
	Close() error
}

// WriteStatus reports how a durable write went.
type WriteStatus string

const (
	// Persisted means the write reached the backend.
	Persisted WriteStatus = "persisted"
	// PersistedWithWarning means the write failed but the caller continues
	// on its in-memory value. Stale durable state, not a crash.
	PersistedWithWarning WriteStatus = "persisted_with_warning"
)

// WriteResult distinguishes clean persistence from degraded persistence so
// callers and tests can assert on degradation instead of silent success.
type WriteResult struct {
	Status WriteStatus
	Warn   error
}

// Degraded reports whether the write only landed in memory.
func (r WriteResult) Degraded() bool {
	return r.Status == PersistedWithWarning
}

// Load unmarshals the value at key into out.
// Returns false when the key is absent; out keeps whatever defaults the
// caller seeded it with. A store error also returns false with the error,
// so callers can degrade to defaults rather than fail.
func Load(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}
	if raw == nil {
		return false, nil
	}
	// Unknown fields are ignored and missing fields keep their defaults,
	// which is what makes the schema additive-field-tolerant.
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("kv decode %s: %w", key, err)
	}
	return true, nil
}

// Save marshals v and writes it at key. Persistence failures come back as a
// warning in the result; the caller's in-memory value stays authoritative.
func Save(ctx context.Context, s Store, key string, v any) WriteResult {
	raw, err := json.Marshal(v)
	if err != nil {
		return WriteResult{Status: PersistedWithWarning, Warn: fmt.Errorf("kv encode %s: %w", key, err)}
	}
	if err := s.Set(ctx, key, raw); err != nil {
		slog.Warn("durable write failed, continuing on in-memory value", "key", key, "error", err)
		return WriteResult{Status: PersistedWithWarning, Warn: fmt.Errorf("kv set %s: %w", key, err)}
	}
	return WriteResult{Status: Persisted}
}
