// Package kvstore provides a quota-aware key-value store.
//
// Values are stored as serialized JSON. Before every write the store
// checks usage against its quota; past the eviction threshold it drops
// the oldest timestamped entries to make room, and the write proceeds
// regardless of the eviction outcome. Values above a size threshold pass
// through a pluggable compression hook.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Defaults for quota accounting and compression.
const (
	// DefaultQuota is the storage quota in bytes.
	DefaultQuota = 10 << 20

	// DefaultEvictThreshold is the usage fraction that triggers eviction.
	DefaultEvictThreshold = 0.8

	// DefaultEvictFraction is the fraction of timestamped entries
	// removed per eviction pass (rounded up).
	DefaultEvictFraction = 0.2

	// DefaultCompressThreshold is the serialized size in bytes above
	// which values pass through the compression hook.
	DefaultCompressThreshold = 1024
)

// ErrNotFound is returned when a key is not present in the store.
var ErrNotFound = errors.New("key not found")

// Info describes current storage usage.
type Info struct {
	BytesInUse  int64   `json:"bytesInUse"`
	Quota       int64   `json:"quota"`
	PercentUsed float64 `json:"percentUsed"`
}

// Store is a quota-aware key-value store over JSON-serializable values.
type Store interface {
	// Save serializes value and stores it under key, evicting old
	// entries first when usage is past the eviction threshold.
	Save(ctx context.Context, key string, value any) error

	// Get unmarshals the value stored under key into out.
	// Returns an error wrapping ErrNotFound if the key is absent.
	Get(ctx context.Context, key string, out any) error

	// Remove deletes the value stored under key. Removing an absent
	// key is not an error.
	Remove(ctx context.Context, key string) error

	// SaveMultiple stores every entry of values, running at most one
	// eviction pass for the whole batch.
	SaveMultiple(ctx context.Context, values map[string]any) error

	// GetMultiple returns the raw serialized values for the given
	// keys. Absent keys are omitted from the result.
	GetMultiple(ctx context.Context, keys []string) (map[string]json.RawMessage, error)

	// Info reports current usage against the quota.
	Info(ctx context.Context) (Info, error)

	// CleanOldData removes every entry whose heuristic timestamp is
	// older than retentionDays. Returns the number of removed entries.
	CleanOldData(ctx context.Context, retentionDays int) (int, error)
}
