package cache

import (
	"context"
	"time"
)

// Entry is one stored metadata record. Payload is opaque to the cache; the
// typed wrapper encodes and decodes it as a unit.
type Entry struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	Hits      int64
}

// Live reports whether the entry is visible at now. Visibility ends at
// ExpiresAt exactly.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is the swappable backing store behind MetadataCache. Every call may
// block on a remote round trip and every call may fail independently.
type Store interface {
	// Hit returns the live entry for key with its hit counter already
	// incremented and persisted. An entry that is expired at now is removed
	// and reported as absent.
	Hit(ctx context.Context, key string, now time.Time) (Entry, bool, error)
	// Put replaces any prior entry for key.
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	// Clear removes every entry whose key starts with prefix.
	Clear(ctx context.Context, prefix string) error
	// Size counts entries whose key starts with prefix, expired ones included
	// until they are next touched.
	Size(ctx context.Context, prefix string) (int64, error)
	Close(ctx context.Context) error
}
