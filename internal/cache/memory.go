package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const memoryShards = 32

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// memoryStore keeps entries in process. Keys are spread over independently
// locked shards so concurrent reads and writes on different URLs rarely
// contend.
type memoryStore struct {
	shards [memoryShards]*memoryShard
}

// NewMemory returns an in-process Store with lazy expiration.
func NewMemory() Store {
	s := &memoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]Entry)}
	}
	return s
}

func (s *memoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%memoryShards]
}

func (s *memoryStore) Hit(_ context.Context, key string, now time.Time) (Entry, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !entry.Live(now) {
		delete(sh.entries, key)
		return Entry{}, false, nil
	}
	entry.Hits++
	sh.entries[key] = entry
	return entry, true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, entry Entry) error {
	entry.Key = key
	entry.Payload = append([]byte(nil), entry.Payload...)
	sh := s.shard(key)
	sh.mu.Lock()
	sh.entries[key] = entry
	sh.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
	return nil
}

func (s *memoryStore) Clear(_ context.Context, prefix string) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key := range sh.entries {
			if strings.HasPrefix(key, prefix) {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

func (s *memoryStore) Size(_ context.Context, prefix string) (int64, error) {
	var total int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key := range sh.entries {
			if strings.HasPrefix(key, prefix) {
				total++
			}
		}
		sh.mu.Unlock()
	}
	return total, nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
