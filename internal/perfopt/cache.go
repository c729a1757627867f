package perfopt

import (
	lru "github.com/hashicorp/golang-lru/v2"

	cerrors "github.com/ruvnet/swarmbft/internal/errors"
)

// MessageCache short-circuits exact duplicate messages, keyed by digest,
// returning the previously computed result instead of re-running the
// original path.
type MessageCache struct {
	cache *lru.Cache[string, []byte]
}

// NewMessageCache constructs an LRU-bounded cache of size entries.
func NewMessageCache(size int) (*MessageCache, error) {
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, cerrors.Fatal("failed to allocate message cache").WithCause(err)
	}
	return &MessageCache{cache: c}, nil
}

// Lookup returns the cached result for digest, if present.
func (m *MessageCache) Lookup(digest string) ([]byte, bool) {
	return m.cache.Get(digest)
}

// Store records a digest's result, evicting the least recently used entry
// if the cache is at capacity.
func (m *MessageCache) Store(digest string, result []byte) {
	m.cache.Add(digest, result)
}

// Len reports the number of entries currently cached.
func (m *MessageCache) Len() int { return m.cache.Len() }
