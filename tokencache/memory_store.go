package tokencache

import (
	"context"
	"slices"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store. Slots can be given an absolute
// expiration, after which they are no longer returned. No janitor goroutine
// is started, expired slots are dropped on Clear or overwritten on Set.
type MemoryStore struct {
	c *gocache.Cache
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore. defaultTTL is the absolute
// expiration for slots set with a zero ttl, zero means slots never expire.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	exp := gocache.NoExpiration
	if defaultTTL > 0 {
		exp = defaultTTL
	}
	return &MemoryStore{c: gocache.New(exp, 0)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	return slices.Clone(b), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, blob []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.c.Set(key, slices.Clone(blob), ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryStore) GetAll(_ context.Context, match func(key string) bool) (map[string][]byte, error) {
	// Items only returns unexpired slots
	items := m.c.Items()
	out := make(map[string][]byte, len(items))
	for k, it := range items {
		if match != nil && !match(k) {
			continue
		}
		b, _ := it.Object.([]byte)
		out[k] = slices.Clone(b)
	}
	return out, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.c.Flush()
	return nil
}

// Len returns the number of slots, including expired slots that have not
// been dropped yet.
func (m *MemoryStore) Len() int {
	return m.c.ItemCount()
}
