package tokencache

import (
	"context"
	"time"
)

// Store is a keyed mapping from a composite cache key to a serialized
// credential. It applies no policy of its own, and does not interpret the
// blobs it holds.
//
// Each operation is atomic for a single key. There is no transaction across
// keys, so a reader may observe an access token written without its paired
// refresh token. Writes to the same key are last-write-wins.
//
// Cache misses are _not_ considered an error, a miss is returned as
// `(nil, false, nil)`.
type Store interface {
	// Get returns the blob stored under key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores blob under key. A zero ttl uses the store's default slot
	// expiration, which may be none.
	Set(ctx context.Context, key string, blob []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// GetAll returns every blob whose key satisfies match, keyed by cache
	// key. A nil match returns everything.
	GetAll(ctx context.Context, match func(key string) bool) (map[string][]byte, error)
	// Clear removes all keys.
	Clear(ctx context.Context) error
}
