package mtls

import (
	"slices"
	"sync"
	"time"
)

// BucketCapacity is the most certificates held for one identity key. Two
// lets an in-flight rotation keep the outgoing certificate.
const BucketCapacity = 2

// bucket holds the certificates for one identity key, freshest first.
type bucket struct {
	mu      sync.Mutex
	entries []*CertificateEntry
	// retired is set once the bucket is no longer reachable from the cache.
	retired bool
}

// add inserts e, keeping the order and dropping whatever falls past the
// capacity. It returns false without inserting if the bucket is retired.
func (b *bucket) add(e *CertificateEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retired {
		return false
	}

	b.entries = append(b.entries, e)
	slices.SortStableFunc(b.entries, compareFreshness)
	if len(b.entries) > BucketCapacity {
		clear(b.entries[BucketCapacity:])
		b.entries = b.entries[:BucketCapacity]
	}
	return true
}

// retire marks the bucket as removed from the cache and empties it. It
// returns how many entries it held.
func (b *bucket) retire() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.retired = true
	clear(b.entries)
	b.entries = nil
	return n
}

// pruneExpired removes every entry with NotAfter at or before threshold, and
// returns how many were removed.
func (b *bucket) pruneExpired(threshold time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.entries = slices.DeleteFunc(b.entries, func(e *CertificateEntry) bool {
		return !e.notAfter.After(threshold)
	})
	return n - len(b.entries)
}

// remove drops e from the bucket, if it is still there.
func (b *bucket) remove(e *CertificateEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.Index(b.entries, e)
	if i < 0 {
		return false
	}
	b.entries = slices.Delete(b.entries, i, i+1)
	return true
}

func (b *bucket) snapshot() []*CertificateEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.entries)
}

func (b *bucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
