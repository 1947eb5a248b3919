// Package mtls caches the short lived client certificates used for managed
// identity mutual TLS, keyed by identity. Each identity holds at most
// BucketCapacity certificates, freshest first. Expired certificates and
// certificates whose private key is no longer usable are removed when they
// are read, there is no background sweeper.
package mtls

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lstoll/credcache/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// ClockSkew is the margin before NotAfter at which a certificate is treated
// as expired, to tolerate drift between this host and the issuer.
const ClockSkew = 2 * time.Minute

const metricsCache = "mtls"

var baseLogAttr = slog.String("component", "mtls")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// KeyUsabilityFunc reports whether the private key of an entry can still be
// used. Returning an error, or panicking, is treated as not usable.
type KeyUsabilityFunc func(e *CertificateEntry) (bool, error)

// Option configures a BindingCache.
type Option func(*BindingCache)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *BindingCache) { c.log = l }
}

// WithKeyUsability overrides the key usability check. Defaults to
// SignerUsable.
func WithKeyUsability(f KeyUsabilityFunc) Option {
	return func(c *BindingCache) { c.usable = f }
}

// WithRegisterer registers cache metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *BindingCache) { c.registerer = reg }
}

// BindingCache maps identity keys to their certificates. It is safe for
// concurrent use, operations on different keys do not contend.
type BindingCache struct {
	// buckets maps IdentityKey to *bucket
	buckets sync.Map

	usable     KeyUsabilityFunc
	log        *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics.Metrics
}

// NewBindingCache creates an empty cache.
func NewBindingCache(opts ...Option) (*BindingCache, error) {
	c := &BindingCache{usable: SignerUsable}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.usable == nil {
		return nil, fmt.Errorf("a key usability check must be provided")
	}
	m, err := metrics.New(c.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	c.metrics = m
	return c, nil
}

func (c *BindingCache) bucket(key IdentityKey) (*bucket, bool) {
	v, ok := c.buckets.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*bucket), true
}

// TryGetLatest returns the freshest certificate for key that is not within
// ClockSkew of expiry and whose key is usable. Expired entries are pruned,
// and an unusable best entry is removed and reported as a miss.
func (c *BindingCache) TryGetLatest(key IdentityKey, now time.Time) (*CertificateEntry, bool) {
	b, ok := c.bucket(key)
	if !ok {
		c.metrics.Lookup(metricsCache, metrics.ResultMiss)
		return nil, false
	}

	threshold := now.Add(ClockSkew)
	if n := b.pruneExpired(threshold); n > 0 {
		c.metrics.Prune(metricsCache, "expired", n)
		c.log.Debug("pruned expired certificates", baseLogAttr, slog.String("key", key.String()), slog.Int("count", n))
	}

	snap := b.snapshot()
	if len(snap) == 0 {
		c.metrics.Lookup(metricsCache, metrics.ResultMiss)
		return nil, false
	}
	best := snap[0]

	// a concurrent Put may have raced the prune
	if !best.notAfter.After(threshold) {
		if b.remove(best) {
			c.metrics.Prune(metricsCache, "expired", 1)
		}
		c.metrics.Lookup(metricsCache, metrics.ResultMiss)
		return nil, false
	}

	if !c.keyUsable(best) {
		if b.remove(best) {
			c.metrics.Prune(metricsCache, "unusable", 1)
		}
		c.log.Debug("removed certificate with unusable key", baseLogAttr, slog.String("key", key.String()))
		c.metrics.Lookup(metricsCache, metrics.ResultMiss)
		return nil, false
	}

	c.metrics.Lookup(metricsCache, metrics.ResultHit)
	return best, true
}

// Put adds e to the certificates for key. If the key then holds more than
// BucketCapacity certificates, the least fresh are dropped.
func (c *BindingCache) Put(key IdentityKey, e *CertificateEntry) error {
	if err := key.validate(); err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: entry must be provided", ErrInvalidEntry)
	}
	for {
		v, _ := c.buckets.LoadOrStore(key, new(bucket))
		b := v.(*bucket)
		if b.add(e) {
			return nil
		}
		// the bucket was removed after we loaded it
		c.buckets.CompareAndDelete(key, b)
	}
}

// TryGetLatestBySubject scans every cached certificate for one whose subject
// contains both "CN=<cn>" and "DC=<dc>", ignoring case, and returns the
// match with the latest NotBefore. It serves callers that know the expected
// certificate subject but not the identity key it was cached under.
//
// The match is on the rendered subject string, so a cn of "device" also
// matches "CN=device-1".
func (c *BindingCache) TryGetLatestBySubject(cn, dc string, now time.Time) (*CertificateEntry, bool) {
	wantCN := strings.ToLower("CN=" + cn)
	wantDC := strings.ToLower("DC=" + dc)

	var best *CertificateEntry
	c.buckets.Range(func(_, v any) bool {
		b := v.(*bucket)
		for _, e := range b.snapshot() {
			if !now.Before(e.notAfter) {
				continue
			}
			if !c.keyUsable(e) {
				if b.remove(e) {
					c.metrics.Prune(metricsCache, "unusable", 1)
				}
				continue
			}
			subject := strings.ToLower(subjectString(e.cert))
			if !strings.Contains(subject, wantCN) || !strings.Contains(subject, wantDC) {
				continue
			}
			if best == nil || e.notBefore.After(best.notBefore) {
				best = e
			}
		}
		return true
	})

	if best == nil {
		c.metrics.Lookup(metricsCache, metrics.ResultMiss)
		return nil, false
	}
	c.metrics.Lookup(metricsCache, metrics.ResultHit)
	return best, true
}

// Remove drops every certificate for key. It reports whether any were
// present. A concurrent Put for key either lands before the removal and is
// dropped with it, or lands in a new bucket.
func (c *BindingCache) Remove(key IdentityKey) (bool, error) {
	if err := key.validate(); err != nil {
		return false, err
	}
	v, ok := c.buckets.LoadAndDelete(key)
	if !ok {
		return false, nil
	}
	return v.(*bucket).retire() > 0, nil
}

// Clear drops every certificate, with the same guarantee for concurrent Puts
// as Remove.
func (c *BindingCache) Clear() {
	c.buckets.Range(func(k, _ any) bool {
		if v, ok := c.buckets.LoadAndDelete(k); ok {
			v.(*bucket).retire()
		}
		return true
	})
}

// Snapshot returns the certificates currently held for key, freshest first,
// without pruning.
func (c *BindingCache) Snapshot(key IdentityKey) []*CertificateEntry {
	b, ok := c.bucket(key)
	if !ok {
		return nil
	}
	return b.snapshot()
}

// keyUsable runs the usability check. Errors and panics count as unusable.
func (c *BindingCache) keyUsable(e *CertificateEntry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("key usability check panicked", baseLogAttr, slog.Any("panic", r))
			ok = false
		}
	}()
	usable, err := c.usable(e)
	if err != nil {
		c.log.Debug("key usability check failed", baseLogAttr, errAttr(err))
		return false
	}
	return usable
}
