package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/lstoll/credcache/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// DefaultEarlyExpiry is subtracted from an access token's expiry when
// deciding if it can still be served.
const DefaultEarlyExpiry = 30 * time.Second

// MaxJitter is the largest jitter a cache accepts.
const MaxJitter = 24 * time.Hour

var baseLogAttr = slog.String("component", "tokencache")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Hooks are notified around access to a TokenCache, and are where a
// persistence layer loads and saves the cache contents. Errors returned from
// hooks are passed back to the caller of the cache operation.
type Hooks interface {
	// BeforeAccess is called before the cache is read or written. It may
	// replace the whole cache contents via args.Cache.
	BeforeAccess(ctx context.Context, args *NotificationArgs) error
	// AfterAccess is called once the operation completes. When
	// args.HasStateChanged is set the cache contents should be persisted.
	AfterAccess(ctx context.Context, args *NotificationArgs) error
}

// Serializer exports and imports the full contents of a cache.
type Serializer interface {
	Serialize(ctx context.Context) ([]byte, error)
	// Deserialize replaces the cache contents. Empty data clears the cache.
	Deserialize(ctx context.Context, data []byte) error
}

// NotificationArgs are passed to Hooks.
type NotificationArgs struct {
	// Cache is the cache being accessed.
	Cache Serializer
	// ClientID of the application the operation runs for.
	ClientID string
	// Account the operation is for, nil for application tokens.
	Account *AccountItem
	// IsApplicationCache is set when the application-wide cache is in use,
	// rather than a user cache.
	IsApplicationCache bool
	// HasStateChanged is set in AfterAccess when the operation wrote to the
	// cache.
	HasStateChanged bool
	// CorrelationID identifies the logical operation.
	CorrelationID uuid.UUID
}

// Option configures a TokenCache.
type Option func(*TokenCache)

// WithHooks sets the persistence hooks.
func WithHooks(h Hooks) Option {
	return func(tc *TokenCache) { tc.hooks = h }
}

// WithClock sets the source of the current time. Defaults to time.Now in
// UTC.
func WithClock(now func() time.Time) Option {
	return func(tc *TokenCache) { tc.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(tc *TokenCache) { tc.log = l }
}

// WithJitter sets the maximum random offset applied to access token expiry
// and refresh times when they are written.
func WithJitter(max time.Duration) Option {
	return func(tc *TokenCache) { tc.jitter = max }
}

// WithEarlyExpiry overrides DefaultEarlyExpiry.
func WithEarlyExpiry(d time.Duration) Option {
	return func(tc *TokenCache) { tc.earlyExpiry = d }
}

// WithRefreshIn sets the fraction of an access token's lifetime after which
// it should be proactively refreshed, when the issuer did not say. Zero
// means refresh at expiry.
func WithRefreshIn(fraction float64) Option {
	return func(tc *TokenCache) { tc.refreshIn = fraction }
}

// WithRegisterer registers cache metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(tc *TokenCache) { tc.registerer = reg }
}

// TokenCache holds the tokens for an application. It is safe for concurrent
// use. Reads and writes happen through a Session, one per logical operation.
type TokenCache struct {
	store Store
	hooks Hooks

	// sem serializes hook invocations across all sessions of this cache.
	sem *semaphore.Weighted

	now         func() time.Time
	log         *slog.Logger
	jitter      time.Duration
	earlyExpiry time.Duration
	refreshIn   float64
	rnd         func(n int64) int64

	registerer prometheus.Registerer
	metrics    *metrics.Metrics
}

var _ Serializer = (*TokenCache)(nil)

// New creates a TokenCache over store.
func New(store Store, opts ...Option) (*TokenCache, error) {
	if store == nil {
		return nil, errors.New("a store must be provided")
	}
	tc := &TokenCache{
		store:       store,
		sem:         semaphore.NewWeighted(1),
		now:         func() time.Time { return time.Now().UTC() },
		earlyExpiry: DefaultEarlyExpiry,
		rnd:         rand.Int64N,
	}
	for _, o := range opts {
		o(tc)
	}
	if tc.log == nil {
		tc.log = slog.Default()
	}
	if tc.jitter < 0 || tc.jitter > MaxJitter {
		return nil, fmt.Errorf("jitter must be between 0 and %s, got %s", MaxJitter, tc.jitter)
	}
	if tc.refreshIn < 0 || tc.refreshIn > 1 {
		return nil, fmt.Errorf("refresh fraction must be between 0 and 1, got %v", tc.refreshIn)
	}
	m, err := metrics.New(tc.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	tc.metrics = m
	return tc, nil
}

// Store returns the underlying store.
func (tc *TokenCache) Store() Store { return tc.store }

type serializedCache struct {
	Version int               `json:"version"`
	Entries map[string][]byte `json:"entries"`
}

const serializedCacheVersion = 1

// Serialize exports the full cache contents.
func (tc *TokenCache) Serialize(ctx context.Context) ([]byte, error) {
	all, err := tc.store.GetAll(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}
	b, err := json.Marshal(serializedCache{Version: serializedCacheVersion, Entries: all})
	if err != nil {
		return nil, fmt.Errorf("encoding cache: %w", err)
	}
	return b, nil
}

// Deserialize replaces the cache contents with data previously returned
// from Serialize. The store is only modified if data decodes successfully.
func (tc *TokenCache) Deserialize(ctx context.Context, data []byte) error {
	var sc serializedCache
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sc); err != nil {
			return fmt.Errorf("decoding cache: %w", err)
		}
		if sc.Version != serializedCacheVersion {
			return fmt.Errorf("unsupported cache version %d", sc.Version)
		}
	}
	if err := tc.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	for k, v := range sc.Entries {
		if err := tc.store.Set(ctx, k, v, 0); err != nil {
			return fmt.Errorf("writing %q: %w", k, err)
		}
	}
	return nil
}

// NewSession starts a logical operation against the cache.
func (tc *TokenCache) NewSession(p SessionParams) *Session {
	if p.CorrelationID == uuid.Nil {
		p.CorrelationID = uuid.New()
	}
	return &Session{tc: tc, params: p}
}

func (tc *TokenCache) getJSON(ctx context.Context, key string, v any) (bool, error) {
	b, ok, err := tc.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decoding %q: %w", key, err)
	}
	return true, nil
}

func (tc *TokenCache) setJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	return tc.store.Set(ctx, key, b, 0)
}
