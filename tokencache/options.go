package tokencache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Store types for Options.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Options is the file-loadable form of the cache configuration.
type Options struct {
	Store StoreOptions `yaml:"store"`
	// Jitter is the maximum offset applied to access token expiry and
	// refresh times.
	Jitter time.Duration `yaml:"jitter"`
	// EarlyExpiry is subtracted from access token expiry when deciding if a
	// token can be served.
	EarlyExpiry time.Duration `yaml:"early_expiry"`
	// RefreshIn is the fraction of a token's lifetime after which it is
	// proactively refreshed.
	RefreshIn float64 `yaml:"refresh_in"`
}

// StoreOptions selects and configures the Store.
type StoreOptions struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type"`
	// DefaultTTL is the absolute expiration of memory store slots, zero
	// for none.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Redis      RedisOptions  `yaml:"redis"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() *Options {
	return &Options{
		Store: StoreOptions{
			Type: StoreMemory,
			Redis: RedisOptions{
				Address: "localhost:6379",
				Prefix:  DefaultRedisPrefix,
			},
		},
		EarlyExpiry: DefaultEarlyExpiry,
	}
}

// LoadOptions reads YAML options from r, on top of the defaults. An empty
// document yields the defaults.
func LoadOptions(r io.Reader) (*Options, error) {
	o := DefaultOptions()
	if err := yaml.NewDecoder(r).Decode(o); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse options: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	var validErr error
	switch o.Store.Type {
	case StoreMemory:
	case StoreRedis:
		if o.Store.Redis.Address == "" {
			validErr = errors.Join(validErr, fmt.Errorf("redis address must be specified"))
		}
	default:
		validErr = errors.Join(validErr, fmt.Errorf("unknown store type %q", o.Store.Type))
	}
	if o.Jitter < 0 || o.Jitter > MaxJitter {
		validErr = errors.Join(validErr, fmt.Errorf("jitter must be between 0 and %s", MaxJitter))
	}
	if o.EarlyExpiry < 0 {
		validErr = errors.Join(validErr, fmt.Errorf("early expiry must not be negative"))
	}
	if o.RefreshIn < 0 || o.RefreshIn > 1 {
		validErr = errors.Join(validErr, fmt.Errorf("refresh_in must be between 0 and 1"))
	}
	if validErr != nil {
		return fmt.Errorf("invalid options: %w", validErr)
	}
	return nil
}

// OpenStore opens the configured store.
func (o *Options) OpenStore(ctx context.Context) (Store, error) {
	switch o.Store.Type {
	case StoreRedis:
		return NewRedisStore(ctx, o.Store.Redis)
	default:
		return NewMemoryStore(o.Store.DefaultTTL), nil
	}
}

// CacheOptions converts the options to TokenCache options.
func (o *Options) CacheOptions() []Option {
	return []Option{
		WithJitter(o.Jitter),
		WithEarlyExpiry(o.EarlyExpiry),
		WithRefreshIn(o.RefreshIn),
	}
}
