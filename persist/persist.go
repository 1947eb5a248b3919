// Package persist saves a tokencache.TokenCache between process runs. Hooks
// loads the cache from a Backend before each access and writes it back when
// an access changed it.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lstoll/credcache/tokencache"
)

// ErrCorrupt is returned by a Backend when stored data exists but can not be
// decrypted or decoded.
var ErrCorrupt = errors.New("persist: corrupt cache data")

var baseLogAttr = slog.String("component", "persist")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Backend stores the serialized cache.
type Backend interface {
	// Load returns the stored data, or nil if nothing is stored.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the stored data.
	Save(ctx context.Context, data []byte) error
	// Available reports whether the backend can be used on this host.
	Available() bool
}

// Hooks persists a TokenCache to a Backend.
//
// Stored data that can not be read back is treated as an empty cache, and
// logged. The next change to the cache overwrites it.
type Hooks struct {
	backend Backend
	log     *slog.Logger
}

var _ tokencache.Hooks = (*Hooks)(nil)

// NewHooks creates Hooks over b. A nil logger uses slog.Default.
func NewHooks(b Backend, log *slog.Logger) *Hooks {
	if log == nil {
		log = slog.Default()
	}
	return &Hooks{backend: b, log: log}
}

func (h *Hooks) BeforeAccess(ctx context.Context, args *tokencache.NotificationArgs) error {
	data, err := h.backend.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return fmt.Errorf("loading cache: %w", err)
		}
		h.log.WarnContext(ctx, "discarding unreadable persisted cache", baseLogAttr, errAttr(err))
		data = nil
	}
	if err := args.Cache.Deserialize(ctx, data); err != nil {
		h.log.WarnContext(ctx, "discarding undecodable persisted cache", baseLogAttr, errAttr(err))
		return args.Cache.Deserialize(ctx, nil)
	}
	return nil
}

func (h *Hooks) AfterAccess(ctx context.Context, args *tokencache.NotificationArgs) error {
	if !args.HasStateChanged {
		return nil
	}
	data, err := args.Cache.Serialize(ctx)
	if err != nil {
		return fmt.Errorf("serializing cache: %w", err)
	}
	if err := h.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("saving cache: %w", err)
	}
	return nil
}

// Best returns the first available backend, or Null if none are.
func Best(candidates ...Backend) Backend {
	for _, c := range candidates {
		if c.Available() {
			return c
		}
	}
	return Null{}
}

// Null stores nothing. Use it to opt out of persistence.
type Null struct{}

var _ Backend = Null{}

func (Null) Load(context.Context) ([]byte, error) { return nil, nil }
func (Null) Save(context.Context, []byte) error   { return nil }
func (Null) Available() bool                      { return true }

// DefaultPath is where file backends store the cache when no path is set.
func DefaultPath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("could not find user cache dir: %w", err)
	}
	return filepath.Join(cacheDir, "credcache", "cache.enc"), nil
}

func resolvePath(p string) (string, error) {
	if p == "" {
		return DefaultPath()
	}
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("unable to determine home directory: %w", err)
		}
		p = filepath.Join(home, p[2:])
	}
	return p, nil
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", path, err)
	}
	return b, nil
}

// writeFile replaces path with data via a rename, so readers never see a
// partial file.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".credcache-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file %q: %w", f.Name(), err)
	}
	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to set mode on %q: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", f.Name(), err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %q: %w", path, err)
	}
	return nil
}
