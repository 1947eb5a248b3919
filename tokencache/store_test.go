package tokencache

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore(0))
}

func TestMemoryStoreSlotExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	if err := s.Set(ctx, "short", []byte("a"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "long", []byte("b"), 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("expired slot should not be returned")
	}
	all, err := s.GetAll(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string][]byte{"long": []byte("b")}, all); diff != "" {
		t.Errorf("GetAll (-want +got):\n%s", diff)
	}
}

func TestMemoryStoreCopiesBlobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	b := []byte("abc")
	if err := s.Set(ctx, "k", b, 0); err != nil {
		t.Fatal(err)
	}
	b[0] = 'x'

	got, _, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("store should not alias caller slices, got %q", got)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
		return
	}

	s, err := NewRedisStore(context.Background(), RedisOptions{Address: addr, Prefix: "credcache-test:"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}

	testStore(t, s)
}

func TestRedisStoreInitFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, opts := range []RedisOptions{
		{},
		// nothing listens on the discard port
		{Address: "127.0.0.1:9"},
	} {
		_, err := NewRedisStore(ctx, opts)
		if !errors.Is(err, ErrAccessorInitializationFailed) {
			t.Errorf("%+v: want ErrAccessorInitializationFailed, got %v", opts, err)
		}
	}

	if _, err := NewRedisStoreFromClient(ctx, nil, ""); !errors.Is(err, ErrAccessorInitializationFailed) {
		t.Errorf("nil client: want ErrAccessorInitializationFailed, got %v", err)
	}
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		run  func(s Store) (map[string][]byte, error)
		want map[string][]byte
	}{
		{
			name: "set and get",
			run: func(s Store) (map[string][]byte, error) {
				if err := s.Set(ctx, "a-1", []byte("one"), 0); err != nil {
					return nil, err
				}
				b, ok, err := s.Get(ctx, "a-1")
				if err != nil || !ok {
					return nil, err
				}
				return map[string][]byte{"a-1": b}, nil
			},
			want: map[string][]byte{"a-1": []byte("one")},
		},
		{
			name: "last write wins",
			run: func(s Store) (map[string][]byte, error) {
				if err := s.Set(ctx, "a-2", []byte("first"), 0); err != nil {
					return nil, err
				}
				if err := s.Set(ctx, "a-2", []byte("second"), 0); err != nil {
					return nil, err
				}
				b, _, err := s.Get(ctx, "a-2")
				return map[string][]byte{"a-2": b}, err
			},
			want: map[string][]byte{"a-2": []byte("second")},
		},
		{
			name: "miss",
			run: func(s Store) (map[string][]byte, error) {
				b, ok, err := s.Get(ctx, "missing")
				if ok {
					return map[string][]byte{"missing": b}, err
				}
				return nil, err
			},
			want: nil,
		},
		{
			name: "delete",
			run: func(s Store) (map[string][]byte, error) {
				if err := s.Set(ctx, "b-1", []byte("x"), 0); err != nil {
					return nil, err
				}
				if err := s.Delete(ctx, "b-1"); err != nil {
					return nil, err
				}
				// deleting again is fine
				if err := s.Delete(ctx, "b-1"); err != nil {
					return nil, err
				}
				return s.GetAll(ctx, func(k string) bool { return strings.HasPrefix(k, "b-") })
			},
			want: map[string][]byte{},
		},
		{
			name: "get all with predicate",
			run: func(s Store) (map[string][]byte, error) {
				for k, v := range map[string]string{"c-1": "x", "c-2": "y", "d-1": "z"} {
					if err := s.Set(ctx, k, []byte(v), 0); err != nil {
						return nil, err
					}
				}
				return s.GetAll(ctx, func(k string) bool { return strings.HasPrefix(k, "c-") })
			},
			want: map[string][]byte{"c-1": []byte("x"), "c-2": []byte("y")},
		},
		{
			name: "clear",
			run: func(s Store) (map[string][]byte, error) {
				if err := s.Set(ctx, "e-1", []byte("x"), 0); err != nil {
					return nil, err
				}
				if err := s.Clear(ctx); err != nil {
					return nil, err
				}
				return s.GetAll(ctx, nil)
			},
			want: map[string][]byte{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.run(s)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}
