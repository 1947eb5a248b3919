package tokencache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadOptions(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      string
		want    *Options
		wantErr bool
	}{
		{
			name: "empty",
			in:   "",
			want: DefaultOptions(),
		},
		{
			name: "overrides",
			in: `
store:
  type: redis
  redis:
    address: redis:6379
    db: 2
jitter: 2m
early_expiry: 1m
refresh_in: 0.5
`,
			want: func() *Options {
				o := DefaultOptions()
				o.Store.Type = StoreRedis
				o.Store.Redis.Address = "redis:6379"
				o.Store.Redis.DB = 2
				o.Jitter = 2 * time.Minute
				o.EarlyExpiry = time.Minute
				o.RefreshIn = 0.5
				return o
			}(),
		},
		{
			name:    "unknown store",
			in:      "store: {type: etcd}",
			wantErr: true,
		},
		{
			name:    "bad refresh fraction",
			in:      "refresh_in: 2",
			wantErr: true,
		},
		{
			name:    "jitter too large",
			in:      "jitter: 1000000h",
			wantErr: true,
		},
		{
			name:    "redis without address",
			in:      "store: {type: redis, redis: {address: \"\"}}",
			wantErr: true,
		},
		{
			name:    "malformed",
			in:      "store: [",
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LoadOptions(strings.NewReader(tc.in))
			if (err != nil) != tc.wantErr {
				t.Fatalf("want err %v, got %v", tc.wantErr, err)
			}
			if tc.wantErr {
				return
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestOptionsOpenStore(t *testing.T) {
	o := DefaultOptions()
	o.Jitter = time.Minute
	s, err := o.OpenStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("want memory store, got %T", s)
	}
	tc, err := New(s, o.CacheOptions()...)
	if err != nil {
		t.Fatal(err)
	}
	if tc.jitter != time.Minute || tc.earlyExpiry != DefaultEarlyExpiry {
		t.Errorf("options not applied: jitter %s early expiry %s", tc.jitter, tc.earlyExpiry)
	}
}
