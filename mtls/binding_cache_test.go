package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lstoll/credcache/internal/certtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	testBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	keyA = IdentityKey{Kind: UserAssignedClientID, ID: "client-a", TokenType: "mtls_pop"}
	keyB = IdentityKey{Kind: SystemAssigned, TokenType: "mtls_pop"}
)

type certOpts struct {
	cn, dc    string
	notBefore time.Time
	notAfter  time.Time
	createdAt time.Time
	response  string
}

func newTestEntry(t *testing.T, o certOpts) *CertificateEntry {
	t.Helper()
	if o.cn == "" {
		o.cn = "test"
	}
	cert, key := certtest.New(t, certtest.Options{
		CommonName:      o.cn,
		DomainComponent: o.dc,
		NotBefore:       o.notBefore,
		NotAfter:        o.notAfter,
	})
	e, err := NewCertificateEntry(cert, key, []byte(o.response), o.createdAt)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func newTestCache(t *testing.T, opts ...Option) *BindingCache {
	t.Helper()
	c, err := NewBindingCache(opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFreshnessOrdering(t *testing.T) {
	day := 24 * time.Hour

	for _, tc := range []struct {
		name string
		puts []certOpts
		// want are the responses left in the bucket, freshest first
		want []string
	}{
		{
			name: "later not before wins",
			puts: []certOpts{
				{notBefore: testBase, notAfter: testBase.Add(2 * day), response: "old"},
				{notBefore: testBase.Add(time.Hour), notAfter: testBase.Add(2 * day), response: "new"},
			},
			want: []string{"new", "old"},
		},
		{
			name: "inserted out of order",
			puts: []certOpts{
				{notBefore: testBase.Add(time.Hour), notAfter: testBase.Add(2 * day), response: "new"},
				{notBefore: testBase, notAfter: testBase.Add(2 * day), response: "old"},
			},
			want: []string{"new", "old"},
		},
		{
			name: "not after breaks ties",
			puts: []certOpts{
				{notBefore: testBase, notAfter: testBase.Add(3 * day), response: "longer"},
				{notBefore: testBase, notAfter: testBase.Add(2 * day), response: "shorter"},
			},
			want: []string{"longer", "shorter"},
		},
		{
			name: "created at breaks ties",
			puts: []certOpts{
				{notBefore: testBase, notAfter: testBase.Add(2 * day), createdAt: testBase.Add(time.Minute), response: "second"},
				{notBefore: testBase, notAfter: testBase.Add(2 * day), createdAt: testBase, response: "first"},
				{notBefore: testBase, notAfter: testBase.Add(2 * day), createdAt: testBase.Add(2 * time.Minute), response: "third"},
			},
			want: []string{"third", "second"},
		},
		{
			name: "capacity keeps the two freshest",
			puts: []certOpts{
				{notBefore: testBase.Add(2 * time.Hour), notAfter: testBase.Add(2 * day), response: "c"},
				{notBefore: testBase, notAfter: testBase.Add(2 * day), response: "a"},
				{notBefore: testBase.Add(3 * time.Hour), notAfter: testBase.Add(2 * day), response: "d"},
				{notBefore: testBase.Add(time.Hour), notAfter: testBase.Add(2 * day), response: "b"},
			},
			want: []string{"d", "c"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCache(t)
			for _, p := range tc.puts {
				if err := c.Put(keyA, newTestEntry(t, p)); err != nil {
					t.Fatal(err)
				}
				snap := c.Snapshot(keyA)
				if len(snap) > BucketCapacity {
					t.Fatalf("bucket holds %d entries", len(snap))
				}
				if len(snap) == 2 && compareFreshness(snap[0], snap[1]) > 0 {
					t.Fatalf("bucket out of order: %s before %s", snap[0].Response(), snap[1].Response())
				}
			}

			var got []string
			for _, e := range c.Snapshot(keyA) {
				got = append(got, string(e.Response()))
			}
			if len(got) != len(tc.want) {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("want %v, got %v", tc.want, got)
					break
				}
			}
		})
	}
}

func TestTryGetLatestRotation(t *testing.T) {
	c := newTestCache(t)
	day := 24 * time.Hour

	certA := newTestEntry(t, certOpts{notBefore: testBase, notAfter: testBase.Add(2 * day), response: "a"})
	if err := c.Put(keyA, certA); err != nil {
		t.Fatal(err)
	}
	got, ok := c.TryGetLatest(keyA, testBase.Add(time.Hour))
	if !ok || got != certA {
		t.Fatalf("want certA, got %v %v", got, ok)
	}

	certB := newTestEntry(t, certOpts{notBefore: testBase.Add(time.Hour), notAfter: testBase.Add(2*day + time.Hour), response: "b"})
	if err := c.Put(keyA, certB); err != nil {
		t.Fatal(err)
	}
	got, ok = c.TryGetLatest(keyA, testBase.Add(2*time.Hour))
	if !ok || got != certB {
		t.Fatalf("want certB, got %v %v", got, ok)
	}
	if n := len(c.Snapshot(keyA)); n != 2 {
		t.Errorf("bucket should still hold both certificates, has %d", n)
	}
}

func TestTryGetLatestPrunesExpired(t *testing.T) {
	c := newTestCache(t)

	certA := newTestEntry(t, certOpts{notBefore: testBase.Add(-time.Hour), notAfter: testBase.Add(time.Minute)})
	if err := c.Put(keyA, certA); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.TryGetLatest(keyA, testBase.Add(5*time.Minute)); ok {
		t.Fatal("expired certificate returned")
	}
	if n := len(c.Snapshot(keyA)); n != 0 {
		t.Errorf("bucket should be pruned, has %d", n)
	}
}

func TestTryGetLatestClockSkew(t *testing.T) {
	now := testBase

	for _, tc := range []struct {
		name     string
		notAfter time.Time
		wantHit  bool
	}{
		{name: "inside skew", notAfter: now.Add(time.Minute)},
		{name: "at skew", notAfter: now.Add(ClockSkew)},
		{name: "just past skew", notAfter: now.Add(ClockSkew + time.Second), wantHit: true},
		{name: "already expired", notAfter: now.Add(-time.Hour)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCache(t)
			e := newTestEntry(t, certOpts{notBefore: now.Add(-24 * time.Hour), notAfter: tc.notAfter})
			if err := c.Put(keyA, e); err != nil {
				t.Fatal(err)
			}
			got, ok := c.TryGetLatest(keyA, now)
			if ok != tc.wantHit {
				t.Fatalf("want hit %v, got %v", tc.wantHit, ok)
			}
			if ok && !got.NotAfter().After(now.Add(ClockSkew)) {
				t.Errorf("returned certificate expires at %s, within skew of %s", got.NotAfter(), now)
			}
		})
	}
}

func TestTryGetLatestIdempotentMiss(t *testing.T) {
	c := newTestCache(t)

	for range 3 {
		if _, ok := c.TryGetLatest(keyA, testBase); ok {
			t.Fatal("empty cache returned a certificate")
		}
	}

	for _, na := range []time.Duration{time.Minute, 90 * time.Second} {
		e := newTestEntry(t, certOpts{notBefore: testBase.Add(-time.Hour), notAfter: testBase.Add(na)})
		if err := c.Put(keyB, e); err != nil {
			t.Fatal(err)
		}
	}
	for range 3 {
		if _, ok := c.TryGetLatest(keyB, testBase); ok {
			t.Fatal("all expired bucket returned a certificate")
		}
		if n := len(c.Snapshot(keyB)); n != 0 {
			t.Fatalf("bucket should be empty, has %d", n)
		}
	}
}

func TestTryGetLatestKeyUsability(t *testing.T) {
	for _, tc := range []struct {
		name  string
		check KeyUsabilityFunc
	}{
		{name: "unusable", check: func(*CertificateEntry) (bool, error) { return false, nil }},
		{name: "error", check: func(*CertificateEntry) (bool, error) { return true, errors.New("key store unavailable") }},
		{name: "panic", check: func(*CertificateEntry) (bool, error) { panic("boom") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCache(t, WithKeyUsability(tc.check))
			older := newTestEntry(t, certOpts{notBefore: testBase.Add(-2 * time.Hour), notAfter: testBase.Add(48 * time.Hour)})
			newer := newTestEntry(t, certOpts{notBefore: testBase.Add(-time.Hour), notAfter: testBase.Add(48 * time.Hour)})
			for _, e := range []*CertificateEntry{older, newer} {
				if err := c.Put(keyA, e); err != nil {
					t.Fatal(err)
				}
			}

			if _, ok := c.TryGetLatest(keyA, testBase); ok {
				t.Fatal("certificate with unusable key returned")
			}
			snap := c.Snapshot(keyA)
			if len(snap) != 1 || snap[0] != older {
				t.Errorf("only the unusable best entry should be removed, have %d entries", len(snap))
			}
		})
	}
}

func TestSignerUsable(t *testing.T) {
	e := newTestEntry(t, certOpts{notBefore: testBase, notAfter: testBase.Add(time.Hour)})
	ok, err := SignerUsable(e)
	if err != nil || !ok {
		t.Errorf("matching key should be usable: %v %v", ok, err)
	}

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	mismatched, err := NewCertificateEntry(e.Certificate(), other, nil, testBase)
	if err != nil {
		t.Fatal(err)
	}
	ok, err = SignerUsable(mismatched)
	if err != nil || ok {
		t.Errorf("key not matching the certificate should not be usable: %v %v", ok, err)
	}
}

func TestConcurrentPutNewKey(t *testing.T) {
	c := newTestCache(t)
	const writers = 20

	entries := make([]*CertificateEntry, writers)
	for i := range entries {
		entries[i] = newTestEntry(t, certOpts{
			notBefore: testBase.Add(time.Duration(i) * time.Minute),
			notAfter:  testBase.Add(48 * time.Hour),
		})
	}

	key := IdentityKey{Kind: UserAssignedObjectID, ID: "new-identity"}
	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := c.Put(key, e); err != nil {
				t.Error(err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// a lost bucket would lose the freshest entries put into it
	snap := c.Snapshot(key)
	if len(snap) != BucketCapacity {
		t.Fatalf("want %d entries, got %d", BucketCapacity, len(snap))
	}
	if snap[0] != entries[writers-1] || snap[1] != entries[writers-2] {
		t.Error("bucket does not hold the two freshest certificates")
	}
}

func TestTryGetLatestBySubject(t *testing.T) {
	now := testBase
	day := 24 * time.Hour

	c := newTestCache(t)
	put := func(key IdentityKey, o certOpts) *CertificateEntry {
		t.Helper()
		e := newTestEntry(t, o)
		if err := c.Put(key, e); err != nil {
			t.Fatal(err)
		}
		return e
	}

	older := put(keyA, certOpts{cn: "device", dc: "tenant", notBefore: now.Add(-2 * time.Hour), notAfter: now.Add(day)})
	newer := put(keyB, certOpts{cn: "device", dc: "tenant", notBefore: now.Add(-time.Hour), notAfter: now.Add(day)})
	put(IdentityKey{Kind: UserAssignedClientID, ID: "expired"}, certOpts{cn: "device", dc: "tenant", notBefore: now.Add(-day), notAfter: now.Add(-time.Second)})
	other := put(IdentityKey{Kind: UserAssignedClientID, ID: "other"}, certOpts{cn: "other", dc: "elsewhere", notBefore: now, notAfter: now.Add(day)})

	for _, tc := range []struct {
		name   string
		cn, dc string
		want   *CertificateEntry
	}{
		{name: "latest not before across keys", cn: "device", dc: "tenant", want: newer},
		{name: "case insensitive", cn: "DEVICE", dc: "Tenant", want: newer},
		{name: "other subject", cn: "other", dc: "elsewhere", want: other},
		{name: "domain must match", cn: "device", dc: "elsewhere"},
		{name: "common name must match", cn: "nobody", dc: "tenant"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := c.TryGetLatestBySubject(tc.cn, tc.dc, now)
			if ok != (tc.want != nil) {
				t.Fatalf("want hit %v, got %v", tc.want != nil, ok)
			}
			if got != tc.want {
				t.Errorf("wrong certificate returned")
			}
		})
	}

	// the subject match is a substring match on the rendered subject, a
	// shorter common name matches a longer one
	t.Run("substring limitation", func(t *testing.T) {
		cc := newTestCache(t)
		e := newTestEntry(t, certOpts{cn: "device-1", dc: "tenant", notBefore: now, notAfter: now.Add(day)})
		if err := cc.Put(keyA, e); err != nil {
			t.Fatal(err)
		}
		if _, ok := cc.TryGetLatestBySubject("device", "tenant", now); !ok {
			t.Error("expected CN=device to match CN=device-1")
		}
	})

	t.Run("unusable keys are removed", func(t *testing.T) {
		cc := newTestCache(t, WithKeyUsability(func(e *CertificateEntry) (bool, error) { return e != older, nil }))
		if err := cc.Put(keyA, older); err != nil {
			t.Fatal(err)
		}
		if _, ok := cc.TryGetLatestBySubject("device", "tenant", now); ok {
			t.Fatal("certificate with unusable key returned")
		}
		if n := len(cc.Snapshot(keyA)); n != 0 {
			t.Errorf("unusable certificate should be removed, bucket has %d", n)
		}
	})

	t.Run("unusable keys are removed whatever their subject", func(t *testing.T) {
		other := newTestEntry(t, certOpts{cn: "other", dc: "elsewhere", notBefore: now, notAfter: now.Add(day)})
		cc := newTestCache(t, WithKeyUsability(func(e *CertificateEntry) (bool, error) { return e != other, nil }))
		if err := cc.Put(keyA, other); err != nil {
			t.Fatal(err)
		}
		if err := cc.Put(keyB, newer); err != nil {
			t.Fatal(err)
		}
		got, ok := cc.TryGetLatestBySubject("device", "tenant", now)
		if !ok || got != newer {
			t.Fatal("want the usable matching certificate")
		}
		if n := len(cc.Snapshot(keyA)); n != 0 {
			t.Errorf("unusable certificate should be removed, bucket has %d", n)
		}
	})
}

func TestPutValidation(t *testing.T) {
	c := newTestCache(t)
	e := newTestEntry(t, certOpts{notBefore: testBase, notAfter: testBase.Add(time.Hour)})

	for _, key := range []IdentityKey{
		{},
		{Kind: UserAssignedClientID},
		{Kind: UserAssignedResourceID, ID: "  "},
		{Kind: "bogus", ID: "x"},
	} {
		if err := c.Put(key, e); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("%+v: want ErrInvalidKey, got %v", key, err)
		}
		if _, err := c.Remove(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("%+v: remove want ErrInvalidKey, got %v", key, err)
		}
	}
	if err := c.Put(keyA, nil); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("nil entry: want ErrInvalidEntry, got %v", err)
	}
}

func TestNewCertificateEntry(t *testing.T) {
	cert, key := certtest.New(t, certtest.Options{CommonName: "x", NotBefore: testBase, NotAfter: testBase.Add(time.Hour)})

	if _, err := NewCertificateEntry(nil, key, nil, testBase); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("nil certificate: want ErrInvalidEntry, got %v", err)
	}
	if _, err := NewCertificateEntry(cert, nil, nil, testBase); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("nil key: want ErrInvalidEntry, got %v", err)
	}

	resp := []byte("response")
	e, err := NewCertificateEntry(cert, key, resp, testBase)
	if err != nil {
		t.Fatal(err)
	}
	resp[0] = 'X'
	if string(e.Response()) != "response" {
		t.Error("entry should not alias the caller's response")
	}
	if !e.NotBefore().Equal(cert.NotBefore) || !e.NotAfter().Equal(cert.NotAfter) {
		t.Error("validity window should come from the certificate")
	}
	if e.Certificate() != cert || e.Signer() != key || !e.CreatedAt().Equal(testBase) {
		t.Error("entry should return what it was created with")
	}
	if tc := e.TLSCertificate(); tc.Leaf != cert || tc.PrivateKey != key {
		t.Error("tls certificate should carry the leaf and key")
	}
}

func TestRemoveAndClear(t *testing.T) {
	c := newTestCache(t)
	for _, key := range []IdentityKey{keyA, keyB} {
		e := newTestEntry(t, certOpts{notBefore: testBase, notAfter: testBase.Add(48 * time.Hour)})
		if err := c.Put(key, e); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := c.Remove(keyA)
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if removed, _ := c.Remove(keyA); removed {
		t.Error("second remove should report nothing removed")
	}
	if _, ok := c.TryGetLatest(keyA, testBase); ok {
		t.Error("removed key still served")
	}
	if _, ok := c.TryGetLatest(keyB, testBase); !ok {
		t.Error("other key should be unaffected")
	}

	c.Clear()
	if _, ok := c.TryGetLatest(keyB, testBase); ok {
		t.Error("cleared cache still serving")
	}
}

func TestPutAfterRemoveIsNotLost(t *testing.T) {
	c := newTestCache(t)
	first := newTestEntry(t, certOpts{notBefore: testBase, notAfter: testBase.Add(48 * time.Hour)})
	if err := c.Put(keyA, first); err != nil {
		t.Fatal(err)
	}

	// a Put that loaded the bucket before Remove took it out of the map
	stale, ok := c.bucket(keyA)
	if !ok {
		t.Fatal("bucket missing")
	}
	if removed, err := c.Remove(keyA); err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	second := newTestEntry(t, certOpts{notBefore: testBase, notAfter: testBase.Add(48 * time.Hour)})
	if stale.add(second) {
		t.Fatal("removed bucket accepted an entry")
	}

	// a Put that still finds the removed bucket in the map retries
	c.buckets.Store(keyA, stale)
	if err := c.Put(keyA, second); err != nil {
		t.Fatal(err)
	}
	got, ok := c.TryGetLatest(keyA, testBase)
	if !ok || got != second {
		t.Fatal("entry put after remove was lost")
	}
}

func TestBindingCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestCache(t, WithRegisterer(reg))

	e := newTestEntry(t, certOpts{notBefore: testBase.Add(-time.Hour), notAfter: testBase.Add(time.Minute)})
	if err := c.Put(keyA, e); err != nil {
		t.Fatal(err)
	}
	c.TryGetLatest(keyA, testBase)

	want := `
# HELP credcache_prunes_total Total number of cached credentials removed at read time, by cache and reason
# TYPE credcache_prunes_total counter
credcache_prunes_total{cache="mtls",reason="expired"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "credcache_prunes_total"); err != nil {
		t.Error(err)
	}
}
