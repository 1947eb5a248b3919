package mtls

import (
	"errors"
	"sync"
	"testing"
)

func TestMetadataCacheSubjectFirstWins(t *testing.T) {
	m := NewMetadataCache()
	if err := m.Cache(keyA, "mtls_pop", []byte("r1"), "CN=first"); err != nil {
		t.Fatal(err)
	}
	if err := m.Cache(keyA, "mtls_pop", []byte("r2"), "CN=second"); err != nil {
		t.Fatal(err)
	}

	resp, subject, ok := m.TryGet(keyA, "mtls_pop")
	if !ok {
		t.Fatal("want hit")
	}
	if subject != "CN=first" {
		t.Errorf("subject should be kept from the first write, got %q", subject)
	}
	if string(resp) != "r2" {
		t.Errorf("response should be the latest, got %q", resp)
	}
}

func TestMetadataCacheSlots(t *testing.T) {
	m := NewMetadataCache()
	bearerKey := keyA
	bearerKey.TokenType = BearerTokenType

	if err := m.Cache(bearerKey, "bearer", []byte("bearer-resp"), "CN=id"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := m.TryGet(keyA, "mtls_pop"); ok {
		t.Error("pop slot should be empty")
	}
	if err := m.Cache(keyA, "mtls_pop", []byte("pop-resp"), ""); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		tokenType string
		want      string
	}{
		{tokenType: "Bearer", want: "bearer-resp"},
		{tokenType: "BEARER", want: "bearer-resp"},
		{tokenType: "mtls_pop", want: "pop-resp"},
		{tokenType: "pop", want: "pop-resp"},
	} {
		t.Run(tc.tokenType, func(t *testing.T) {
			// the token type on the key does not select the slot
			resp, subject, ok := m.TryGet(bearerKey, tc.tokenType)
			if !ok || string(resp) != tc.want || subject != "CN=id" {
				t.Errorf("want %q, got %q %q %v", tc.want, resp, subject, ok)
			}
		})
	}
}

func TestMetadataCacheRequiresSubject(t *testing.T) {
	m := NewMetadataCache()
	if err := m.Cache(keyA, "mtls_pop", []byte("resp"), ""); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := m.TryGet(keyA, "mtls_pop"); ok {
		t.Error("entry without subject should miss")
	}
	if _, _, _, ok := m.TryGetAnyPop(); ok {
		t.Error("entry without subject should not be offered as any pop")
	}

	// a later write can still set the subject
	if err := m.Cache(keyA, "mtls_pop", []byte("resp"), "CN=late"); err != nil {
		t.Fatal(err)
	}
	if _, subject, ok := m.TryGet(keyA, "mtls_pop"); !ok || subject != "CN=late" {
		t.Errorf("want subject CN=late, got %q %v", subject, ok)
	}
}

func TestMetadataCacheTryGetAnyPop(t *testing.T) {
	m := NewMetadataCache()
	if _, _, _, ok := m.TryGetAnyPop(); ok {
		t.Fatal("empty cache should miss")
	}

	first := IdentityKey{Kind: UserAssignedClientID, ID: "first"}
	second := IdentityKey{Kind: UserAssignedClientID, ID: "second"}
	bearerOnly := IdentityKey{Kind: UserAssignedClientID, ID: "bearer-only"}

	if err := m.Cache(bearerOnly, BearerTokenType, []byte("b"), "CN=b"); err != nil {
		t.Fatal(err)
	}
	if err := m.Cache(first, "mtls_pop", []byte("p1"), "CN=1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Cache(second, "mtls_pop", []byte("p2"), "CN=2"); err != nil {
		t.Fatal(err)
	}

	for range 5 {
		key, resp, subject, ok := m.TryGetAnyPop()
		if !ok || key != first || string(resp) != "p1" || subject != "CN=1" {
			t.Fatalf("want first identity, got %v %q %q %v", key, resp, subject, ok)
		}
	}

	m.Remove(first)
	if key, _, _, ok := m.TryGetAnyPop(); !ok || key != second {
		t.Errorf("want second identity after removal, got %v %v", key, ok)
	}
}

func TestMetadataCacheConcurrent(t *testing.T) {
	m := NewMetadataCache()
	key := IdentityKey{Kind: UserAssignedObjectID, ID: "concurrent"}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokenType := "mtls_pop"
			if i%2 == 0 {
				tokenType = BearerTokenType
			}
			if err := m.Cache(key, tokenType, []byte("resp"), "CN=subject"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for _, tt := range []string{BearerTokenType, "mtls_pop"} {
		if _, _, ok := m.TryGet(key, tt); !ok {
			t.Errorf("%s slot should be set", tt)
		}
	}
}

func TestMetadataCacheInvalidKey(t *testing.T) {
	m := NewMetadataCache()
	if err := m.Cache(IdentityKey{}, "mtls_pop", []byte("r"), "CN=x"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("want ErrInvalidKey, got %v", err)
	}
}

func TestIdentityKeyString(t *testing.T) {
	for _, tc := range []struct {
		key  IdentityKey
		want string
	}{
		{key: IdentityKey{Kind: SystemAssigned}, want: "system"},
		{key: IdentityKey{Kind: SystemAssigned, TokenType: "mtls_pop"}, want: "system/mtls_pop"},
		{key: IdentityKey{Kind: UserAssignedClientID, ID: "abc", TokenType: "Bearer"}, want: "client-id:abc/Bearer"},
	} {
		if got := tc.key.String(); got != tc.want {
			t.Errorf("want %q, got %q", tc.want, got)
		}
	}
}
