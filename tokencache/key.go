package tokencache

import (
	"slices"
	"strings"
)

// CredentialKind identifies the type of item stored under a key.
type CredentialKind string

const (
	KindAccessToken  CredentialKind = "accesstoken"
	KindRefreshToken CredentialKind = "refreshtoken"
	KindIDToken      CredentialKind = "idtoken"
	KindAccount      CredentialKind = "account"
)

// CacheKey represents the parameters that identify a cached item uniquely
// from other combinations.
type CacheKey struct {
	Kind          CredentialKind
	HomeAccountID string
	Environment   string
	ClientID      string
	Realm         string
	// Scopes is only part of the key for access tokens.
	Scopes []string
}

// Key builds the key that is passed to a Store. Keys are case-insensitive.
func (k CacheKey) Key() string {
	var parts []string
	switch k.Kind {
	case KindAccount:
		parts = []string{string(k.Kind), k.HomeAccountID, k.Environment, k.Realm}
	case KindRefreshToken:
		// refresh tokens are not bound to a tenant
		parts = []string{string(k.Kind), k.HomeAccountID, k.Environment, k.ClientID}
	case KindAccessToken:
		// the scope segment is always present, empty for tokens issued
		// without scopes
		parts = []string{string(k.Kind), k.HomeAccountID, k.Environment, k.ClientID, k.Realm}
		parts = append(parts, strings.Join(copyAndSortStringSlice(k.Scopes), " "))
	default:
		parts = []string{string(k.Kind), k.HomeAccountID, k.Environment, k.ClientID, k.Realm}
	}
	return strings.ToLower(strings.Join(parts, "-"))
}

// prefix returns the part of the key shared by every scope set, used to
// narrow GetAll lookups. Matches must still be confirmed against the decoded
// item, as the separator can appear in the fields.
func (k CacheKey) prefix() string {
	k.Scopes = nil
	return k.Key()
}

// copyAndSortStringSlice returns a lowercased, sorted list of strings without
// modifying the original slice
func copyAndSortStringSlice(s []string) []string {
	sc := make([]string, 0, len(s))
	for _, v := range s {
		sc = append(sc, strings.ToLower(v))
	}

	slices.Sort(sc)
	return sc
}
