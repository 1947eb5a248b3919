package tokencache

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AccessTokenItem is the cached form of an access token.
type AccessTokenItem struct {
	HomeAccountID     string    `json:"home_account_id,omitempty"`
	Environment       string    `json:"environment"`
	ClientID          string    `json:"client_id"`
	Realm             string    `json:"realm,omitempty"`
	Scopes            []string  `json:"target"`
	Secret            string    `json:"secret"`
	TokenType         string    `json:"token_type,omitempty"`
	CachedAt          time.Time `json:"cached_at"`
	ExpiresOn         time.Time `json:"expires_on"`
	ExtendedExpiresOn time.Time `json:"extended_expires_on"`
	RefreshOn         time.Time `json:"refresh_on"`
}

func (a *AccessTokenItem) cacheKey() CacheKey {
	return CacheKey{
		Kind:          KindAccessToken,
		HomeAccountID: a.HomeAccountID,
		Environment:   a.Environment,
		ClientID:      a.ClientID,
		Realm:         a.Realm,
		Scopes:        a.Scopes,
	}
}

// Key returns the store key for the item.
func (a *AccessTokenItem) Key() string { return a.cacheKey().Key() }

// Token converts the item into an oauth2 token. The refresh token is not
// part of the item, and is not set.
func (a *AccessTokenItem) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: a.Secret,
		TokenType:   a.TokenType,
		Expiry:      a.ExpiresOn,
	}
}

// hasScopes reports whether the item was issued for every requested scope.
func (a *AccessTokenItem) hasScopes(scopes []string) bool {
	have := copyAndSortStringSlice(a.Scopes)
	for _, s := range scopes {
		if _, ok := slices.BinarySearch(have, strings.ToLower(s)); !ok {
			return false
		}
	}
	return true
}

// RefreshTokenItem is the cached form of a refresh token.
type RefreshTokenItem struct {
	HomeAccountID string `json:"home_account_id,omitempty"`
	Environment   string `json:"environment"`
	ClientID      string `json:"client_id"`
	Secret        string `json:"secret"`
	FamilyID      string `json:"family_id,omitempty"`
}

// Key returns the store key for the item.
func (r *RefreshTokenItem) Key() string {
	return CacheKey{
		Kind:          KindRefreshToken,
		HomeAccountID: r.HomeAccountID,
		Environment:   r.Environment,
		ClientID:      r.ClientID,
	}.Key()
}

// IDTokenItem is the cached form of a raw ID token.
type IDTokenItem struct {
	HomeAccountID string `json:"home_account_id,omitempty"`
	Environment   string `json:"environment"`
	ClientID      string `json:"client_id"`
	Realm         string `json:"realm,omitempty"`
	Secret        string `json:"secret"`
}

// Key returns the store key for the item.
func (i *IDTokenItem) Key() string {
	return CacheKey{
		Kind:          KindIDToken,
		HomeAccountID: i.HomeAccountID,
		Environment:   i.Environment,
		ClientID:      i.ClientID,
		Realm:         i.Realm,
	}.Key()
}

// AccountItem describes the user a set of tokens was issued to.
type AccountItem struct {
	HomeAccountID  string `json:"home_account_id"`
	Environment    string `json:"environment"`
	Realm          string `json:"realm,omitempty"`
	LocalAccountID string `json:"local_account_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
}

// Key returns the store key for the item.
func (a *AccountItem) Key() string {
	return CacheKey{
		Kind:          KindAccount,
		HomeAccountID: a.HomeAccountID,
		Environment:   a.Environment,
		Realm:         a.Realm,
	}.Key()
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
}

// AccountFromIDToken builds an account from the claims of a raw ID token.
// The token signature is not verified, the token is assumed to have been
// verified when it was issued.
func AccountFromIDToken(rawIDToken, environment string) (*AccountItem, error) {
	var cl idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, &cl); err != nil {
		return nil, fmt.Errorf("parsing id token: %w", err)
	}
	local := cl.ObjectID
	if local == "" {
		local = cl.Subject
	}
	if local == "" {
		return nil, fmt.Errorf("id token has no subject")
	}
	home := local
	if cl.TenantID != "" {
		home = local + "." + cl.TenantID
	}
	return &AccountItem{
		HomeAccountID:  home,
		Environment:    environment,
		Realm:          cl.TenantID,
		LocalAccountID: local,
		Username:       cl.PreferredUsername,
		Name:           cl.Name,
	}, nil
}

// idTokenFrom extracts the ID token from the given oauth2 Token
func idTokenFrom(tok *oauth2.Token) (string, bool) {
	idt, ok := tok.Extra("id_token").(string)
	return idt, ok && idt != ""
}

// extraSeconds reads a numeric seconds value from the token response, as
// returned in fields like ext_expires_in and refresh_in.
func extraSeconds(tok *oauth2.Token, field string) (time.Duration, bool) {
	var secs float64
	switch v := tok.Extra(field).(type) {
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case int:
		secs = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		secs = f
	case string:
		f, err := json.Number(v).Float64()
		if err != nil {
			return 0, false
		}
		secs = f
	default:
		return 0, false
	}
	if secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
