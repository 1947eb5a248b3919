package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lstoll/credcache/internal/metrics"
	"golang.org/x/oauth2"
)

// SessionParams describe the logical operation a Session serves.
type SessionParams struct {
	// ClientID of the application. Required.
	ClientID string
	// Environment is the authority host, e.g. login.example.com.
	Environment string
	// Realm is the tenant. If empty the account's realm is used.
	Realm string
	// Account is the user the operation runs for, nil for application
	// tokens.
	Account *AccountItem
	// IsApplicationCache marks operations on the application-wide cache.
	IsApplicationCache bool
	// CorrelationID identifies the operation, one is generated if unset.
	CorrelationID uuid.UUID
}

// Session is one logical operation against a TokenCache. The first read in
// a session gives the persistence hooks a chance to reload the cache, this
// happens at most once per session no matter how many reads follow, or how
// many of them run concurrently.
//
// A Session is safe for concurrent use, but is intended to be short lived.
type Session struct {
	tc     *TokenCache
	params SessionParams

	refreshed atomic.Bool
}

// Refreshed reports whether the hooks have run for this session.
func (s *Session) Refreshed() bool { return s.refreshed.Load() }

// CorrelationID returns the ID passed to hooks for this session.
func (s *Session) CorrelationID() uuid.UUID { return s.params.CorrelationID }

func (s *Session) args(changed bool) *NotificationArgs {
	return &NotificationArgs{
		Cache:              s.tc,
		ClientID:           s.params.ClientID,
		Account:            s.params.Account,
		IsApplicationCache: s.params.IsApplicationCache,
		HasStateChanged:    changed,
		CorrelationID:      s.params.CorrelationID,
	}
}

func (s *Session) logAttrs() []any {
	return []any{baseLogAttr, slog.String("correlation_id", s.params.CorrelationID.String())}
}

// refreshForRead runs the hooks once for the session. The lock is scoped to
// the cache, so concurrent sessions never observe a half reloaded store. If
// the hooks fail or ctx is cancelled the session stays unrefreshed, and the
// next read will try again.
func (s *Session) refreshForRead(ctx context.Context) error {
	if s.refreshed.Load() {
		return nil
	}
	if s.tc.hooks == nil {
		s.refreshed.Store(true)
		return nil
	}

	if err := s.tc.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for cache: %w", err)
	}
	defer s.tc.sem.Release(1)

	if s.refreshed.Load() {
		return nil
	}

	args := s.args(false)
	if err := s.tc.hooks.BeforeAccess(ctx, args); err != nil {
		s.tc.metrics.Reload("error")
		return fmt.Errorf("before access: %w", err)
	}
	if err := s.tc.hooks.AfterAccess(ctx, args); err != nil {
		s.tc.metrics.Reload("error")
		return fmt.Errorf("after access: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.tc.metrics.Reload("error")
		return fmt.Errorf("reloading cache: %w", err)
	}
	s.tc.metrics.Reload("ok")
	s.refreshed.Store(true)
	return nil
}

// write runs fn with the cache locked, between the hooks. AfterAccess is
// told the state changed only if fn succeeds.
func (s *Session) write(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.tc.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for cache: %w", err)
	}
	defer s.tc.sem.Release(1)

	if s.tc.hooks != nil {
		if err := s.tc.hooks.BeforeAccess(ctx, s.args(false)); err != nil {
			return fmt.Errorf("before access: %w", err)
		}
	}

	werr := fn(ctx)

	if s.tc.hooks != nil {
		if err := s.tc.hooks.AfterAccess(ctx, s.args(werr == nil)); err != nil {
			return errors.Join(werr, fmt.Errorf("after access: %w", err))
		}
	}
	if werr != nil {
		return werr
	}
	// the cache was reloaded as part of the write
	s.refreshed.Store(true)
	return nil
}

func (s *Session) homeAccountID() string {
	if s.params.Account == nil {
		return ""
	}
	return s.params.Account.HomeAccountID
}

func (s *Session) realm() string {
	if s.params.Realm != "" || s.params.Account == nil {
		return s.params.Realm
	}
	return s.params.Account.Realm
}

// FindAccessToken returns a cached access token issued for at least the
// requested scopes. Tokens within the early expiry window of their expiry
// are never returned. A miss returns `(nil, nil)`.
func (s *Session) FindAccessToken(ctx context.Context, scopes []string) (*Entry[*AccessTokenItem], error) {
	if err := s.refreshForRead(ctx); err != nil {
		return nil, err
	}

	want := CacheKey{
		Kind:          KindAccessToken,
		HomeAccountID: s.homeAccountID(),
		Environment:   s.params.Environment,
		ClientID:      s.params.ClientID,
		Realm:         s.realm(),
	}
	items, err := s.findAccessTokens(ctx, want)
	if err != nil {
		return nil, err
	}

	var best *AccessTokenItem
	for _, it := range items {
		if !it.hasScopes(scopes) {
			continue
		}
		if best == nil || it.ExpiresOn.After(best.ExpiresOn) {
			best = it
		}
	}

	now := s.tc.now()
	if best == nil || !now.Before(best.ExpiresOn.Add(-s.tc.earlyExpiry)) {
		s.tc.metrics.Lookup("tokencache", metrics.ResultMiss)
		s.tc.log.DebugContext(ctx, "access token cache miss", s.logAttrs()...)
		return nil, nil
	}
	s.tc.metrics.Lookup("tokencache", metrics.ResultHit)

	ext := best.ExtendedExpiresOn
	if ext.Before(best.ExpiresOn) {
		ext = best.ExpiresOn
	}
	return NewEntry(best, best.ExpiresOn.Add(-s.tc.earlyExpiry), ext, best.RefreshOn)
}

// findAccessTokens returns the access tokens matching want, ignoring scopes.
func (s *Session) findAccessTokens(ctx context.Context, want CacheKey) ([]*AccessTokenItem, error) {
	prefix := want.prefix()
	blobs, err := s.tc.store.GetAll(ctx, func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
	if err != nil {
		return nil, fmt.Errorf("reading access tokens: %w", err)
	}
	var out []*AccessTokenItem
	for key, b := range blobs {
		it := new(AccessTokenItem)
		if err := json.Unmarshal(b, it); err != nil {
			s.tc.log.WarnContext(ctx, "skipping undecodable access token", append(s.logAttrs(), slog.String("key", key), errAttr(err))...)
			continue
		}
		if !strings.EqualFold(it.HomeAccountID, want.HomeAccountID) ||
			!strings.EqualFold(it.Environment, want.Environment) ||
			!strings.EqualFold(it.ClientID, want.ClientID) ||
			!strings.EqualFold(it.Realm, want.Realm) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// FindRefreshToken returns the refresh token for the session's account and
// client. A miss returns `(nil, nil)`.
func (s *Session) FindRefreshToken(ctx context.Context) (*RefreshTokenItem, error) {
	if err := s.refreshForRead(ctx); err != nil {
		return nil, err
	}
	rt := &RefreshTokenItem{
		HomeAccountID: s.homeAccountID(),
		Environment:   s.params.Environment,
		ClientID:      s.params.ClientID,
	}
	ok, err := s.tc.getJSON(ctx, rt.Key(), rt)
	if err != nil || !ok {
		return nil, err
	}
	return rt, nil
}

// FindIDToken returns the ID token for the session's account and client. A
// miss returns `(nil, nil)`.
func (s *Session) FindIDToken(ctx context.Context) (*IDTokenItem, error) {
	if err := s.refreshForRead(ctx); err != nil {
		return nil, err
	}
	it := &IDTokenItem{
		HomeAccountID: s.homeAccountID(),
		Environment:   s.params.Environment,
		ClientID:      s.params.ClientID,
		Realm:         s.realm(),
	}
	ok, err := s.tc.getJSON(ctx, it.Key(), it)
	if err != nil || !ok {
		return nil, err
	}
	return it, nil
}

// GetAccounts returns the accounts in the cache for the session's
// environment. An empty environment returns every account.
func (s *Session) GetAccounts(ctx context.Context) ([]*AccountItem, error) {
	if err := s.refreshForRead(ctx); err != nil {
		return nil, err
	}
	prefix := string(KindAccount) + "-"
	blobs, err := s.tc.store.GetAll(ctx, func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
	if err != nil {
		return nil, fmt.Errorf("reading accounts: %w", err)
	}
	var out []*AccountItem
	for _, b := range blobs {
		a := new(AccountItem)
		if err := json.Unmarshal(b, a); err != nil {
			continue
		}
		if s.params.Environment != "" && !strings.EqualFold(a.Environment, s.params.Environment) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// SaveTokenResponse writes the tokens from a token endpoint response. The
// access, refresh and ID tokens and the account are written as independent
// keys. If the response carries an ID token the account is derived from it,
// otherwise the session's account is used. The account the tokens were
// stored under is returned, nil for application tokens.
//
// Scopes are what the token was issued for, if empty they are read from the
// response's scope field.
func (s *Session) SaveTokenResponse(ctx context.Context, tok *oauth2.Token, scopes []string) (*AccountItem, error) {
	if tok == nil {
		return nil, errors.New("token must be provided")
	}
	if len(scopes) == 0 {
		if sc, ok := tok.Extra("scope").(string); ok {
			scopes = strings.Fields(sc)
		}
	}

	account := s.params.Account
	idt, hasIDT := idTokenFrom(tok)
	if hasIDT && !s.params.IsApplicationCache {
		a, err := AccountFromIDToken(idt, s.params.Environment)
		if err != nil {
			return nil, err
		}
		account = a
	}

	var home string
	realm := s.params.Realm
	if account != nil {
		home = account.HomeAccountID
		if realm == "" {
			realm = account.Realm
		}
	}

	err := s.write(ctx, func(ctx context.Context) error {
		now := s.tc.now()

		if tok.AccessToken != "" && !tok.Expiry.IsZero() {
			at := s.newAccessTokenItem(tok, now, home, realm, scopes)
			if err := s.removeIntersectingAccessTokens(ctx, at); err != nil {
				return err
			}
			if err := s.tc.setJSON(ctx, at.Key(), at); err != nil {
				return err
			}
		} else if tok.AccessToken != "" {
			s.tc.log.DebugContext(ctx, "not caching access token without expiry", s.logAttrs()...)
		}

		if tok.RefreshToken != "" {
			rt := &RefreshTokenItem{
				HomeAccountID: home,
				Environment:   s.params.Environment,
				ClientID:      s.params.ClientID,
				Secret:        tok.RefreshToken,
			}
			if foci, ok := tok.Extra("foci").(string); ok {
				rt.FamilyID = foci
			}
			if err := s.tc.setJSON(ctx, rt.Key(), rt); err != nil {
				return err
			}
		}

		if hasIDT {
			it := &IDTokenItem{
				HomeAccountID: home,
				Environment:   s.params.Environment,
				ClientID:      s.params.ClientID,
				Realm:         realm,
				Secret:        idt,
			}
			if err := s.tc.setJSON(ctx, it.Key(), it); err != nil {
				return err
			}
		}

		if account != nil && !s.params.IsApplicationCache {
			if err := s.tc.setJSON(ctx, account.Key(), account); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Session) newAccessTokenItem(tok *oauth2.Token, now time.Time, home, realm string, scopes []string) *AccessTokenItem {
	tc := s.tc

	// jitter may only bring the expiry forward, never past what was issued
	expiresOn := applyJitter(tok.Expiry, now, tok.Expiry, tc.jitter, tc.rnd)

	extended := expiresOn
	if d, ok := extraSeconds(tok, "ext_expires_in"); ok && now.Add(d).After(expiresOn) {
		extended = now.Add(d)
	}

	refreshOn := expiresOn
	if d, ok := extraSeconds(tok, "refresh_in"); ok {
		refreshOn = now.Add(d)
	} else if tc.refreshIn > 0 {
		refreshOn = now.Add(time.Duration(float64(expiresOn.Sub(now)) * tc.refreshIn))
	}
	refreshOn = applyJitter(refreshOn, now, expiresOn, tc.jitter, tc.rnd)

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &AccessTokenItem{
		HomeAccountID:     home,
		Environment:       s.params.Environment,
		ClientID:          s.params.ClientID,
		Realm:             realm,
		Scopes:            scopes,
		Secret:            tok.AccessToken,
		TokenType:         tokenType,
		CachedAt:          now,
		ExpiresOn:         expiresOn,
		ExtendedExpiresOn: extended,
		RefreshOn:         refreshOn,
	}
}

// removeIntersectingAccessTokens drops tokens for the same account and
// client whose scopes overlap the new token's, so a lookup can't pick a
// stale token over the new one.
func (s *Session) removeIntersectingAccessTokens(ctx context.Context, at *AccessTokenItem) error {
	existing, err := s.findAccessTokens(ctx, at.cacheKey())
	if err != nil {
		return err
	}
	for _, it := range existing {
		if !scopesIntersect(it.Scopes, at.Scopes) {
			continue
		}
		if err := s.tc.store.Delete(ctx, it.Key()); err != nil {
			return fmt.Errorf("removing access token: %w", err)
		}
	}
	return nil
}

func scopesIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

// RemoveAccount deletes the account and every token issued to it.
func (s *Session) RemoveAccount(ctx context.Context, account *AccountItem) error {
	if account == nil || account.HomeAccountID == "" {
		return errors.New("account must be provided")
	}
	return s.write(ctx, func(ctx context.Context) error {
		all, err := s.tc.store.GetAll(ctx, nil)
		if err != nil {
			return fmt.Errorf("reading store: %w", err)
		}
		for key, b := range all {
			var owner struct {
				HomeAccountID string `json:"home_account_id"`
				Environment   string `json:"environment"`
			}
			if err := json.Unmarshal(b, &owner); err != nil {
				continue
			}
			if owner.HomeAccountID != account.HomeAccountID ||
				!strings.EqualFold(owner.Environment, account.Environment) {
				continue
			}
			if err := s.tc.store.Delete(ctx, key); err != nil {
				return fmt.Errorf("removing %q: %w", key, err)
			}
		}
		return nil
	})
}

// Clear removes everything from the cache.
func (s *Session) Clear(ctx context.Context) error {
	return s.write(ctx, func(ctx context.Context) error {
		return s.tc.store.Clear(ctx)
	})
}
