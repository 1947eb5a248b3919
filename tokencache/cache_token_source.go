package tokencache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	// Cache to use for caching the retrieved tokens.
	Cache *TokenCache
	// Session describes the client, authority and account tokens are cached
	// for. ClientID is required.
	Session SessionParams
	// Scopes the token is requested for. Cached tokens issued for a superset
	// of these are used.
	Scopes []string
	// WrappedSource is the oauth2.TokenSource we retrieve tokens to cache from.
	WrappedSource oauth2.TokenSource
	// OAuth2Config is the oauth2.Config for the service that tokens are being
	// cached for. If set, this source will attempt to refresh expired tokens.
	OAuth2Config *oauth2.Config
}

type oauth2Config interface {
	TokenSource(context.Context, *oauth2.Token) oauth2.TokenSource
}

type cachingTokenSource struct {
	ctx context.Context

	cfg *Config
	// interface for testing
	o2cfg oauth2Config

	sf singleflight.Group
}

// TokenSource wraps an oauth2.TokenSource, serving tokens from the cache
// while they are valid. If the cached token needs a refresh and a refresh
// token is present, it will attempt to redeem it before retrieving a new
// token from the wrapped source.
//
// Concurrent calls to Token on the returned source share a single upstream
// request.
func (c *Config) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	var validErr error
	if c.Cache == nil {
		validErr = errors.Join(validErr, fmt.Errorf("a cache must be provided"))
	}
	if c.Session.ClientID == "" {
		validErr = errors.Join(validErr, fmt.Errorf("client ID must be specified"))
	}
	if c.WrappedSource == nil {
		validErr = errors.Join(validErr, fmt.Errorf("a wrapped TokenSource must be provided"))
	}
	if validErr != nil {
		return nil, fmt.Errorf("invalid config: %w", validErr)
	}
	cts := &cachingTokenSource{ctx: ctx, cfg: c}
	if c.OAuth2Config != nil {
		cts.o2cfg = c.OAuth2Config
	}
	return cts, nil
}

func (c *cachingTokenSource) Token() (*oauth2.Token, error) {
	v, err, _ := c.sf.Do("token", func() (any, error) {
		return c.token()
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (c *cachingTokenSource) token() (*oauth2.Token, error) {
	tc := c.cfg.Cache
	sess := tc.NewSession(c.cfg.Session)

	cached, err := sess.FindAccessToken(c.ctx, c.cfg.Scopes)
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	now := tc.now()
	if cached != nil && !cached.NeedsRefresh(now) {
		return cached.Value.Token(), nil
	}

	var newToken *oauth2.Token
	if c.o2cfg != nil {
		rt, err := sess.FindRefreshToken(c.ctx)
		if err != nil {
			return nil, fmt.Errorf("cache get refresh token: %w", err)
		}
		if rt != nil {
			rts := c.o2cfg.TokenSource(c.ctx, &oauth2.Token{RefreshToken: rt.Secret})
			t, err := rts.Token()
			// ignore errors here, just let it fail to a new token
			if err == nil {
				newToken = t
			} else {
				tc.log.DebugContext(c.ctx, "refresh token redemption failed", baseLogAttr, errAttr(err))
			}
		}
	}

	if newToken == nil {
		t, err := c.cfg.WrappedSource.Token()
		if err != nil {
			if cached != nil && cached.IsValid(now) {
				// the cached token was only due a proactive refresh, it
				// can still be used.
				tc.log.WarnContext(c.ctx, "proactive refresh failed, serving cached token", baseLogAttr, errAttr(err))
				return cached.Value.Token(), nil
			}
			return nil, fmt.Errorf("fetching new token: %w", err)
		}
		newToken = t
	}

	if _, err := sess.SaveTokenResponse(c.ctx, newToken, c.cfg.Scopes); err != nil {
		return nil, fmt.Errorf("updating cache: %w", err)
	}
	tc.log.DebugContext(c.ctx, "cached new token", baseLogAttr, slog.Time("expiry", newToken.Expiry))

	return newToken, nil
}
