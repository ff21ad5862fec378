package config

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// TokenSource returns a bearer token suitable for a SASL XOAUTH2 exchange.
// Implementations are expected to cache and refresh internally; norless
// never calls this more than once per authentication attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// cachingTokenSource wraps an oauth2.TokenSource with the standard
// library's reuse-until-expiry behavior, replacing the disk-cached,
// refresh-at-0.9-of-ttl scheme of the original implementation with
// golang.org/x/oauth2's equivalent in-memory cache. A fresh token is
// fetched lazily on first use and again once the cached one is close
// to expiring.
type cachingTokenSource struct {
	inner oauth2.TokenSource
}

// NewOAuth2TokenSource builds a TokenSource for the given account OAuth2
// configuration, using the standard OAuth2 refresh-token grant.
func NewOAuth2TokenSource(cfg *OAuth2Config) TokenSource {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: cfg.TokenURL,
		},
	}

	base := conf.TokenSource(context.Background(), &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	})

	return &cachingTokenSource{inner: oauth2.ReuseTokenSource(nil, base)}
}

func (c *cachingTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := c.inner.Token()
	if err != nil {
		return "", fmt.Errorf("refresh oauth2 token: %w", err)
	}
	return tok.AccessToken, nil
}
