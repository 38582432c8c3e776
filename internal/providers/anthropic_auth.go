package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// AuthMode selects how the blocks adapter authenticates.
type AuthMode string

const (
	AuthAPIKey       AuthMode = "api-key"
	AuthOAuth        AuthMode = "oauth"
	AuthOAuthThenKey AuthMode = "oauth-then-api-key"
	AuthKeyThenOAuth AuthMode = "api-key-then-oauth"
)

// OAuthOptions seeds the refresh-token flow for the blocks adapter.
type OAuthOptions struct {
	ClientID     string
	TokenURL     string
	RefreshToken string

	// AccessToken and Expiry optionally seed a live token so the first
	// request skips a refresh round-trip.
	AccessToken string
	Expiry      time.Time
}

// refreshWindow triggers a proactive refresh when the token expires within
// this window.
const refreshWindow = 60 * time.Second

// oauthCredentials hands out bearer tokens, refreshing through the oauth2
// token endpoint when the cached token is stale.
type oauthCredentials struct {
	mu    sync.Mutex
	conf  *oauth2.Config
	token *oauth2.Token
}

func newOAuthCredentials(opts OAuthOptions) (*oauthCredentials, error) {
	if opts.ClientID == "" || opts.TokenURL == "" || opts.RefreshToken == "" {
		return nil, fmt.Errorf("oauth credentials require client id, token url and refresh token")
	}
	return &oauthCredentials{
		conf: &oauth2.Config{
			ClientID: opts.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: opts.TokenURL},
		},
		token: &oauth2.Token{
			AccessToken:  opts.AccessToken,
			RefreshToken: opts.RefreshToken,
			Expiry:       opts.Expiry,
		},
	}, nil
}

// bearer returns a live access token. force discards the cached token, used
// after a 401/403 from the provider.
func (c *oauthCredentials) bearer(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := c.token.AccessToken != "" &&
		!c.token.Expiry.IsZero() &&
		time.Until(c.token.Expiry) > refreshWindow
	if fresh && !force {
		return c.token.AccessToken, nil
	}

	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.token.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("refresh oauth token: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = c.token.RefreshToken
	}
	c.token = token
	return token.AccessToken, nil
}

// oauthNotAuthorized detects the specific 400 the provider returns when an
// OAuth credential is valid but not enabled for the API; the adapter falls
// back to the api key for that single request.
func oauthNotAuthorized(err error) bool {
	if err == nil {
		return false
	}
	pe, ok := GetProviderError(err)
	if !ok || pe.Status != 400 {
		return false
	}
	return strings.Contains(strings.ToLower(pe.Message), "oauth") &&
		strings.Contains(strings.ToLower(pe.Message), "not authorized")
}
