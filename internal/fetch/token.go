package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Token is a bearer credential with an expiry
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource obtains a fresh token, e.g. from an OAuth client-credentials endpoint
type TokenSource func(ctx context.Context) (Token, error)

// refreshMargin renews tokens shortly before they expire
const refreshMargin = 30 * time.Second

// TokenCache owns one token per host for sources that require bearer auth.
// Each Fetcher has its own cache.
type TokenCache struct {
	mu      sync.Mutex
	sources map[string]TokenSource
	tokens  map[string]Token
	now     func() time.Time
}

// NewTokenCache creates an empty cache
func NewTokenCache() *TokenCache {
	return &TokenCache{
		sources: make(map[string]TokenSource),
		tokens:  make(map[string]Token),
		now:     time.Now,
	}
}

// Register sets the token source used for host
func (c *TokenCache) Register(host string, source TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[host] = source
	delete(c.tokens, host)
}

// Token returns a valid token for host, refreshing it when it is about to expire.
// ok is false when host needs no authentication.
func (c *TokenCache) Token(ctx context.Context, host string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	source, ok := c.sources[host]
	if !ok {
		return "", false, nil
	}
	if tok, ok := c.tokens[host]; ok && c.now().Add(refreshMargin).Before(tok.ExpiresAt) {
		return tok.Value, true, nil
	}

	tok, err := source(ctx)
	if err != nil {
		return "", true, fmt.Errorf("refresh token for %s: %w", host, err)
	}
	c.tokens[host] = tok
	return tok.Value, true, nil
}

// Invalidate drops the cached token of host, e.g. after a 401
func (c *TokenCache) Invalidate(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, host)
}

// tokenResponse is the RFC 6749 section 5.1 success body
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// defaultTokenLifetime applies when the server omits expires_in
const defaultTokenLifetime = 5 * time.Minute

// ClientCredentialsSource requests tokens with the OAuth 2.0 client
// credentials grant against tokenURL
func ClientCredentialsSource(client *http.Client, tokenURL, clientID, clientSecret string, now func() time.Time) TokenSource {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (Token, error) {
		form := url.Values{"grant_type": {"client_credentials"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return Token{}, fmt.Errorf("create token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))

		issued := now()
		resp, err := client.Do(req)
		if err != nil {
			return Token{}, fmt.Errorf("token request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return Token{}, fmt.Errorf("read token response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return Token{}, fmt.Errorf("token endpoint returned %s", resp.Status)
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return Token{}, fmt.Errorf("decode token response: %w", err)
		}
		if tr.AccessToken == "" {
			return Token{}, errors.New("token response has no access_token")
		}
		lifetime := defaultTokenLifetime
		if tr.ExpiresIn > 0 {
			lifetime = time.Duration(tr.ExpiresIn) * time.Second
		}
		return Token{Value: tr.AccessToken, ExpiresAt: issued.Add(lifetime)}, nil
	}
}
