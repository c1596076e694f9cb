package fedex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// ErrMissingCredentials is the one failure in this package that propagates
// to the caller: without client credentials there is nothing to degrade to
// at authentication time.
var ErrMissingCredentials = errors.New("fedex: client credentials are not configured")

const tokenCacheKey = "access_token"

// expirySafetyMargin keeps us from presenting a token that expires mid-flight.
const expirySafetyMargin = 30 * time.Second

// tokenCache owns the process-wide FedEx bearer token. Refresh is serialized
// with a mutex and double-checked under it, so concurrent callers that all
// observe an expired token issue one authentication round-trip, not N.
type tokenCache struct {
	mu sync.Mutex
	c  *gocache.Cache
}

func newTokenCache() *tokenCache {
	return &tokenCache{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (tc *tokenCache) get() (string, bool) {
	v, ok := tc.c.Get(tokenCacheKey)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (tc *tokenCache) put(token string, ttl time.Duration) {
	tc.c.Set(tokenCacheKey, token, ttl)
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ensureToken returns a valid bearer token, authenticating if the cached one
// is absent or expired. Tokens are never invalidated on request errors;
// stale-on-error is accepted and self-corrects at the next expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if tok, ok := c.tokens.get(); ok {
		return tok, nil
	}

	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	if tok, ok := c.tokens.get(); ok {
		return tok, nil
	}
	return c.authenticate(ctx)
}

// authenticate performs the credential round-trip. Callers must hold the
// token mutex.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	if c.clientID == "" || c.clientSecret == "" {
		return "", ErrMissingCredentials
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "new auth request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "auth request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", errors.Errorf("fedex auth http %d", resp.StatusCode)
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", errors.Wrap(err, "decode auth response")
	}
	if ar.AccessToken == "" {
		return "", errors.New("fedex auth: empty access token")
	}

	ttl := time.Duration(ar.ExpiresIn) * time.Second
	if ttl > expirySafetyMargin {
		ttl -= expirySafetyMargin
	}
	// go-cache treats non-positive TTLs as "no expiration"; a token the
	// server already declared expired must not be cached at all.
	if ttl > 0 {
		c.tokens.put(ar.AccessToken, ttl)
	}
	return ar.AccessToken, nil
}
