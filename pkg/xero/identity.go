// Package xero provides OAuth2 and accounting API access to a Xero-style
// provider: a token endpoint for refresh grants and paginated listing
// endpoints per data type.
package xero

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultTokenURL = "https://identity.xero.com/connect/token"

// ErrRefreshTokenInvalid is returned when the provider reports the refresh
// token is no longer valid (invalid_grant). The tenant must re-authenticate;
// retrying is pointless and can invalidate a sibling's freshly rotated token.
var ErrRefreshTokenInvalid = eris.New("xero: refresh token invalid")

// TokenGrant is the provider's response to a refresh grant.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Scopes splits the space-delimited scope string.
func (g *TokenGrant) Scopes() []string {
	if g.Scope == "" {
		return nil
	}
	return strings.Fields(g.Scope)
}

// IdentityClient exchanges refresh tokens at the provider's token endpoint.
type IdentityClient interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
}

// IdentityOption configures the identity client.
type IdentityOption func(*identityClient)

// WithTokenURL overrides the default token endpoint.
func WithTokenURL(u string) IdentityOption {
	return func(c *identityClient) { c.tokenURL = u }
}

// WithIdentityHTTPClient overrides the default http.Client.
func WithIdentityHTTPClient(hc *http.Client) IdentityOption {
	return func(c *identityClient) { c.http = hc }
}

type identityClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	http         *http.Client
}

// NewIdentityClient creates an OAuth2 identity client.
func NewIdentityClient(clientID, clientSecret string, opts ...IdentityOption) IdentityClient {
	c := &identityClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     defaultTokenURL,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *identityClient) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "xero: build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "xero: token request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "xero: read token response")
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "invalid_grant" || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, ErrRefreshTokenInvalid
		}
		return nil, &Error{StatusCode: resp.StatusCode, Body: string(body), Op: "token refresh"}
	}

	var grant TokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, eris.Wrap(err, "xero: decode token response")
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		return nil, eris.New("xero: token response missing credentials")
	}
	return &grant, nil
}
