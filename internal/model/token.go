package model

import "time"

// TokenState tracks where a tenant's OAuth credentials are in their lifecycle.
type TokenState string

const (
	// TokenStateValid means the access token is usable as-is. Whether it
	// is close enough to expiry to need a refresh is computed from
	// ExpiresAt, not stored.
	TokenStateValid TokenState = "valid"
	// TokenStateRefreshing means a refresh is currently in flight.
	TokenStateRefreshing TokenState = "refreshing"
	// TokenStateRevoked is terminal: the provider rejected the refresh
	// token and the tenant must re-authenticate interactively.
	TokenStateRevoked TokenState = "revoked_needs_reauth"
)

// TokenSet holds the OAuth credentials for one tenant. It is owned by the
// token vault; nothing else mutates it.
type TokenSet struct {
	TenantID     string     `json:"tenant_id"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Scopes       []string   `json:"scopes,omitempty"`
	State        TokenState `json:"state"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ExpiresWithin reports whether the access token expires within the given
// buffer from now.
func (t *TokenSet) ExpiresWithin(buffer time.Duration, now time.Time) bool {
	return !t.ExpiresAt.After(now.Add(buffer))
}
