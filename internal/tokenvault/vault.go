// Package tokenvault owns the OAuth token lifecycle per tenant.
//
// The one bug this package exists to prevent: two concurrent refreshes
// against the same refresh token. Providers rotate the refresh token on
// use, so the second refresh fails permanently and strands the tenant.
// Refreshes are therefore single-flight per tenant, in-process via
// singleflight and across processes via the store's durable tenant lock.
//
// Persisted states: valid → refreshing → {valid, revoked_needs_reauth}.
// "Expiring" is not a stored state: it is the computed condition of a valid
// token sitting inside the buffer window, and it triggers the refresh.
// Revocation is terminal; the vault never retries a rejected refresh token.
package tokenvault

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/taxaudit-cli/internal/model"
	"github.com/sells-group/taxaudit-cli/internal/resilience"
	"github.com/sells-group/taxaudit-cli/internal/store"
	"github.com/sells-group/taxaudit-cli/pkg/xero"
)

// DefaultBuffer is the expiry window within which a token is refreshed
// ahead of use.
const DefaultBuffer = 300 * time.Second

// Vault hands out valid access tokens, refreshing them behind a per-tenant
// single-flight.
type Vault struct {
	store    store.Store
	identity xero.IdentityClient
	buffer   time.Duration
	group    singleflight.Group

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Vault. A non-positive buffer falls back to DefaultBuffer.
func New(st store.Store, identity xero.IdentityClient, buffer time.Duration) *Vault {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Vault{
		store:    st,
		identity: identity,
		buffer:   buffer,
		nowFunc:  time.Now,
	}
}

// AcquireValidToken returns a token whose expiry is outside the buffer
// window, refreshing first when needed. Returns AuthRevokedError once the
// tenant's refresh token has been rejected by the provider.
func (v *Vault) AcquireValidToken(ctx context.Context, tenantID string) (*model.TokenSet, error) {
	tok, err := v.store.GetToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tok.State == model.TokenStateRevoked {
		return nil, &resilience.AuthRevokedError{TenantID: tenantID, Err: xero.ErrRefreshTokenInvalid}
	}

	// The buffer-window check is the sole authority on expiry. Tokens
	// outside the window are returned as-is, no provider round-trip.
	if !tok.ExpiresWithin(v.buffer, v.nowFunc()) {
		return tok, nil
	}

	// Expiring: join (or start) the tenant's in-flight refresh.
	result, err, shared := v.group.Do(tenantID, func() (any, error) {
		return v.refresh(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		zap.L().Debug("token refresh shared with concurrent caller",
			zap.String("tenant_id", tenantID),
		)
	}
	return result.(*model.TokenSet), nil
}

// refresh performs the provider round-trip under the durable tenant lock.
// A second process blocked on the lock re-reads the rotated token and
// returns it without issuing its own refresh.
func (v *Vault) refresh(ctx context.Context, tenantID string) (*model.TokenSet, error) {
	var refreshed *model.TokenSet

	err := v.store.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		tok, err := v.store.GetToken(ctx, tenantID)
		if err != nil {
			return err
		}
		if tok.State == model.TokenStateRevoked {
			return &resilience.AuthRevokedError{TenantID: tenantID, Err: xero.ErrRefreshTokenInvalid}
		}

		// Another process may have refreshed while we waited on the lock.
		if !tok.ExpiresWithin(v.buffer, v.nowFunc()) {
			refreshed = tok
			return nil
		}

		tok.State = model.TokenStateRefreshing
		if err := v.store.SaveToken(ctx, tok); err != nil {
			return err
		}

		grant, err := v.identity.Refresh(ctx, tok.RefreshToken)
		if err != nil {
			if eris.Is(err, xero.ErrRefreshTokenInvalid) {
				tok.State = model.TokenStateRevoked
				if saveErr := v.store.SaveToken(ctx, tok); saveErr != nil {
					zap.L().Error("failed to persist revoked token state",
						zap.String("tenant_id", tenantID),
						zap.Error(saveErr),
					)
				}
				zap.L().Warn("refresh token revoked, tenant needs re-auth",
					zap.String("tenant_id", tenantID),
				)
				return &resilience.AuthRevokedError{TenantID: tenantID, Err: err}
			}
			return eris.Wrapf(err, "tokenvault: refresh for %s", tenantID)
		}

		tok.AccessToken = grant.AccessToken
		tok.RefreshToken = grant.RefreshToken
		tok.ExpiresAt = v.nowFunc().Add(time.Duration(grant.ExpiresIn) * time.Second)
		if scopes := grant.Scopes(); len(scopes) > 0 {
			tok.Scopes = scopes
		}
		tok.State = model.TokenStateValid
		if err := v.store.SaveToken(ctx, tok); err != nil {
			return err
		}

		zap.L().Info("token refreshed",
			zap.String("tenant_id", tenantID),
			zap.Time("expires_at", tok.ExpiresAt),
		)
		refreshed = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}
