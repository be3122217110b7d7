// Package syncengine drives resumable, paginated historical sync of
// accounting data across (financial year × data type) units.
package syncengine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/taxaudit-cli/internal/model"
	"github.com/sells-group/taxaudit-cli/internal/ratelimit"
	"github.com/sells-group/taxaudit-cli/internal/resilience"
	"github.com/sells-group/taxaudit-cli/internal/store"
	"github.com/sells-group/taxaudit-cli/pkg/xero"
)

// RateScope is the rate limiter scope shared by every caller hitting the
// accounting API.
const RateScope = "xero"

// TokenSource hands out valid access tokens. Satisfied by tokenvault.Vault.
type TokenSource interface {
	AcquireValidToken(ctx context.Context, tenantID string) (*model.TokenSet, error)
}

// Engine iterates the (year × data type) fetch space for a tenant,
// checkpointing progress per page so an interrupted run resumes instead of
// refetching.
type Engine struct {
	store   store.Store
	tokens  TokenSource
	limiter *ratelimit.Limiter
	client  xero.Client
	retry   resilience.RetryConfig

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a sync engine. retry controls the per-page attempt budget.
func New(st store.Store, tokens TokenSource, limiter *ratelimit.Limiter, client xero.Client, retry resilience.RetryConfig) *Engine {
	return &Engine{
		store:   st,
		tokens:  tokens,
		limiter: limiter,
		client:  client,
		retry:   retry,
		nowFunc: time.Now,
	}
}

// Start syncs the cartesian product of years × dataTypes for one tenant,
// most recent year first. A unit that exhausts its retries is marked
// errored and its siblings continue; auth revocation aborts the whole
// tenant run since every further call would fail identically.
//
// Pairs already complete in a previous run are skipped; interrupted pairs
// resume from their last checkpointed page.
func (e *Engine) Start(ctx context.Context, tenantID string, years []int, dataTypes []model.DataType) (*model.SyncStatusReport, error) {
	log := zap.L().With(zap.String("tenant_id", tenantID))

	existing, err := e.store.GetSyncProgress(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]model.SyncProgress, len(existing))
	for _, p := range existing {
		byKey[p.PairKey()] = p
	}

	ordered := make([]int, len(years))
	copy(ordered, years)
	sort.Sort(sort.Reverse(sort.IntSlice(ordered)))

	for _, year := range ordered {
		for _, dt := range dataTypes {
			if ctx.Err() != nil {
				log.Info("sync cancelled, progress checkpointed")
				return e.finalStatus(ctx, tenantID)
			}

			progress := model.SyncProgress{
				TenantID:      tenantID,
				DataType:      dt,
				FinancialYear: year,
				Status:        model.SyncStatusPending,
			}
			if prev, ok := byKey[progress.PairKey()]; ok {
				if prev.Status == model.SyncStatusComplete {
					log.Debug("skipping completed pair", zap.String("pair", prev.PairKey()))
					continue
				}
				progress = prev
			}

			if err := e.syncPair(ctx, log, &progress); err != nil {
				if resilience.IsAuthRevoked(err) {
					log.Error("auth revoked, aborting tenant sync", zap.Error(err))
					return nil, err
				}
				// Unit failure never aborts the run; siblings proceed.
				log.Warn("pair failed after retries",
					zap.String("pair", progress.PairKey()),
					zap.String("error_class", resilience.Classify(err)),
					zap.Error(err),
				)
			}
		}
	}

	return e.finalStatus(ctx, tenantID)
}

// finalStatus reads the run's closing report. The read is detached from
// cancellation so a shutdown mid-run still returns the checkpointed state
// instead of a context error.
func (e *Engine) finalStatus(ctx context.Context, tenantID string) (*model.SyncStatusReport, error) {
	return e.store.SyncStatus(context.WithoutCancel(ctx), tenantID)
}

// syncPair pages through one (year, data type) unit, upserting each page
// and advancing the checkpoint before fetching the next.
func (e *Engine) syncPair(ctx context.Context, log *zap.Logger, p *model.SyncProgress) error {
	page := p.LastPage + 1
	p.Status = model.SyncStatusInProgress
	if err := e.store.UpsertSyncProgress(ctx, p); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			// Current page already checkpointed; the next run resumes here.
			return nil
		}

		result, err := e.fetchPage(ctx, p, page)
		if err != nil {
			p.RetryCount++
			p.Status = model.SyncStatusError
			p.LastError = resilience.Classify(err)
			if upErr := e.store.UpsertSyncProgress(ctx, p); upErr != nil {
				log.Warn("failed to checkpoint errored pair", zap.Error(upErr))
			}
			return err
		}

		if len(result.Items) > 0 {
			txns := make([]model.CachedTransaction, 0, len(result.Items))
			ids := make([]string, 0, len(result.Items))
			for _, item := range result.Items {
				txns = append(txns, model.CachedTransaction{
					TenantID:      p.TenantID,
					TransactionID: item.ID,
					FinancialYear: p.FinancialYear,
					DataType:      p.DataType,
					RawData:       item.Raw,
					FetchedAt:     e.nowFunc().UTC(),
				})
				ids = append(ids, item.ID)
			}
			if _, err := e.store.UpsertTransactions(ctx, txns); err != nil {
				return err
			}
			// Re-sync verification: records the provider still reports
			// get a fresh verified_at; stale ones flag upstream deletion.
			if err := e.store.MarkVerified(ctx, p.TenantID, ids); err != nil {
				return err
			}
		}

		p.LastPage = page
		if !result.HasMore {
			p.Status = model.SyncStatusComplete
			if err := e.store.UpsertSyncProgress(ctx, p); err != nil {
				return err
			}
			log.Info("pair complete",
				zap.String("pair", p.PairKey()),
				zap.Int("pages", page),
			)
			return nil
		}
		if err := e.store.UpsertSyncProgress(ctx, p); err != nil {
			return err
		}
		page++
	}
}

// fetchPage fetches one page with retries. The token is acquired inside
// the retried closure so every attempt carries a currently-valid token,
// and the rate limiter gates every attempt.
func (e *Engine) fetchPage(ctx context.Context, p *model.SyncProgress, page int) (*xero.Page, error) {
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger("xero", fmt.Sprintf("list %s page %d", p.PairKey(), page))

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*xero.Page, error) {
		tok, err := e.tokens.AcquireValidToken(ctx, p.TenantID)
		if err != nil {
			return nil, err
		}

		if err := e.limiter.Wait(ctx, RateScope); err != nil {
			return nil, err
		}

		result, err := e.client.ListPage(ctx, tok.AccessToken, p.TenantID, string(p.DataType), p.FinancialYear, page)
		if err != nil {
			return nil, e.classifyFetchError(err)
		}
		e.limiter.OnSuccess(RateScope)
		return result, nil
	})
}

// classifyFetchError converts provider errors into the retry taxonomy and
// feeds rate-limit responses back into the shared limiter.
func (e *Engine) classifyFetchError(err error) error {
	if retryAfter, ok := xero.IsRateLimited(err); ok {
		e.limiter.OnRateLimited(RateScope, retryAfter)
		return resilience.NewRateLimitError(err, retryAfter)
	}
	if xero.IsServerError(err) {
		return resilience.NewTransientError(err, 0)
	}
	// A 401 right after acquiring a token usually means the token was
	// rotated underneath this request; the next attempt re-acquires.
	if xero.IsUnauthorized(err) {
		return resilience.NewTransientError(err, 401)
	}
	return err
}
