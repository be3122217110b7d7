package cost

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/taxaudit-cli/internal/model"
	"github.com/sells-group/taxaudit-cli/internal/store"
)

// Ledger tracks per-tenant AI spend against a rolling-period ceiling.
// The ceiling is advisory: dispatch checks happen before each call, so a
// tenant can land slightly over by the cost of in-flight work.
type Ledger struct {
	store      store.Store
	calc       *Calculator
	ceilingUSD float64
	period     time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewLedger creates a budget ledger over the given store.
func NewLedger(st store.Store, calc *Calculator, ceilingUSD float64, period time.Duration) *Ledger {
	return &Ledger{
		store:      st,
		calc:       calc,
		ceilingUSD: ceilingUSD,
		period:     period,
		nowFunc:    time.Now,
	}
}

// Calculator exposes the ledger's pricing calculator.
func (l *Ledger) Calculator() *Calculator {
	return l.calc
}

// Ceiling returns the configured spend ceiling in USD.
func (l *Ledger) Ceiling() float64 {
	return l.ceilingUSD
}

// Record appends one billable call to the ledger. The amount is priced
// from the record's provider, model and token counts.
func (l *Ledger) Record(ctx context.Context, rec model.CostRecord) error {
	rec.AmountUSD = l.calc.Call(rec.Provider, rec.Model, rec.TokensIn, rec.TokensOut)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.nowFunc().UTC()
	}

	if err := l.store.AppendCost(ctx, &rec); err != nil {
		return err
	}

	zap.L().Debug("cost recorded",
		zap.String("tenant_id", rec.TenantID),
		zap.String("provider", rec.Provider),
		zap.String("model", rec.Model),
		zap.Float64("amount_usd", rec.AmountUSD),
	)
	return nil
}

// Spent returns the tenant's total spend within the current period.
func (l *Ledger) Spent(ctx context.Context, tenantID string) (float64, error) {
	since := l.nowFunc().Add(-l.period)
	return l.store.SumCost(ctx, tenantID, since)
}

// Remaining returns ceiling minus period spend. Negative means the
// tenant is over budget and no further work should be dispatched.
func (l *Ledger) Remaining(ctx context.Context, tenantID string) (float64, error) {
	spent, err := l.Spent(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return l.ceilingUSD - spent, nil
}
