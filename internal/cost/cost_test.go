package cost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/taxaudit-cli/internal/config"
	"github.com/sells-group/taxaudit-cli/internal/model"
	"github.com/sells-group/taxaudit-cli/internal/store"
)

func TestCalculatorCall(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	// 1M input + 1M output at haiku rates.
	got := calc.Call(ProviderAnthropic, "claude-haiku-4-5-20251001", 1_000_000, 1_000_000)
	assert.InDelta(t, 4.80, got, 1e-9)

	got = calc.Call(ProviderPerplexity, "sonar-pro", 500_000, 100_000)
	assert.InDelta(t, 1.5+1.5, got, 1e-9)
}

func TestCalculatorUnknownModelPricesZero(t *testing.T) {
	calc := NewCalculator(DefaultRates())
	assert.Zero(t, calc.Call(ProviderAnthropic, "claude-nonexistent", 1_000_000, 1_000_000))
	assert.Zero(t, calc.Call("openai", "gpt-4", 1_000_000, 1_000_000))
}

func TestRatesFromConfigMergesOverDefaults(t *testing.T) {
	rates := RatesFromConfig(config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{
			"claude-haiku-4-5-20251001": {Input: 1.00, Output: 5.00},
			"claude-custom":             {Input: 2.00, Output: 2.00},
		},
	})

	// Override replaces the default entry.
	assert.Equal(t, ModelRate{Input: 1.00, Output: 5.00}, rates.Anthropic["claude-haiku-4-5-20251001"])
	// New entries are added; untouched defaults survive.
	assert.Equal(t, ModelRate{Input: 2.00, Output: 2.00}, rates.Anthropic["claude-custom"])
	assert.Equal(t, ModelRate{Input: 3.00, Output: 15.00}, rates.Perplexity["sonar-pro"])
}

// ledgerStore records appended costs and sums them client-side.
type ledgerStore struct {
	store.Store

	mu      sync.Mutex
	records []model.CostRecord
}

func (s *ledgerStore) AppendCost(ctx context.Context, rec *model.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

func (s *ledgerStore) SumCost(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, r := range s.records {
		if r.TenantID == tenantID && !r.Timestamp.Before(since) {
			total += r.AmountUSD
		}
	}
	return total, nil
}

func TestLedgerRecordPricesAndStamps(t *testing.T) {
	st := &ledgerStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(st, NewCalculator(DefaultRates()), 50, 30*24*time.Hour)
	l.nowFunc = func() time.Time { return now }

	err := l.Record(context.Background(), model.CostRecord{
		TenantID:  "tenant-a",
		Provider:  ProviderAnthropic,
		Model:     "claude-haiku-4-5-20251001",
		TokensIn:  1_000_000,
		TokensOut: 250_000,
	})
	require.NoError(t, err)

	require.Len(t, st.records, 1)
	assert.InDelta(t, 0.80+1.00, st.records[0].AmountUSD, 1e-9)
	assert.Equal(t, now, st.records[0].Timestamp)
}

func TestLedgerRemaining(t *testing.T) {
	st := &ledgerStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger(st, NewCalculator(DefaultRates()), 10, 30*24*time.Hour)
	l.nowFunc = func() time.Time { return now }

	// Inside the window.
	st.records = append(st.records, model.CostRecord{
		TenantID: "tenant-a", AmountUSD: 4, Timestamp: now.Add(-24 * time.Hour),
	})
	// Outside the window, must not count.
	st.records = append(st.records, model.CostRecord{
		TenantID: "tenant-a", AmountUSD: 100, Timestamp: now.Add(-31 * 24 * time.Hour),
	})
	// Other tenant, must not count.
	st.records = append(st.records, model.CostRecord{
		TenantID: "tenant-b", AmountUSD: 100, Timestamp: now,
	})

	remaining, err := l.Remaining(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.InDelta(t, 6, remaining, 1e-9)
}

func TestLedgerRemainingGoesNegative(t *testing.T) {
	st := &ledgerStore{}
	now := time.Now()
	l := NewLedger(st, NewCalculator(DefaultRates()), 5, 30*24*time.Hour)
	l.nowFunc = func() time.Time { return now }

	st.records = append(st.records, model.CostRecord{
		TenantID: "tenant-a", AmountUSD: 7.5, Timestamp: now.Add(-time.Hour),
	})

	remaining, err := l.Remaining(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.InDelta(t, -2.5, remaining, 1e-9)
}
