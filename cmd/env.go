package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/taxaudit-cli/internal/analysis"
	"github.com/sells-group/taxaudit-cli/internal/cost"
	"github.com/sells-group/taxaudit-cli/internal/modelpool"
	"github.com/sells-group/taxaudit-cli/internal/ratelimit"
	"github.com/sells-group/taxaudit-cli/internal/resilience"
	"github.com/sells-group/taxaudit-cli/internal/store"
	"github.com/sells-group/taxaudit-cli/internal/syncengine"
	"github.com/sells-group/taxaudit-cli/internal/tokenvault"
	"github.com/sells-group/taxaudit-cli/pkg/anthropic"
	"github.com/sells-group/taxaudit-cli/pkg/perplexity"
	"github.com/sells-group/taxaudit-cli/pkg/xero"
)

// appEnv wires the stores, clients and engines shared by the commands.
type appEnv struct {
	store  store.Store
	vault  *tokenvault.Vault
	engine *syncengine.Engine
	ledger *cost.Ledger
}

func (e *appEnv) Close() {
	if err := e.store.Close(); err != nil {
		// Close errors at shutdown are not actionable.
		_ = err
	}
}

// openStore picks the driver from config.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres", "":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv builds the sync-side environment: store, token vault, rate
// limiter, provider clients and the sync engine.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	identity := xero.NewIdentityClient(
		cfg.Xero.ClientID,
		cfg.Xero.ClientSecret,
		xero.WithTokenURL(cfg.Xero.TokenURL),
	)
	vault := tokenvault.New(st, identity, cfg.Sync.TokenBuffer())

	limiter := ratelimit.New(cfg.Xero.RequestsPerSec, cfg.Xero.Burst)
	client := xero.NewClient(
		xero.WithBaseURL(cfg.Xero.APIBaseURL),
		xero.WithPageSize(cfg.Xero.PageSize),
	)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Sync.MaxAttempts

	calc := cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))
	ledger := cost.NewLedger(st, calc, cfg.Budget.CeilingUSD, cfg.Budget.Period())

	return &appEnv{
		store:  st,
		vault:  vault,
		engine: syncengine.New(st, vault, limiter, client, retry),
		ledger: ledger,
	}, nil
}

// newOrchestrator builds the analysis orchestrator over the env's store
// and ledger. The model pool comes from the YAML definition file when
// configured, otherwise from the configured default models.
func (e *appEnv) newOrchestrator() (*analysis.Orchestrator, error) {
	entries, err := poolEntries()
	if err != nil {
		return nil, err
	}

	clients := modelpool.Clients{}
	if cfg.Anthropic.Key != "" {
		clients.Anthropic = anthropic.NewClient(cfg.Anthropic.Key)
	}
	if cfg.Perplexity.Key != "" {
		opts := []perplexity.Option{perplexity.WithModel(cfg.Perplexity.Model)}
		if cfg.Perplexity.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
		}
		clients.Perplexity = perplexity.NewClient(cfg.Perplexity.Key, opts...)
	}

	pool, err := modelpool.New(entries, clients)
	if err != nil {
		return nil, err
	}

	return analysis.New(e.store, pool, e.ledger, cfg.Analysis.Concurrency, cfg.Analysis.MaxFailovers), nil
}

func poolEntries() ([]modelpool.Entry, error) {
	if cfg.Analysis.PoolFile != "" {
		return modelpool.LoadDefinition(cfg.Analysis.PoolFile)
	}

	var entries []modelpool.Entry
	if cfg.Anthropic.Key != "" {
		entries = append(entries, modelpool.Entry{
			Provider: cost.ProviderAnthropic,
			Model:    cfg.Anthropic.Model,
			Weight:   3,
		})
	}
	if cfg.Perplexity.Key != "" {
		entries = append(entries, modelpool.Entry{
			Provider: cost.ProviderPerplexity,
			Model:    cfg.Perplexity.Model,
			Weight:   1,
		})
	}
	if len(entries) == 0 {
		return nil, eris.New("no AI providers configured: set anthropic.key or perplexity.key")
	}
	return entries, nil
}
