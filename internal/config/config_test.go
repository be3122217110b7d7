package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "https://identity.xero.com/connect/token", cfg.Xero.TokenURL)
	assert.Equal(t, 100, cfg.Xero.PageSize)
	assert.Equal(t, 5.0, cfg.Xero.RequestsPerSec)
	assert.Equal(t, 4, cfg.Sync.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Sync.TokenBuffer())
	assert.Equal(t, 5, cfg.Analysis.Concurrency)
	assert.Equal(t, 3, cfg.Analysis.MaxFailovers)
	assert.Equal(t, 50.0, cfg.Budget.CeilingUSD)
	assert.Equal(t, 30*24*time.Hour, cfg.Budget.Period())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TAXAUDIT_STORE_DRIVER", "sqlite")
	t.Setenv("TAXAUDIT_BUDGET_CEILING_USD", "12.5")
	t.Setenv("TAXAUDIT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 12.5, cfg.Budget.CeilingUSD)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "shouty", Format: "json"})
	assert.Error(t, err)
}
