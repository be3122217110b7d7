package model

import (
	"encoding/json"
	"time"
)

// CachedTransaction is one accounting record pulled from the provider,
// stored verbatim. Unique on (tenant_id, transaction_id); repeated fetches
// upsert, latest wins.
type CachedTransaction struct {
	TenantID      string          `json:"tenant_id"`
	TransactionID string          `json:"transaction_id"`
	FinancialYear int             `json:"financial_year"`
	DataType      DataType        `json:"data_type"`
	RawData       json.RawMessage `json:"raw_data"`
	FetchedAt     time.Time       `json:"fetched_at"`
	// VerifiedAt is set by incremental re-sync when the provider still
	// reports the record. A stale VerifiedAt flags records deleted or
	// voided upstream.
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	AnalyzedAt *time.Time `json:"analyzed_at,omitempty"`
}

// TransactionFilter narrows a transaction cache query.
type TransactionFilter struct {
	FinancialYear int      // 0 = all years
	DataType      DataType // "" = all types
	Unanalyzed    bool
}

// TransactionPage is one page of a cursor query against the cache.
type TransactionPage struct {
	Transactions []CachedTransaction `json:"transactions"`
	NextCursor   string              `json:"next_cursor,omitempty"`
}
