package model

import "time"

// CostRecord is one append-only spend entry. Records are written for every
// billable AI call, including failed calls that still consumed tokens.
type CostRecord struct {
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	AmountUSD float64   `json:"amount_usd"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
}
