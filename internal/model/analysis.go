package model

import "time"

// JobStatus tracks one analysis job through its lifecycle. Each attempt
// transitions the job exactly once; succeeded and failed_terminal are final.
type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusDispatched     JobStatus = "dispatched"
	JobStatusSucceeded      JobStatus = "succeeded"
	JobStatusFailed         JobStatus = "failed"
	JobStatusFailedTerminal JobStatus = "failed_terminal"
	// JobStatusBudgetExceeded marks jobs that were queued but never
	// dispatched because the tenant's spend ceiling was reached.
	JobStatusBudgetExceeded JobStatus = "budget_exceeded"
)

// AnalysisJob is one unit of AI analysis work covering a set of cached
// transactions.
type AnalysisJob struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	BatchID        string    `json:"batch_id"`
	TransactionIDs []string  `json:"transaction_ids"`
	Status         JobStatus `json:"status"`
	ModelUsed      string    `json:"model_used,omitempty"`
	CostUSD        float64   `json:"cost_usd"`
	ErrorClass     string    `json:"error_class,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Finding is the validated output of AI analysis for a single transaction.
// The schema mirrors the accountant review exports: deduction
// classification, R&D (Division 355) candidacy, and FBT / Division 7A
// compliance flags. A Finding is only persisted after passing validation;
// partially-filled findings are never written.
type Finding struct {
	TransactionID string `json:"transaction_id"`
	TenantID      string `json:"tenant_id"`
	FinancialYear int    `json:"financial_year"`

	PrimaryCategory    string  `json:"primary_category"`
	CategoryConfidence float64 `json:"category_confidence"` // 0–100
	DeductionType      string  `json:"deduction_type"`
	ClaimableAmount    float64 `json:"claimable_amount"`
	FullyDeductible    bool    `json:"is_fully_deductible"`

	RnDCandidate  bool    `json:"is_rnd_candidate"`
	RnDConfidence float64 `json:"rnd_confidence"` // 0–100
	RnDReasoning  string  `json:"rnd_reasoning,omitempty"`

	FBTImplications bool      `json:"fbt_implications"`
	Division7ARisk  bool      `json:"division7a_risk"`
	RequiresDocs    bool      `json:"requires_documentation"`
	ComplianceNotes []string  `json:"compliance_notes,omitempty"`
	ModelUsed       string    `json:"model_used,omitempty"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// AnalysisStatusReport is the per-tenant analysis breakdown: job counts by
// state with per-job error class, plus claimable totals by financial year.
type AnalysisStatusReport struct {
	TenantID       string            `json:"tenant_id"`
	Succeeded      int               `json:"succeeded"`
	Pending        int               `json:"pending"`
	Failed         int               `json:"failed"`
	BudgetExceeded int               `json:"budget_exceeded"`
	Failures       map[string]string `json:"failures,omitempty"` // job ID → error class
	ClaimableByFY  map[int]float64   `json:"claimable_by_fy,omitempty"`
	SpentUSD       float64           `json:"spent_usd"`
	RemainingUSD   float64           `json:"remaining_usd"`
}
