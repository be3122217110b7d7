package model

import (
	"fmt"
	"time"
)

// DataType identifies one category of accounting records fetched from the
// provider.
type DataType string

const (
	DataTypeInvoices     DataType = "invoices"
	DataTypeBankTxns     DataType = "bank_transactions"
	DataTypeCreditNotes  DataType = "credit_notes"
	DataTypePayments     DataType = "payments"
	DataTypeManualJourns DataType = "manual_journals"
)

// AllDataTypes returns every syncable data type.
func AllDataTypes() []DataType {
	return []DataType{
		DataTypeInvoices,
		DataTypeBankTxns,
		DataTypeCreditNotes,
		DataTypePayments,
		DataTypeManualJourns,
	}
}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeInvoices, DataTypeBankTxns, DataTypeCreditNotes, DataTypePayments, DataTypeManualJourns:
		return true
	}
	return false
}

// SyncStatus is the state of one (financial year, data type) sync unit.
// Transitions only move forward: pending → in_progress → {complete, error}.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusComplete   SyncStatus = "complete"
	SyncStatusError      SyncStatus = "error"
)

// SyncProgress is the resume checkpoint for one (tenant, data type,
// financial year) unit. Rows are never deleted; a re-run reads them to skip
// completed units and resume interrupted ones.
type SyncProgress struct {
	TenantID      string     `json:"tenant_id"`
	DataType      DataType   `json:"data_type"`
	FinancialYear int        `json:"financial_year"`
	LastPage      int        `json:"last_page"`
	Status        SyncStatus `json:"status"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// PairKey returns a stable identifier for the (data type, year) unit,
// used in logs and status breakdowns.
func (p *SyncProgress) PairKey() string {
	return fmt.Sprintf("%s/FY%d", p.DataType, p.FinancialYear)
}

// SyncStatusReport is the per-tenant breakdown returned by the status
// surface: unit counts by state plus the error class of each failed unit.
type SyncStatusReport struct {
	TenantID   string            `json:"tenant_id"`
	Complete   int               `json:"complete"`
	InProgress int               `json:"in_progress"`
	Pending    int               `json:"pending"`
	Errored    int               `json:"errored"`
	Failures   map[string]string `json:"failures,omitempty"` // pair key → error class
}
