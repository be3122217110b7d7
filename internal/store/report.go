package store

import "github.com/sells-group/taxaudit-cli/internal/model"

// buildSyncReport folds sync progress rows into the status breakdown
// exposed by the inbound API.
func buildSyncReport(tenantID string, progress []model.SyncProgress) *model.SyncStatusReport {
	report := &model.SyncStatusReport{TenantID: tenantID, Failures: map[string]string{}}
	for _, p := range progress {
		switch p.Status {
		case model.SyncStatusComplete:
			report.Complete++
		case model.SyncStatusInProgress:
			report.InProgress++
		case model.SyncStatusError:
			report.Errored++
			report.Failures[p.PairKey()] = p.LastError
		default:
			report.Pending++
		}
	}
	return report
}

// tallyJob adds one analysis job to the status breakdown.
func tallyJob(report *model.AnalysisStatusReport, id string, status model.JobStatus, errorClass string) {
	switch status {
	case model.JobStatusSucceeded:
		report.Succeeded++
	case model.JobStatusFailed, model.JobStatusFailedTerminal:
		report.Failed++
		report.Failures[id] = errorClass
	case model.JobStatusBudgetExceeded:
		report.BudgetExceeded++
	default:
		report.Pending++
	}
}
