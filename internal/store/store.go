// Package store persists tokens, sync checkpoints, cached transactions,
// analysis jobs, findings, and cost records. Two drivers are provided:
// Postgres (pgx) and SQLite (modernc).
//
// Concurrency contract: transaction upserts serialize at the storage layer
// via the (tenant_id, transaction_id) unique constraint, never via
// application locks. Token refresh single-flight is backed by the driver's
// durable lock primitive (advisory lock on Postgres, write transaction on
// SQLite) so it stays correct across processes.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/taxaudit-cli/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// Store is the persistence surface used by the sync engine, token vault,
// and analysis orchestrator.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	// OAuth tokens. WithTenantLock runs fn while holding a durable
	// exclusive lock for the tenant, the backing primitive for
	// single-flight token refresh across processes.
	GetToken(ctx context.Context, tenantID string) (*model.TokenSet, error)
	SaveToken(ctx context.Context, tok *model.TokenSet) error
	WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

	// Sync checkpoints. One row per (tenant, data type, financial year);
	// rows are upserted per page and never deleted.
	GetSyncProgress(ctx context.Context, tenantID string) ([]model.SyncProgress, error)
	UpsertSyncProgress(ctx context.Context, p *model.SyncProgress) error

	// Transaction cache.
	UpsertTransactions(ctx context.Context, txns []model.CachedTransaction) (int, error)
	MarkVerified(ctx context.Context, tenantID string, transactionIDs []string) error
	QueryTransactions(ctx context.Context, tenantID string, f model.TransactionFilter, cursor string, limit int) (*model.TransactionPage, error)
	Unanalyzed(ctx context.Context, tenantID string, limit int) ([]model.CachedTransaction, error)

	// Analysis jobs and validated findings. SaveFindings also stamps the
	// covered transactions as analyzed, in one transaction, so a job is
	// never half-persisted.
	CreateJob(ctx context.Context, job *model.AnalysisJob) error
	UpdateJob(ctx context.Context, job *model.AnalysisJob) error
	SaveFindings(ctx context.Context, findings []model.Finding) error

	// Cost ledger: append-only writes, period sum reads.
	AppendCost(ctx context.Context, rec *model.CostRecord) error
	SumCost(ctx context.Context, tenantID string, since time.Time) (float64, error)

	// Status breakdowns for the inbound API.
	SyncStatus(ctx context.Context, tenantID string) (*model.SyncStatusReport, error)
	AnalysisStatus(ctx context.Context, tenantID string) (*model.AnalysisStatusReport, error)
}

// Pool is the subset of pgxpool.Pool used by the Postgres driver. It is
// satisfied by pgxmock.PgxPoolIface for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}
