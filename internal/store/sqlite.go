package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/taxaudit-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

type sqliteTxKey struct{}

// sqliteConn is the statement surface shared by *sql.DB and *sql.Tx.
type sqliteConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns the tenant-lock transaction when the context carries one,
// otherwise the pooled handle. Inside WithTenantLock the transaction holds
// SQLite's single write lock, so statements must go through it.
func (s *SQLiteStore) conn(ctx context.Context) sqliteConn {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS oauth_tokens (
	tenant_id     TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    DATETIME NOT NULL,
	scopes        TEXT,
	state         TEXT NOT NULL DEFAULT 'valid',
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS sync_progress (
	tenant_id      TEXT NOT NULL,
	data_type      TEXT NOT NULL,
	financial_year INTEGER NOT NULL,
	last_page      INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT,
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (tenant_id, data_type, financial_year)
);

CREATE TABLE IF NOT EXISTS transactions (
	tenant_id      TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	financial_year INTEGER NOT NULL,
	data_type      TEXT NOT NULL,
	raw_data       TEXT NOT NULL,
	fetched_at     DATETIME NOT NULL,
	verified_at    DATETIME,
	analyzed_at    DATETIME,
	PRIMARY KEY (tenant_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS analysis_jobs (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	batch_id        TEXT NOT NULL,
	transaction_ids TEXT NOT NULL,
	status          TEXT NOT NULL,
	model_used      TEXT,
	cost_usd        REAL NOT NULL DEFAULT 0,
	error_class     TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS findings (
	tenant_id        TEXT NOT NULL,
	transaction_id   TEXT NOT NULL,
	financial_year   INTEGER NOT NULL,
	claimable_amount REAL NOT NULL DEFAULT 0,
	payload          TEXT NOT NULL,
	analyzed_at      DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS cost_records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id  TEXT NOT NULL,
	ts         DATETIME NOT NULL,
	amount_usd REAL NOT NULL,
	tokens_in  INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	provider   TEXT,
	model      TEXT,
	job_id     TEXT
);

CREATE TABLE IF NOT EXISTS tenant_locks (
	tenant_id TEXT PRIMARY KEY,
	locked_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant_analyzed ON transactions(tenant_id, analyzed_at);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_tenant ON analysis_jobs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_cost_records_tenant_ts ON cost_records(tenant_id, ts);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetToken(ctx context.Context, tenantID string) (*model.TokenSet, error) {
	var tok model.TokenSet
	var scopesJSON sql.NullString
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT tenant_id, access_token, refresh_token, expires_at, scopes, state, updated_at
		 FROM oauth_tokens WHERE tenant_id = ?`,
		tenantID,
	).Scan(&tok.TenantID, &tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt, &scopesJSON, &tok.State, &tok.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get token for %s", tenantID)
	}
	if scopesJSON.Valid && scopesJSON.String != "" {
		if err := json.Unmarshal([]byte(scopesJSON.String), &tok.Scopes); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal token scopes")
		}
	}
	return &tok, nil
}

func (s *SQLiteStore) SaveToken(ctx context.Context, tok *model.TokenSet) error {
	scopesJSON, err := json.Marshal(tok.Scopes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal token scopes")
	}
	_, err = s.conn(ctx).ExecContext(ctx,
		`INSERT INTO oauth_tokens (tenant_id, access_token, refresh_token, expires_at, scopes, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   scopes = excluded.scopes,
		   state = excluded.state,
		   updated_at = datetime('now')`,
		tok.TenantID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt.UTC(), string(scopesJSON), tok.State,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save token for %s", tok.TenantID)
	}
	return nil
}

// WithTenantLock serializes on a write transaction that touches the
// tenant's lock row. With busy_timeout set, a concurrent holder blocks the
// second caller until commit, which is the durable single-flight primitive
// SQLite offers.
func (s *SQLiteStore) WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin lock tx")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			zap.L().Warn("sqlite: rollback lock tx", zap.Error(err))
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_locks (tenant_id, locked_at) VALUES (?, datetime('now'))
		 ON CONFLICT (tenant_id) DO UPDATE SET locked_at = datetime('now')`,
		tenantID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: lock tenant %s", tenantID)
	}

	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit lock tx")
	}
	return nil
}

func (s *SQLiteStore) GetSyncProgress(ctx context.Context, tenantID string) ([]model.SyncProgress, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT tenant_id, data_type, financial_year, last_page, status, retry_count, last_error, updated_at
		 FROM sync_progress WHERE tenant_id = ?
		 ORDER BY financial_year DESC, data_type`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sync progress for %s", tenantID)
	}
	defer rows.Close()

	var progress []model.SyncProgress
	for rows.Next() {
		var p model.SyncProgress
		var lastErr sql.NullString
		if err := rows.Scan(&p.TenantID, &p.DataType, &p.FinancialYear, &p.LastPage, &p.Status, &p.RetryCount, &lastErr, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync progress")
		}
		p.LastError = lastErr.String
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

func (s *SQLiteStore) UpsertSyncProgress(ctx context.Context, p *model.SyncProgress) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO sync_progress (tenant_id, data_type, financial_year, last_page, status, retry_count, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (tenant_id, data_type, financial_year) DO UPDATE SET
		   last_page = excluded.last_page,
		   status = excluded.status,
		   retry_count = excluded.retry_count,
		   last_error = excluded.last_error,
		   updated_at = datetime('now')`,
		p.TenantID, p.DataType, p.FinancialYear, p.LastPage, p.Status, p.RetryCount, p.LastError,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert sync progress %s", p.PairKey())
	}
	return nil
}

func (s *SQLiteStore) UpsertTransactions(ctx context.Context, txns []model.CachedTransaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transactions (tenant_id, transaction_id, financial_year, data_type, raw_data, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET
		   financial_year = excluded.financial_year,
		   data_type = excluded.data_type,
		   raw_data = excluded.raw_data,
		   fetched_at = excluded.fetched_at`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close()

	for _, t := range txns {
		if _, err := stmt.ExecContext(ctx,
			t.TenantID, t.TransactionID, t.FinancialYear, t.DataType, string(t.RawData), t.FetchedAt.UTC(),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert transaction %s", t.TransactionID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert tx")
	}
	return len(txns), nil
}

func (s *SQLiteStore) MarkVerified(ctx context.Context, tenantID string, transactionIDs []string) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(transactionIDs)), ",")
	args := make([]any, 0, len(transactionIDs)+1)
	args = append(args, tenantID)
	for _, id := range transactionIDs {
		args = append(args, id)
	}
	_, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE transactions SET verified_at = datetime('now')
		 WHERE tenant_id = ? AND transaction_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark verified for %s", tenantID)
	}
	return nil
}

func (s *SQLiteStore) QueryTransactions(ctx context.Context, tenantID string, f model.TransactionFilter, cursor string, limit int) (*model.TransactionPage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT tenant_id, transaction_id, financial_year, data_type, raw_data, fetched_at, verified_at, analyzed_at
	 FROM transactions WHERE tenant_id = ? AND transaction_id > ?`
	args := []any{tenantID, cursor}
	if f.FinancialYear != 0 {
		query += ` AND financial_year = ?`
		args = append(args, f.FinancialYear)
	}
	if f.DataType != "" {
		query += ` AND data_type = ?`
		args = append(args, f.DataType)
	}
	if f.Unanalyzed {
		query += ` AND analyzed_at IS NULL`
	}
	query += ` ORDER BY transaction_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query transactions for %s", tenantID)
	}
	defer rows.Close()

	page := &model.TransactionPage{}
	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, err
		}
		page.Transactions = append(page.Transactions, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate transactions")
	}
	if len(page.Transactions) == limit {
		page.NextCursor = page.Transactions[len(page.Transactions)-1].TransactionID
	}
	return page, nil
}

func (s *SQLiteStore) Unanalyzed(ctx context.Context, tenantID string, limit int) ([]model.CachedTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT tenant_id, transaction_id, financial_year, data_type, raw_data, fetched_at, verified_at, analyzed_at
		 FROM transactions WHERE tenant_id = ? AND analyzed_at IS NULL
		 ORDER BY financial_year DESC, transaction_id LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: unanalyzed for %s", tenantID)
	}
	defer rows.Close()

	var txns []model.CachedTransaction
	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func scanSQLiteTransaction(rows *sql.Rows) (*model.CachedTransaction, error) {
	var t model.CachedTransaction
	var raw string
	var verifiedAt, analyzedAt sql.NullTime
	if err := rows.Scan(&t.TenantID, &t.TransactionID, &t.FinancialYear, &t.DataType, &raw, &t.FetchedAt, &verifiedAt, &analyzedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan transaction")
	}
	t.RawData = []byte(raw)
	if verifiedAt.Valid {
		t.VerifiedAt = &verifiedAt.Time
	}
	if analyzedAt.Valid {
		t.AnalyzedAt = &analyzedAt.Time
	}
	return &t, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.AnalysisJob) error {
	idsJSON, err := json.Marshal(job.TransactionIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job transaction ids")
	}
	_, err = s.conn(ctx).ExecContext(ctx,
		`INSERT INTO analysis_jobs (id, tenant_id, batch_id, transaction_ids, status, model_used, cost_usd, error_class)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TenantID, job.BatchID, string(idsJSON), job.Status, job.ModelUsed, job.CostUSD, job.ErrorClass,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create job %s", job.ID)
	}
	return nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.AnalysisJob) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE analysis_jobs SET status = ?, model_used = ?, cost_usd = ?, error_class = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		job.Status, job.ModelUsed, job.CostUSD, job.ErrorClass, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return nil
}

func (s *SQLiteStore) SaveFindings(ctx context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin findings tx")
	}
	defer tx.Rollback()

	for _, f := range findings {
		payload, err := json.Marshal(f)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal finding")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO findings (tenant_id, transaction_id, financial_year, claimable_amount, payload, analyzed_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET
			   financial_year = excluded.financial_year,
			   claimable_amount = excluded.claimable_amount,
			   payload = excluded.payload,
			   analyzed_at = excluded.analyzed_at`,
			f.TenantID, f.TransactionID, f.FinancialYear, f.ClaimableAmount, string(payload), f.AnalyzedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: save finding %s", f.TransactionID)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE transactions SET analyzed_at = ? WHERE tenant_id = ? AND transaction_id = ?`,
			f.AnalyzedAt.UTC(), f.TenantID, f.TransactionID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: mark analyzed %s", f.TransactionID)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit findings tx")
	}
	return nil
}

func (s *SQLiteStore) AppendCost(ctx context.Context, rec *model.CostRecord) error {
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO cost_records (tenant_id, ts, amount_usd, tokens_in, tokens_out, provider, model, job_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.Timestamp.UTC(), rec.AmountUSD, rec.TokensIn, rec.TokensOut, rec.Provider, rec.Model, rec.JobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append cost for %s", rec.TenantID)
	}
	return nil
}

func (s *SQLiteStore) SumCost(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var total float64
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM cost_records WHERE tenant_id = ? AND ts >= ?`,
		tenantID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: sum cost for %s", tenantID)
	}
	return total, nil
}

func (s *SQLiteStore) SyncStatus(ctx context.Context, tenantID string) (*model.SyncStatusReport, error) {
	progress, err := s.GetSyncProgress(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return buildSyncReport(tenantID, progress), nil
}

func (s *SQLiteStore) AnalysisStatus(ctx context.Context, tenantID string) (*model.AnalysisStatusReport, error) {
	report := &model.AnalysisStatusReport{TenantID: tenantID, Failures: map[string]string{}}

	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT id, status, COALESCE(error_class, '') FROM analysis_jobs WHERE tenant_id = ?`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: analysis status for %s", tenantID)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status, class string
		if err := rows.Scan(&id, &status, &class); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job status")
		}
		tallyJob(report, id, model.JobStatus(status), class)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate job status")
	}

	fyRows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT financial_year, COALESCE(SUM(claimable_amount), 0) FROM findings WHERE tenant_id = ? GROUP BY financial_year`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claimable by FY for %s", tenantID)
	}
	defer fyRows.Close()
	report.ClaimableByFY = map[int]float64{}
	for fyRows.Next() {
		var fy int
		var total float64
		if err := fyRows.Scan(&fy, &total); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claimable by FY")
		}
		report.ClaimableByFY[fy] = total
	}
	return report, fyRows.Err()
}
