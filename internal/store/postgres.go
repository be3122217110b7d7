package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/taxaudit-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS oauth_tokens (
	tenant_id     TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	scopes        TEXT,
	state         TEXT NOT NULL DEFAULT 'valid',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_progress (
	tenant_id      TEXT NOT NULL,
	data_type      TEXT NOT NULL,
	financial_year INT  NOT NULL,
	last_page      INT  NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INT  NOT NULL DEFAULT 0,
	last_error     TEXT,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, data_type, financial_year)
);

CREATE TABLE IF NOT EXISTS transactions (
	tenant_id      TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	financial_year INT  NOT NULL,
	data_type      TEXT NOT NULL,
	raw_data       JSONB NOT NULL,
	fetched_at     TIMESTAMPTZ NOT NULL,
	verified_at    TIMESTAMPTZ,
	analyzed_at    TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS analysis_jobs (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	batch_id        TEXT NOT NULL,
	transaction_ids JSONB NOT NULL,
	status          TEXT NOT NULL,
	model_used      TEXT,
	cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_class     TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS findings (
	tenant_id        TEXT NOT NULL,
	transaction_id   TEXT NOT NULL,
	financial_year   INT  NOT NULL,
	claimable_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
	payload          JSONB NOT NULL,
	analyzed_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS cost_records (
	id         BIGSERIAL PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	amount_usd DOUBLE PRECISION NOT NULL,
	tokens_in  BIGINT NOT NULL DEFAULT 0,
	tokens_out BIGINT NOT NULL DEFAULT 0,
	provider   TEXT,
	model      TEXT,
	job_id     TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_unanalyzed ON transactions(tenant_id) WHERE analyzed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_tenant ON analysis_jobs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_cost_records_tenant_ts ON cost_records(tenant_id, ts);
`

// Migrate applies the embedded DDL. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetToken(ctx context.Context, tenantID string) (*model.TokenSet, error) {
	var tok model.TokenSet
	var scopesJSON *string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, access_token, refresh_token, expires_at, scopes, state, updated_at
		 FROM oauth_tokens WHERE tenant_id = $1`,
		tenantID,
	).Scan(&tok.TenantID, &tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt, &scopesJSON, &tok.State, &tok.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get token for %s", tenantID)
	}
	if scopesJSON != nil && *scopesJSON != "" {
		if err := json.Unmarshal([]byte(*scopesJSON), &tok.Scopes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal token scopes")
		}
	}
	return &tok, nil
}

func (s *PostgresStore) SaveToken(ctx context.Context, tok *model.TokenSet) error {
	scopesJSON, err := json.Marshal(tok.Scopes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal token scopes")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO oauth_tokens (tenant_id, access_token, refresh_token, expires_at, scopes, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   scopes = EXCLUDED.scopes,
		   state = EXCLUDED.state,
		   updated_at = now()`,
		tok.TenantID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, string(scopesJSON), tok.State,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save token for %s", tok.TenantID)
	}
	return nil
}

// WithTenantLock holds a transaction-scoped advisory lock keyed on the
// tenant while fn runs. Two processes refreshing the same tenant serialize
// here; the second sees the first's refreshed token when it re-reads.
func (s *PostgresStore) WithTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin lock tx")
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			zap.L().Warn("postgres: rollback lock tx", zap.Error(err))
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", tenantID); err != nil {
		return eris.Wrapf(err, "postgres: advisory lock for %s", tenantID)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit lock tx")
	}
	return nil
}

func (s *PostgresStore) GetSyncProgress(ctx context.Context, tenantID string) ([]model.SyncProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, data_type, financial_year, last_page, status, retry_count, last_error, updated_at
		 FROM sync_progress WHERE tenant_id = $1
		 ORDER BY financial_year DESC, data_type`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sync progress for %s", tenantID)
	}
	defer rows.Close()

	var progress []model.SyncProgress
	for rows.Next() {
		var p model.SyncProgress
		var lastErr *string
		if err := rows.Scan(&p.TenantID, &p.DataType, &p.FinancialYear, &p.LastPage, &p.Status, &p.RetryCount, &lastErr, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync progress")
		}
		if lastErr != nil {
			p.LastError = *lastErr
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

func (s *PostgresStore) UpsertSyncProgress(ctx context.Context, p *model.SyncProgress) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_progress (tenant_id, data_type, financial_year, last_page, status, retry_count, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (tenant_id, data_type, financial_year) DO UPDATE SET
		   last_page = EXCLUDED.last_page,
		   status = EXCLUDED.status,
		   retry_count = EXCLUDED.retry_count,
		   last_error = EXCLUDED.last_error,
		   updated_at = now()`,
		p.TenantID, p.DataType, p.FinancialYear, p.LastPage, p.Status, p.RetryCount, p.LastError,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert sync progress %s", p.PairKey())
	}
	return nil
}

const upsertTransactionSQL = `INSERT INTO transactions (tenant_id, transaction_id, financial_year, data_type, raw_data, fetched_at)
 VALUES ($1, $2, $3, $4, $5, $6)
 ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET
   financial_year = EXCLUDED.financial_year,
   data_type = EXCLUDED.data_type,
   raw_data = EXCLUDED.raw_data,
   fetched_at = EXCLUDED.fetched_at`

// UpsertTransactions writes one page of fetched records. Latest fetch wins;
// the unique constraint serializes concurrent writers.
func (s *PostgresStore) UpsertTransactions(ctx context.Context, txns []model.CachedTransaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, t := range txns {
		batch.Queue(upsertTransactionSQL,
			t.TenantID, t.TransactionID, t.FinancialYear, t.DataType, []byte(t.RawData), t.FetchedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range txns {
		if _, err := br.Exec(); err != nil {
			return 0, eris.Wrap(err, "postgres: upsert transactions")
		}
	}
	return len(txns), nil
}

func (s *PostgresStore) MarkVerified(ctx context.Context, tenantID string, transactionIDs []string) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE transactions SET verified_at = now()
		 WHERE tenant_id = $1 AND transaction_id = ANY($2)`,
		tenantID, transactionIDs,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark verified for %s", tenantID)
	}
	return nil
}

func (s *PostgresStore) QueryTransactions(ctx context.Context, tenantID string, f model.TransactionFilter, cursor string, limit int) (*model.TransactionPage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT tenant_id, transaction_id, financial_year, data_type, raw_data, fetched_at, verified_at, analyzed_at
	 FROM transactions WHERE tenant_id = $1 AND transaction_id > $2`
	args := []any{tenantID, cursor}
	if f.FinancialYear != 0 {
		args = append(args, f.FinancialYear)
		query += fmt.Sprintf(` AND financial_year = $%d`, len(args))
	}
	if f.DataType != "" {
		args = append(args, f.DataType)
		query += fmt.Sprintf(` AND data_type = $%d`, len(args))
	}
	if f.Unanalyzed {
		query += ` AND analyzed_at IS NULL`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY transaction_id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query transactions for %s", tenantID)
	}
	defer rows.Close()

	page := &model.TransactionPage{}
	for rows.Next() {
		t, err := scanPgTransaction(rows)
		if err != nil {
			return nil, err
		}
		page.Transactions = append(page.Transactions, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate transactions")
	}
	if len(page.Transactions) == limit {
		page.NextCursor = page.Transactions[len(page.Transactions)-1].TransactionID
	}
	return page, nil
}

func (s *PostgresStore) Unanalyzed(ctx context.Context, tenantID string, limit int) ([]model.CachedTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, transaction_id, financial_year, data_type, raw_data, fetched_at, verified_at, analyzed_at
		 FROM transactions WHERE tenant_id = $1 AND analyzed_at IS NULL
		 ORDER BY financial_year DESC, transaction_id LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: unanalyzed for %s", tenantID)
	}
	defer rows.Close()

	var txns []model.CachedTransaction
	for rows.Next() {
		t, err := scanPgTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func scanPgTransaction(rows pgx.Rows) (*model.CachedTransaction, error) {
	var t model.CachedTransaction
	var raw []byte
	if err := rows.Scan(&t.TenantID, &t.TransactionID, &t.FinancialYear, &t.DataType, &raw, &t.FetchedAt, &t.VerifiedAt, &t.AnalyzedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: scan transaction")
	}
	t.RawData = raw
	return &t, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.AnalysisJob) error {
	idsJSON, err := json.Marshal(job.TransactionIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job transaction ids")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (id, tenant_id, batch_id, transaction_ids, status, model_used, cost_usd, error_class, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())`,
		job.ID, job.TenantID, job.BatchID, idsJSON, job.Status, job.ModelUsed, job.CostUSD, job.ErrorClass,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.AnalysisJob) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = $1, model_used = $2, cost_usd = $3, error_class = $4, updated_at = now()
		 WHERE id = $5`,
		job.Status, job.ModelUsed, job.CostUSD, job.ErrorClass, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	return nil
}

// SaveFindings persists validated findings and stamps the covered
// transactions analyzed in one transaction.
func (s *PostgresStore) SaveFindings(ctx context.Context, findings []model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin findings tx")
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			zap.L().Warn("postgres: rollback findings tx", zap.Error(err))
		}
	}()

	for _, f := range findings {
		payload, err := json.Marshal(f)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal finding")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO findings (tenant_id, transaction_id, financial_year, claimable_amount, payload, analyzed_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tenant_id, transaction_id) DO UPDATE SET
			   financial_year = EXCLUDED.financial_year,
			   claimable_amount = EXCLUDED.claimable_amount,
			   payload = EXCLUDED.payload,
			   analyzed_at = EXCLUDED.analyzed_at`,
			f.TenantID, f.TransactionID, f.FinancialYear, f.ClaimableAmount, payload, f.AnalyzedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: save finding %s", f.TransactionID)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE transactions SET analyzed_at = $1 WHERE tenant_id = $2 AND transaction_id = $3`,
			f.AnalyzedAt, f.TenantID, f.TransactionID,
		); err != nil {
			return eris.Wrapf(err, "postgres: mark analyzed %s", f.TransactionID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit findings tx")
	}
	return nil
}

func (s *PostgresStore) AppendCost(ctx context.Context, rec *model.CostRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cost_records (tenant_id, ts, amount_usd, tokens_in, tokens_out, provider, model, job_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.TenantID, rec.Timestamp, rec.AmountUSD, rec.TokensIn, rec.TokensOut, rec.Provider, rec.Model, rec.JobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append cost for %s", rec.TenantID)
	}
	return nil
}

func (s *PostgresStore) SumCost(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_usd), 0) FROM cost_records WHERE tenant_id = $1 AND ts >= $2`,
		tenantID, since,
	).Scan(&total)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: sum cost for %s", tenantID)
	}
	return total, nil
}

func (s *PostgresStore) SyncStatus(ctx context.Context, tenantID string) (*model.SyncStatusReport, error) {
	progress, err := s.GetSyncProgress(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return buildSyncReport(tenantID, progress), nil
}

func (s *PostgresStore) AnalysisStatus(ctx context.Context, tenantID string) (*model.AnalysisStatusReport, error) {
	report := &model.AnalysisStatusReport{TenantID: tenantID, Failures: map[string]string{}}

	rows, err := s.pool.Query(ctx,
		`SELECT id, status, COALESCE(error_class, '') FROM analysis_jobs WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: analysis status for %s", tenantID)
	}
	defer rows.Close()
	for rows.Next() {
		var id, status, class string
		if err := rows.Scan(&id, &status, &class); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job status")
		}
		tallyJob(report, id, model.JobStatus(status), class)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate job status")
	}

	fyRows, err := s.pool.Query(ctx,
		`SELECT financial_year, COALESCE(SUM(claimable_amount), 0) FROM findings WHERE tenant_id = $1 GROUP BY financial_year`,
		tenantID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claimable by FY for %s", tenantID)
	}
	defer fyRows.Close()
	report.ClaimableByFY = map[int]float64{}
	for fyRows.Next() {
		var fy int
		var total float64
		if err := fyRows.Scan(&fy, &total); err != nil {
			return nil, eris.Wrap(err, "postgres: scan claimable by FY")
		}
		report.ClaimableByFY[fy] = total
	}
	return report, fyRows.Err()
}
