// Package analysis dispatches cached transactions to the AI model pool
// and persists validated tax findings.
package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/taxaudit-cli/internal/anonymize"
	"github.com/sells-group/taxaudit-cli/internal/cost"
	"github.com/sells-group/taxaudit-cli/internal/model"
	"github.com/sells-group/taxaudit-cli/internal/modelpool"
	"github.com/sells-group/taxaudit-cli/internal/resilience"
	"github.com/sells-group/taxaudit-cli/internal/store"
)

const (
	// DefaultConcurrency bounds in-flight model calls per batch.
	DefaultConcurrency = 5
	// DefaultMaxFailovers bounds alternate backends tried per job.
	DefaultMaxFailovers = 3
	// DefaultBatchSize is how many unanalyzed transactions one batch pulls.
	DefaultBatchSize = 50
)

// Orchestrator runs analysis batches: it pulls unanalyzed transactions,
// anonymizes them under one shared per-batch mapping, fans jobs out over
// the model pool with bounded concurrency, and persists only findings
// that pass validation.
type Orchestrator struct {
	store        store.Store
	pool         *modelpool.Pool
	ledger       *cost.Ledger
	breakers     *resilience.BreakerSet
	concurrency  int
	maxFailovers int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates an orchestrator. Non-positive tuning values fall back to
// the package defaults.
func New(st store.Store, pool *modelpool.Pool, ledger *cost.Ledger, concurrency, maxFailovers int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if maxFailovers <= 0 {
		maxFailovers = DefaultMaxFailovers
	}
	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(name string, from, to resilience.BreakerState) {
		zap.L().Warn("backend circuit state changed",
			zap.String("backend", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Orchestrator{
		store:        st,
		pool:         pool,
		ledger:       ledger,
		breakers:     resilience.NewBreakerSet(breakerCfg),
		concurrency:  concurrency,
		maxFailovers: maxFailovers,
		nowFunc:      time.Now,
	}
}

// BatchReport summarizes one RunBatch call.
type BatchReport struct {
	BatchID        string  `json:"batch_id"`
	Total          int     `json:"total"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	FailedTerminal int     `json:"failed_terminal"`
	BudgetExceeded int     `json:"budget_exceeded"`
	SpentUSD       float64 `json:"spent_usd"`
}

// RunBatch analyzes up to batchSize unanalyzed transactions for a tenant.
// The budget is checked before every dispatch: once remaining spend hits
// zero, queued jobs are marked budget_exceeded without dispatching while
// in-flight jobs run to completion. Model failures fail over across the
// pool up to the failover bound, then the job goes failed_terminal.
func (o *Orchestrator) RunBatch(ctx context.Context, tenantID string, batchSize int) (*BatchReport, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	txns, err := o.store.Unanalyzed(ctx, tenantID, batchSize)
	if err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	report := &BatchReport{BatchID: batchID, Total: len(txns)}
	log := zap.L().With(
		zap.String("tenant_id", tenantID),
		zap.String("batch_id", batchID),
	)
	if len(txns) == 0 {
		log.Info("no unanalyzed transactions")
		return report, nil
	}

	// One mapper per batch: the same counterparty resolves to the same
	// pseudonym across every job in the batch.
	mapper := anonymize.NewMapper()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	budgetExhausted := false
	for _, txn := range txns {
		job := &model.AnalysisJob{
			ID:             uuid.NewString(),
			TenantID:       tenantID,
			BatchID:        batchID,
			TransactionIDs: []string{txn.TransactionID},
			Status:         model.JobStatusQueued,
			CreatedAt:      o.nowFunc().UTC(),
			UpdatedAt:      o.nowFunc().UTC(),
		}
		if err := o.store.CreateJob(ctx, job); err != nil {
			return nil, err
		}

		if !budgetExhausted {
			remaining, err := o.ledger.Remaining(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			if remaining <= 0 {
				budgetExhausted = true
				log.Warn("budget exhausted, halting dispatch",
					zap.Float64("ceiling_usd", o.ledger.Ceiling()),
				)
			}
		}
		if budgetExhausted {
			job.Status = model.JobStatusBudgetExceeded
			job.ErrorClass = resilience.ClassBudget
			if err := o.updateJob(ctx, job); err != nil {
				return nil, err
			}
			report.BudgetExceeded++
			continue
		}

		txn := txn
		g.Go(func() error {
			outcome := o.runJob(gctx, log, job, txn, mapper)
			mu.Lock()
			switch outcome {
			case model.JobStatusSucceeded:
				report.Succeeded++
				report.SpentUSD += job.CostUSD
			case model.JobStatusFailedTerminal:
				report.FailedTerminal++
				report.SpentUSD += job.CostUSD
			default:
				report.Failed++
				report.SpentUSD += job.CostUSD
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	log.Info("batch complete",
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed+report.FailedTerminal),
		zap.Int("budget_exceeded", report.BudgetExceeded),
		zap.Float64("spent_usd", report.SpentUSD),
	)
	return report, nil
}

// runJob drives one job to a terminal-for-this-batch status and returns
// that status. Store write failures degrade to logs; the job outcome
// itself is decided by the model calls.
func (o *Orchestrator) runJob(ctx context.Context, log *zap.Logger, job *model.AnalysisJob, txn model.CachedTransaction, mapper *anonymize.Mapper) model.JobStatus {
	job.Status = model.JobStatusDispatched
	if err := o.updateJob(ctx, job); err != nil {
		log.Warn("failed to mark job dispatched", zap.String("job_id", job.ID), zap.Error(err))
	}

	scrubbed, err := mapper.Transaction(txn.RawData)
	if err != nil {
		return o.finishJob(ctx, log, job, model.JobStatusFailed, resilience.Classify(err), err)
	}

	prompt := userPrompt(string(txn.DataType), txn.FinancialYear, scrubbed)

	attempts := o.maxFailovers + 1
	var lastErr error
	for i, backend := range o.pool.Sequence() {
		if i >= attempts {
			break
		}
		if ctx.Err() != nil {
			return o.finishJob(ctx, log, job, model.JobStatusFailed, resilience.Classify(ctx.Err()), ctx.Err())
		}

		breaker := o.breakers.Get(backend.Provider() + "/" + backend.Model())
		result, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*modelpool.Result, error) {
			return backend.Complete(ctx, systemPrompt, prompt)
		})
		if err != nil {
			lastErr = err
			log.Warn("backend call failed, failing over",
				zap.String("job_id", job.ID),
				zap.String("provider", backend.Provider()),
				zap.String("model", backend.Model()),
				zap.Error(err),
			)
			continue
		}

		// Tokens were consumed regardless of what the response contains.
		amount := o.ledger.Calculator().Call(backend.Provider(), result.Model, result.TokensIn, result.TokensOut)
		job.CostUSD += amount
		if err := o.ledger.Record(ctx, model.CostRecord{
			TenantID:  job.TenantID,
			Provider:  backend.Provider(),
			Model:     result.Model,
			TokensIn:  result.TokensIn,
			TokensOut: result.TokensOut,
			JobID:     job.ID,
		}); err != nil {
			log.Error("failed to record cost", zap.String("job_id", job.ID), zap.Error(err))
		}

		fr, err := parseFinding(result.Text)
		if err != nil {
			// An invalid response is not retried elsewhere: the job fails
			// and nothing is persisted.
			return o.finishJob(ctx, log, job, model.JobStatusFailed, resilience.ClassSchema, err)
		}

		finding := fr.toFinding(txn)
		finding.ModelUsed = result.Model
		finding.AnalyzedAt = o.nowFunc().UTC()
		if err := o.store.SaveFindings(ctx, []model.Finding{finding}); err != nil {
			return o.finishJob(ctx, log, job, model.JobStatusFailed, resilience.Classify(err), err)
		}

		job.ModelUsed = result.Model
		return o.finishJob(ctx, log, job, model.JobStatusSucceeded, "", nil)
	}

	return o.finishJob(ctx, log, job, model.JobStatusFailedTerminal, resilience.Classify(lastErr), lastErr)
}

func (o *Orchestrator) finishJob(ctx context.Context, log *zap.Logger, job *model.AnalysisJob, status model.JobStatus, errorClass string, cause error) model.JobStatus {
	job.Status = status
	job.ErrorClass = errorClass
	if err := o.updateJob(ctx, job); err != nil {
		log.Error("failed to persist job status",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	if cause != nil {
		log.Warn("job did not succeed",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.String("error_class", errorClass),
			zap.Error(cause),
		)
	}
	return status
}

func (o *Orchestrator) updateJob(ctx context.Context, job *model.AnalysisJob) error {
	job.UpdatedAt = o.nowFunc().UTC()
	return o.store.UpdateJob(ctx, job)
}
