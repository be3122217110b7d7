package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	analyzeTenant    string
	analyzeBatchSize int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run AI tax analysis over cached transactions",
	Long: `Analyze pulls a batch of cached transactions that have no finding yet,
anonymizes them, and dispatches them across the configured model pool.
Dispatch stops once the tenant's spend ceiling is reached; re-running
picks up where the budget or a failure left off.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if analyzeTenant == "" {
			return eris.New("--tenant is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		orch, err := env.newOrchestrator()
		if err != nil {
			return err
		}

		zap.L().Info("starting analysis batch",
			zap.String("tenant_id", analyzeTenant),
			zap.Int("batch_size", analyzeBatchSize),
		)

		report, err := orch.RunBatch(ctx, analyzeTenant, analyzeBatchSize)
		if err != nil {
			return eris.Wrapf(err, "analyze tenant %s", analyzeTenant)
		}

		fmt.Printf("Batch %s: %d analyzed, %d succeeded, %d failed, %d over budget ($%.4f spent)\n",
			report.BatchID, report.Total, report.Succeeded,
			report.Failed+report.FailedTerminal, report.BudgetExceeded, report.SpentUSD)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTenant, "tenant", "", "tenant ID to analyze")
	analyzeCmd.Flags().IntVar(&analyzeBatchSize, "batch-size", 0, "transactions per batch (default 50)")
	rootCmd.AddCommand(analyzeCmd)
}
