package main

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var statusTenant string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync and analysis status for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if statusTenant == "" {
			return eris.New("--tenant is required")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sync, err := env.store.SyncStatus(ctx, statusTenant)
		if err != nil {
			return eris.Wrap(err, "status: sync")
		}
		analysis, err := env.store.AnalysisStatus(ctx, statusTenant)
		if err != nil {
			return eris.Wrap(err, "status: analysis")
		}
		spent, err := env.ledger.Spent(ctx, statusTenant)
		if err != nil {
			return eris.Wrap(err, "status: spend")
		}

		fmt.Printf("Tenant %s\n\n", statusTenant)
		fmt.Printf("Sync: %d complete, %d in progress, %d pending, %d errored\n",
			sync.Complete, sync.InProgress, sync.Pending, sync.Errored)
		for pair, class := range sync.Failures {
			fmt.Printf("  failed %-28s %s\n", pair, class)
		}

		fmt.Printf("\nAnalysis: %d succeeded, %d pending, %d failed, %d over budget\n",
			analysis.Succeeded, analysis.Pending, analysis.Failed, analysis.BudgetExceeded)
		if len(analysis.ClaimableByFY) > 0 {
			years := make([]int, 0, len(analysis.ClaimableByFY))
			for fy := range analysis.ClaimableByFY {
				years = append(years, fy)
			}
			sort.Sort(sort.Reverse(sort.IntSlice(years)))
			fmt.Println("\nClaimable by financial year:")
			for _, fy := range years {
				fmt.Printf("  FY%d  $%.2f\n", fy, analysis.ClaimableByFY[fy])
			}
		}

		fmt.Printf("\nBudget: $%.4f spent of $%.2f ceiling\n", spent, env.ledger.Ceiling())
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "tenant ID")
	rootCmd.AddCommand(statusCmd)
}
