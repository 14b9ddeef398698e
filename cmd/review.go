package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/padlock-insure/padlock-ingest/internal/consistency"
	"github.com/padlock-insure/padlock-ingest/internal/dashboard"
	"github.com/padlock-insure/padlock-ingest/internal/dedup"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

// -- consistency --

var consistencyCmd = &cobra.Command{
	Use:   "consistency",
	Short: "Catalog consistency rules",
}

var consistencyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Re-run the consistency rules over the whole catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker, err := consistency.New(st, cfg.Consistency)
		if err != nil {
			return err
		}
		summary, err := checker.RunConsistencyCheck(ctx)
		if err != nil {
			return eris.Wrap(err, "consistency check")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Checked %d products: %d alerts raised, %d resolved.\n",
			summary.ProductsChecked, summary.AlertsRaised, summary.AlertsResolved)
		return nil
	},
}

// -- duplicates --

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Review flagged duplicate products",
}

var duplicatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List duplicate detections",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		product, _ := cmd.Flags().GetString("product")
		limit, _ := cmd.Flags().GetInt("limit")

		dups, err := dedup.New(st, cfg.Dedup).List(ctx, store.DuplicateFilter{
			ProductID: product,
			Status:    model.DuplicateStatus(status),
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "duplicates list")
		}
		if len(dups) == 0 {
			fmt.Fprintln(os.Stderr, "No duplicates found.")
			return nil
		}
		formatDuplicatesList(cmd.OutOrStdout(), dups)
		return nil
	},
}

func newDuplicateReviewCmd(use, short string, status model.DuplicateStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <detection-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, "store")
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			if err := dedup.New(st, cfg.Dedup).Review(ctx, args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Detection %s marked %s.\n", args[0], status)
			return nil
		},
	}
}

var (
	duplicatesConfirmCmd = newDuplicateReviewCmd("confirm", "Confirm a duplicate detection", model.DuplicateStatusConfirmed)
	duplicatesDismissCmd = newDuplicateReviewCmd("dismiss", "Dismiss a duplicate detection", model.DuplicateStatusDismissed)
)

// -- dashboard --

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print the operator dashboard and its warnings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := dashboard.NewCollector(st, cfg.Dashboard.RecentJobs).Snapshot(ctx)
		if err != nil {
			return err
		}
		stuckAfter := time.Duration(cfg.Ingest.StaleAfterMinutes) * time.Minute
		warnings := dashboard.NewEvaluator(cfg.Dashboard, stuckAfter).Evaluate(snap)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), struct {
				*dashboard.Snapshot
				Warnings []dashboard.Warning `json:"warnings"`
			}{snap, warnings})
		}
		formatSnapshot(cmd.OutOrStdout(), snap, warnings)
		return nil
	},
}

func init() {
	duplicatesListCmd.Flags().String("status", string(model.DuplicateStatusPending), "filter by review status (empty for all)")
	duplicatesListCmd.Flags().String("product", "", "filter by product id")
	duplicatesListCmd.Flags().Int("limit", 50, "maximum number of detections")
	duplicatesCmd.AddCommand(duplicatesListCmd, duplicatesConfirmCmd, duplicatesDismissCmd)

	consistencyCmd.AddCommand(consistencyCheckCmd)

	dashboardCmd.Flags().Bool("json", false, "print JSON instead of a summary")

	rootCmd.AddCommand(consistencyCmd, duplicatesCmd, dashboardCmd)
}
