package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/padlock-insure/padlock-ingest/internal/ingest"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/registry"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run and inspect ingestion jobs",
}

// -- ingest start --

var ingestStartCmd = &cobra.Command{
	Use:   "start <source-id>",
	Short: "Run one ingestion job against a source in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		jobType, _ := cmd.Flags().GetString("job-type")
		asJSON, _ := cmd.Flags().GetBool("json")

		res, runErr := env.Runner.StartIngestion(ctx, args[0], model.JobType(jobType))
		if res == nil {
			return runErr
		}
		if asJSON {
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else {
			formatJobResult(cmd.OutOrStdout(), res)
		}
		return runErr
	},
}

// -- ingest status --

var ingestStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and its latest logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runner, closeStore, err := initControlRunner(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		js, err := runner.GetJobStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), js)
		}
		formatJobStatus(cmd.OutOrStdout(), js)
		return nil
	},
}

// -- ingest cancel --

var ingestCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		runner, closeStore, err := initControlRunner(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		res, err := runner.CancelJob(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

// -- ingest recover --

var ingestRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail jobs left running by a process that exited",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		runner, closeStore, err := initControlRunner(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			olderThan = time.Duration(cfg.Ingest.StaleAfterMinutes) * time.Minute
		}

		ids, err := runner.RecoverStranded(ctx, olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d stranded jobs.\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
		}
		return nil
	},
}

// initControlRunner builds a Runner that can inspect and cancel jobs but
// not fetch, which is all status, cancel and recover need.
func initControlRunner(ctx context.Context) (*ingest.Runner, func(), error) {
	st, err := openStore(ctx, "store")
	if err != nil {
		return nil, nil, err
	}
	runner := ingest.New(ingest.Deps{Store: st, Registry: registry.New(st)}, cfg.Ingest, maxPayloadBytes)
	return runner, func() { st.Close() }, nil //nolint:errcheck
}

func init() {
	ingestStartCmd.Flags().String("job-type", string(model.JobTypeManual), "job type (manual, scheduled, webhook)")
	ingestStartCmd.Flags().Bool("json", false, "print the result as JSON")
	ingestStatusCmd.Flags().Bool("json", false, "print the status as JSON")
	ingestRecoverCmd.Flags().Duration("older-than", 0, "minimum job age (default from ingest.stale_after_minutes)")

	ingestCmd.AddCommand(ingestStartCmd, ingestStatusCmd, ingestCancelCmd, ingestRecoverCmd)
	rootCmd.AddCommand(ingestCmd)
}
