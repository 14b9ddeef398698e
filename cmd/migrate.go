package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/registry"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema and optionally seed data sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		seedPath, _ := cmd.Flags().GetString("seed")
		if seedPath == "" {
			zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
			return nil
		}

		sources, err := registry.LoadSourcesFromFile(seedPath)
		if err != nil {
			return err
		}
		created, err := registry.New(st).Seed(ctx, sources)
		if err != nil {
			return eris.Wrap(err, "migrate: seed sources")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d of %d sources.\n", created, len(sources))
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("seed", "", "JSON file of data sources to create if missing")
	rootCmd.AddCommand(migrateCmd)
}
