package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/registry"
	"github.com/padlock-insure/padlock-ingest/internal/store"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage registered data sources",
}

// -- sources list --

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List data sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		sourceType, _ := cmd.Flags().GetString("type")
		asJSON, _ := cmd.Flags().GetBool("json")

		sources, err := registry.New(st).ListSources(ctx, store.SourceFilter{
			Status:     model.SourceStatus(status),
			SourceType: model.SourceType(sourceType),
		})
		if err != nil {
			return eris.Wrap(err, "sources list")
		}

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), sources)
		}
		if len(sources) == 0 {
			fmt.Fprintln(os.Stderr, "No sources found.")
			return nil
		}
		formatSourcesList(cmd.OutOrStdout(), sources)
		return nil
	},
}

// -- sources show --

var sourcesShowCmd = &cobra.Command{
	Use:   "show <source-id>",
	Short: "Show a data source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		src, err := registry.New(st).GetSource(ctx, args[0])
		if err != nil {
			return err
		}
		formatSourceDetail(cmd.OutOrStdout(), src)
		return nil
	},
}

// -- sources add --

var sourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a data source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		src, err := sourceFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := registry.New(st).CreateSource(ctx, src); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created source %s (%s).\n", src.ID, src.SourceType)
		return nil
	},
}

// sourceFromFlags builds a source from the add flags. --config takes
// inline JSON and --config-file a path; the file wins when both are set.
func sourceFromFlags(cmd *cobra.Command) (*model.DataSource, error) {
	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	provider, _ := cmd.Flags().GetString("provider")
	sourceType, _ := cmd.Flags().GetString("type")
	inline, _ := cmd.Flags().GetString("config")
	configFile, _ := cmd.Flags().GetString("config-file")

	raw := []byte(inline)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, eris.Wrap(err, "sources add: read config file")
		}
		raw = data
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	return &model.DataSource{
		ID:            id,
		Name:          name,
		ProviderName:  provider,
		SourceType:    model.SourceType(sourceType),
		Configuration: json.RawMessage(raw),
		Status:        model.SourceStatusActive,
	}, nil
}

// -- sources pause / activate --

func newSourceStatusCmd(use, short string, status model.SourceStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <source-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx, "store")
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			src, err := registry.New(st).SetStatus(ctx, args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Source %s is now %s.\n", src.ID, src.Status)
			return nil
		},
	}
}

var (
	sourcesPauseCmd    = newSourceStatusCmd("pause", "Pause a data source", model.SourceStatusPaused)
	sourcesActivateCmd = newSourceStatusCmd("activate", "Activate a data source and clear its error state", model.SourceStatusActive)
)

func init() {
	sourcesListCmd.Flags().String("status", "", "filter by status (active, paused, error, syncing)")
	sourcesListCmd.Flags().String("type", "", "filter by source type")
	sourcesListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	sourcesAddCmd.Flags().String("id", "", "source id (generated when empty)")
	sourcesAddCmd.Flags().String("name", "", "display name")
	sourcesAddCmd.Flags().String("provider", "", "provider name")
	sourcesAddCmd.Flags().String("type", "", "source type (api, scraper, feed, aggregator, regulator)")
	sourcesAddCmd.Flags().String("config", "", "configuration as inline JSON")
	sourcesAddCmd.Flags().String("config-file", "", "path to a JSON configuration file")
	_ = sourcesAddCmd.MarkFlagRequired("name")
	_ = sourcesAddCmd.MarkFlagRequired("type")

	sourcesCmd.AddCommand(sourcesListCmd, sourcesShowCmd, sourcesAddCmd, sourcesPauseCmd, sourcesActivateCmd)
	rootCmd.AddCommand(sourcesCmd)
}
