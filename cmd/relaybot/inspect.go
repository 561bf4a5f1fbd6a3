package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/journal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return writeYAML(cmd.OutOrStdout(), config.Sanitize(cfg))
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. relay.sourceChannelId)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func journalCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recent relay outcomes from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Journal.Path == "" {
				return fmt.Errorf("journal disabled: set journal.path or %s", config.EnvJournalPath)
			}
			store, err := journal.NewSQLiteStore(cfg.Journal.Path, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			outcomes, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeOutcomes(cmd.OutOrStdout(), outcomes)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of outcomes to show")
	return cmd
}

func writeOutcomes(w io.Writer, outcomes []domain.Outcome) error {
	if len(outcomes) == 0 {
		_, err := fmt.Fprintln(w, "no relays recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMESSAGE\tSTATUS\tSTAGE\tFILES\tDROPPED\tELAPSED\tERROR")
	for _, o := range outcomes {
		stage := o.Stage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			o.CreatedAt.Local().Format(time.DateTime),
			o.MessageID,
			o.Status,
			stage,
			o.FilesSent,
			o.FilesDropped,
			o.Elapsed.Round(time.Millisecond),
			o.Err,
		)
	}
	return tw.Flush()
}
