package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorcha-inc/envprov/internal/config"
	"github.com/dorcha-inc/envprov/internal/core"
	"github.com/dorcha-inc/envprov/internal/journal"
)

// newHistoryCmd creates the history command
func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent provisioning runs from the run journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if cfg.JournalPath == "" {
				return fmt.Errorf("the run journal is disabled (journal_path is empty)")
			}

			j, err := journal.Open(cmd.Context(), cfg.JournalPath)
			if err != nil {
				return err
			}
			defer core.LogDeferredError(j.Close)

			entries, err := j.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printHistory(os.Stdout, entries, flags.jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", journal.DefaultListLimit, "Number of runs to show")

	return cmd
}

func printHistory(w io.Writer, entries []journal.Entry, jsonOutput bool) error {
	if jsonOutput {
		if entries == nil {
			entries = []journal.Entry{}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	if len(entries) == 0 {
		core.MustFprintf(w, "No runs recorded.\n")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	core.MustFprintf(tw, "STARTED\tCOMMAND\tRESULT\tEXIT\tSUBJECT\tRUN ID\n")
	core.MustFprintf(tw, "-------\t-------\t------\t----\t-------\t------\n")
	for _, e := range entries {
		subject := e.Subject
		if subject == "" {
			subject = "-"
		}
		core.MustFprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime), e.Command, e.Kind, e.ExitCode, subject, e.RunID)
	}
	return tw.Flush()
}
