package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmgate/pkg/tracker"
)

func newBudgetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show token budget status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if len(cfg.Budget.Policies) == 0 {
				fmt.Println("No budget policies configured.")
				return nil
			}

			tr, err := tracker.New(cfg.Tracker.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			statuses, err := newBudget(cfg.Budget, tr).Status(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POLICY\tPERIOD\tLIMIT\tUSED\tREMAINING\tSINCE")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Policy.Name, s.Policy.Period,
					humanize.Comma(s.Policy.MaxTokens), humanize.Comma(s.Used), humanize.Comma(s.Remaining),
					s.Since.Format("2006-01-02"))
			}
			return w.Flush()
		},
	}
}
