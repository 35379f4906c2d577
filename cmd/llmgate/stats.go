package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmgate/pkg/tracker"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var (
		backendID string
		recent    int
		since     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show token usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.Tracker.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ctx := cmd.Context()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

			if recent > 0 {
				recs, err := tr.Recent(ctx, recent)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No usage data found.")
					return nil
				}
				fmt.Fprintln(w, "WHEN\tBACKEND\tMODEL\tFINISH\tTOKENS\tLATENCY\tCACHED")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dms\t%t\n",
						humanize.Time(r.CreatedAt), r.Backend, r.Model, r.FinishReason,
						humanize.Comma(int64(r.TotalTokens)), r.LatencyMs, r.Cached)
				}
				return w.Flush()
			}

			summaries, err := tr.Summary(ctx, backendID)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			fmt.Fprintln(w, "BACKEND\tMODEL\tREQUESTS\tERRORS\tCACHE HITS\tPROMPT\tCOMPLETION\tTOTAL\tAVG LATENCY")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\t%dms\n",
					s.Backend, s.Model, humanize.Comma(int64(s.RequestCount)), s.ErrorCount, s.CacheHits,
					humanize.Comma(int64(s.TotalPrompt)), humanize.Comma(int64(s.TotalCompletion)),
					humanize.Comma(int64(s.TotalTokens)), s.AvgLatencyMs)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if since > 0 {
				total, err := tr.TotalSince(ctx, time.Now().Add(-since))
				if err != nil {
					return err
				}
				fmt.Printf("\nTokens in the last %s: %s\n", since, humanize.Comma(total))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backendID, "backend", "", "filter by backend id")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent requests instead of the summary")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window for the token total; 0 disables it")
	return cmd
}
