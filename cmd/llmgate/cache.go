package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmgate/pkg/cache/sqlite"
)

// newCacheCmd manages the disk tier, which is the only tier that outlives
// the process.
func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the disk response cache",
	}

	open := func(cmd *cobra.Command) (*sqlite.Cache, error) {
		cfg, err := loadConfig(cmd, opts)
		if err != nil {
			return nil, err
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		return openDiskCache(cfg.Cache, logger)
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show disk cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			entries, err := c.Entries(cmd.Context())
			if err != nil {
				return err
			}
			size, err := c.SizeBytes(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Path:    %s\nEntries: %s\nSize:    %s\n",
				c.Path(), humanize.Comma(entries), humanize.Bytes(uint64(size)))
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if expiredOnly {
				n, err := c.ClearExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s expired entries.\n", humanize.Comma(n))
				return nil
			}
			if err := c.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All cache entries cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim free space in the cache database",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			before, err := c.SizeBytes(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Compact(cmd.Context()); err != nil {
				return err
			}
			after, err := c.SizeBytes(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Compacted %s: %s -> %s\n",
				c.Path(), humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after)))
			return nil
		},
	}

	cmd.AddCommand(statsCmd, clearCmd, compactCmd)
	return cmd
}
