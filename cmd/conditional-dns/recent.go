package main

import (
	"fmt"

	"conditional-dns/pkg/storage"

	"github.com/spf13/cobra"
)

func newRecentCmd(opt *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest request log entries",
		Long: `Print the newest request log entries, oldest first, in the file
backend's line format. Only the sqlite backend can be queried.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *opt)
			if err != nil {
				return err
			}
			if cfg.QueryLog.Backend != string(storage.BackendSQLite) {
				return fmt.Errorf("recent needs query_log.backend sqlite, configured backend is %s", cfg.QueryLog.Backend)
			}
			if limit <= 0 {
				return fmt.Errorf("invalid --limit: %d", limit)
			}

			stor, err := storage.NewSQLiteStorage(cfg.QueryLog.Path)
			if err != nil {
				return err
			}
			defer func() { _ = stor.Close() }()

			entries, err := stor.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for i := len(entries) - 1; i >= 0; i-- {
				fmt.Fprint(cmd.OutOrStdout(), storage.FormatLine(entries[i]))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to print")

	return cmd
}
