package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCompactNowCmd(dir, configPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "compact-now",
		Short: "Force at least one flush/compaction pass and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*dir, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := db.CompactNow(ctx); err != nil {
				return err
			}
			fmt.Println("compaction pass complete")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum time to wait")
	return cmd
}
