package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd(dir, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-level table counts/bytes and sequence counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*dir, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			stats := db.Stats()
			fmt.Printf("last_sequence:   %d\n", stats.LastSequence)
			fmt.Printf("last_file_number: %d\n", stats.LastFileNumber)
			for i, count := range stats.LevelTableCounts {
				fmt.Printf("L%d: %d tables, %d bytes\n", i, count, stats.LevelBytes[i])
			}
			return nil
		},
	}
}
