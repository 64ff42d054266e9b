package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newScanCmd(dir, configPath *string) *cobra.Command {
	var lower, upper string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Print every key/value in [--lower, --upper)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*dir, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			it := db.Range(lower, upper)
			defer it.Close()

			for ; it.Valid(); it.Next() {
				fmt.Printf("%s = %s\n", it.Key(), it.Value())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lower, "lower", "", "inclusive lower bound (unbounded if empty)")
	cmd.Flags().StringVar(&upper, "upper", "", "exclusive upper bound (unbounded if empty)")
	return cmd
}
