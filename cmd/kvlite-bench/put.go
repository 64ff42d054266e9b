package main

import (
	"fmt"

	"github.com/kvlite/kvlite/pkg/kvlite"
	"github.com/spf13/cobra"
)

func newPutCmd(dir, configPath *string) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*dir, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Set(kvlite.WriteOptions{Sync: sync}, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("put %q = %q\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "fsync the WAL before returning")
	return cmd
}
