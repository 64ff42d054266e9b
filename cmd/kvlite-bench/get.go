package main

import (
	"errors"
	"fmt"

	"github.com/kvlite/kvlite/pkg/kvlite"
	"github.com/spf13/cobra"
)

func newGetCmd(dir, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Look up a key's current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*dir, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			val, err := db.Get(args[0])
			if errors.Is(err, kvlite.ErrNotFound) {
				fmt.Println("(not found)")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(val)
			return nil
		},
	}
}
