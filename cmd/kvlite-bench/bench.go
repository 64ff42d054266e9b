package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/kvlite/kvlite/pkg/kvlite"
	"github.com/spf13/cobra"
)

func newBenchCmd(dir, configPath *string) *cobra.Command {
	var numKeys, valueSize int
	var sync bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Write numKeys random entries and report write/read throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*dir, *configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			keys := make([]string, numKeys)
			value := make([]byte, valueSize)
			rng := rand.New(rand.NewSource(1))
			for i := range keys {
				keys[i] = fmt.Sprintf("key-%010d", i)
			}
			rng.Read(value)

			writeOpts := kvlite.WriteOptions{Sync: sync}
			start := time.Now()
			for _, k := range keys {
				if err := db.Set(writeOpts, k, string(value)); err != nil {
					return fmt.Errorf("write %q: %w", k, err)
				}
			}
			writeElapsed := time.Since(start)

			start = time.Now()
			for _, k := range keys {
				if _, err := db.Get(k); err != nil {
					return fmt.Errorf("read %q: %w", k, err)
				}
			}
			readElapsed := time.Since(start)

			fmt.Printf("wrote %d entries (%d bytes each) in %s (%.0f ops/s)\n",
				numKeys, valueSize, writeElapsed, float64(numKeys)/writeElapsed.Seconds())
			fmt.Printf("read  %d entries              in %s (%.0f ops/s)\n",
				numKeys, readElapsed, float64(numKeys)/readElapsed.Seconds())
			return nil
		},
	}
	cmd.Flags().IntVar(&numKeys, "keys", 10000, "number of entries to write and read back")
	cmd.Flags().IntVar(&valueSize, "value-size", 100, "value size in bytes")
	cmd.Flags().BoolVar(&sync, "sync", false, "fsync the WAL on every write")
	return cmd
}
