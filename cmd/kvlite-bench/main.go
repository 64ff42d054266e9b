// Command kvlite-bench is a smoke-test CLI and throughput harness for
// the KVLite engine: put/get/scan/compact-now/stats subcommands plus a
// bench subcommand that reports write/read throughput against a real
// data directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dir, configPath string

	root := &cobra.Command{
		Use:   "kvlite-bench",
		Short: "Smoke-test and benchmark a KVLite data directory",
	}
	root.PersistentFlags().StringVar(&dir, "dir", "", "data directory (required)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML options file")
	_ = root.MarkPersistentFlagRequired("dir")

	root.AddCommand(
		newPutCmd(&dir, &configPath),
		newGetCmd(&dir, &configPath),
		newScanCmd(&dir, &configPath),
		newCompactNowCmd(&dir, &configPath),
		newStatsCmd(&dir, &configPath),
		newBenchCmd(&dir, &configPath),
	)
	return root
}
