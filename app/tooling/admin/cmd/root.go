// Package cmd contains the chain administration commands.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath        string
	checkpointDir string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", "zblock/data", "Path to the block storage directory.")
	rootCmd.PersistentFlags().StringVarP(&checkpointDir, "checkpoint-dir", "c", "zblock/checkpoints", "Path to the checkpoint directory.")
}

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Chain administration tooling",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
