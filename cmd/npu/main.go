package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "npu",
		Short: "Burst engine for spiking neural networks",
		Long: `npu runs a spiking neural network one burst at a time.

It loads a resolved connectome from the local store, drives it at a fixed
burst frequency, reads sensory frames from shared-memory agents and
publishes fire samples for visualization and motor output.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.burstnpu/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override logging.level (warn, info, debug, trace)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newStepCmd(),
		newSelectBackendCmd(),
		newHistoryCmd(),
		newSnapshotCmd(),
		newSynthCmd(),
		newMCPCmd(),
		newConfigCmd(),
	)

	return rootCmd
}
