package cmd

import (
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "sensorctl",
	Short: "Formula engine demonstration CLI",
	Long: `sensorctl is a thin driver over the synthetic sensor formula
evaluation engine. It loads a sensor-set YAML file and a flat state fixture
file, runs one evaluation cycle, and prints the resulting publications —
useful for manually exercising a sensor-set definition without a full host
integration.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print per-phase trace output")
}
