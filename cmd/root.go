package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iotaledger/iota-sim/sim/scenario"
)

var (
	// Persistent CLI flags
	logLevel     string // Log verbosity level
	scenarioPath string // Scenario yaml file; empty runs the built-in default
	seed         int64  // Master seed; overrides the scenario's seed when set
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "iota-sim",
	Short:         "Deterministic simulation engine for distributed-systems tests",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadScenario resolves the scenario file and the seed override shared by the
// run and explore commands.
func loadScenario(cmd *cobra.Command) (*scenario.Config, error) {
	cfg := scenario.Default()
	if scenarioPath != "" {
		loaded, err := scenario.Load(scenarioPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&scenarioPath, "scenario", "", "Scenario yaml file (default: built-in 3-node mesh)")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "Master seed, overriding the scenario's seed")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exploreCmd)
}
