package cmd

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iotaledger/iota-sim/sim"
	"github.com/iotaledger/iota-sim/sim/scenario"
)

// runCmd executes one scenario at one seed and reports the outcome.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scenario once at a single seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadScenario(cmd)
		if err != nil {
			return err
		}
		res, err := runScenario(cfg, cfg.Seed)
		if err != nil {
			return err
		}
		logrus.Infof("scenario %s: %s", cfg.Name, res)
		if res.Status != sim.StatusCompleted {
			return errors.Errorf("%s (reproduce with --seed %d)", res, res.Seed)
		}
		for _, f := range res.Failures {
			logrus.Warnf("recorded failure: %s", f)
		}
		return nil
	},
}

// runScenario builds and runs one simulation of cfg at the given seed.
func runScenario(cfg *scenario.Config, seed int64) (sim.Result, error) {
	c := *cfg
	c.Seed = seed
	s, err := scenario.Build(&c)
	if err != nil {
		return sim.Result{}, err
	}
	return s.Run(), nil
}
