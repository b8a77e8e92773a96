package cmd

import (
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iotaledger/iota-sim/sim"
)

var (
	exploreSeeds int   // Number of consecutive seeds to try
	exploreStart int64 // First seed of the sweep
	exploreJobs  int   // Parallel workers (each simulation is single-threaded)
)

// exploreCmd sweeps a range of seeds looking for failing interleavings.
// Every simulation is independent and internally single-threaded, so running
// them on parallel workers cannot change any per-seed outcome; a seed the
// sweep reports can be replayed alone with `run --seed`.
var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Run the scenario across a range of seeds and report failing ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadScenario(cmd)
		if err != nil {
			return err
		}
		start := cfg.Seed
		if cmd.Flags().Changed("start") {
			start = exploreStart
		}

		results := make([]sim.Result, exploreSeeds)
		var g errgroup.Group
		g.SetLimit(exploreJobs)
		for i := 0; i < exploreSeeds; i++ {
			i := i
			g.Go(func() error {
				res, err := runScenario(cfg, start+int64(i))
				if err != nil {
					return err
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var failing []int64
		for _, res := range results {
			if res.Status != sim.StatusCompleted || len(res.Failures) > 0 {
				failing = append(failing, res.Seed)
				logrus.Warnf("seed %d: %s", res.Seed, res)
			}
		}
		logrus.Infof("scenario %s: %d seeds explored, %d failing", cfg.Name, exploreSeeds, len(failing))
		if len(failing) > 0 {
			return errors.Errorf("%d of %d seeds failed, first reproducer: --seed %d",
				len(failing), exploreSeeds, failing[0])
		}
		return nil
	},
}

func init() {
	exploreCmd.Flags().IntVar(&exploreSeeds, "seeds", 100, "Number of consecutive seeds to run")
	exploreCmd.Flags().Int64Var(&exploreStart, "start", 0, "First seed (default: the scenario's seed)")
	exploreCmd.Flags().IntVar(&exploreJobs, "jobs", runtime.NumCPU(), "Parallel simulations")
}
