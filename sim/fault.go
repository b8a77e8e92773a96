package sim

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FaultAction names a disruption the FaultController can inject.
type FaultAction string

const (
	// FaultCrash crashes a node.
	FaultCrash FaultAction = "crash"
	// FaultRestart restarts a crashed node.
	FaultRestart FaultAction = "restart"
	// FaultPartition partitions every link between two nodes, both ways.
	// Messages in flight when the partition starts are dropped.
	FaultPartition FaultAction = "partition"
	// FaultHeal removes a partition between two nodes.
	FaultHeal FaultAction = "heal"
	// FaultLossBurst raises the loss probability on every link between two
	// nodes for a fixed duration, then restores the previous values.
	FaultLossBurst FaultAction = "loss-burst"
)

// FaultEvent is one entry of a fault script.
type FaultEvent struct {
	// At is the virtual time the fault fires. Ignored when Random is set.
	At VirtualTime
	// Random draws the firing time uniformly over the run horizon from the
	// fault stream (exploratory mode). Requires a finite horizon.
	Random bool
	Action FaultAction

	// Node names the target for crash and restart.
	Node NodeID
	// A and B name the node pair for partition, heal and loss-burst.
	A, B NodeID

	// Loss is the burst loss probability for loss-burst.
	Loss float64
	// For is the burst duration for loss-burst.
	For Duration
}

// FaultController injects disruptions into a run. Scripted faults fire at
// explicit virtual times (regression tests); randomized faults draw their
// times from the dedicated fault stream (exploration). Both funnel through
// the same timer heap as ordinary timers, so fault events interleave
// deterministically with everything else.
type FaultController struct {
	sim *Simulation
	rng *rand.Rand
}

func newFaultController(s *Simulation) *FaultController {
	return &FaultController{sim: s, rng: s.rng.Stream(StreamFaults)}
}

// Install validates the script and schedules every event. Random times are
// drawn here, in script order, so the script's draw sequence is independent
// of anything that happens during the run. Install must be called before
// Run.
func (fc *FaultController) Install(script []FaultEvent) error {
	s := fc.sim
	for i := range script {
		ev := script[i]
		if err := fc.validate(ev); err != nil {
			return errors.WithMessagef(err, "fault script entry %d", i)
		}
		at := ev.At
		if ev.Random {
			// Draw over [0, Horizon]; the bound saturates instead of
			// overflowing when the horizon is already the maximum tick.
			bound := int64(s.cfg.Horizon)
			if bound < math.MaxInt64 {
				bound++
			}
			at = VirtualTime(fc.rng.Int63n(bound))
		}
		s.exec.schedule(at, func() { fc.apply(ev) })
	}
	return nil
}

func (fc *FaultController) validate(ev FaultEvent) error {
	s := fc.sim
	if ev.Random && s.cfg.Horizon <= 0 {
		return errors.Errorf("random fault timing requires a finite horizon")
	}
	if !ev.Random && ev.At < TimeZero {
		return errors.Errorf("fault time %s is negative", ev.At)
	}
	switch ev.Action {
	case FaultCrash, FaultRestart:
		if _, ok := s.nodes[ev.Node]; !ok {
			return errors.Errorf("%s: unknown node %q", ev.Action, ev.Node)
		}
	case FaultPartition, FaultHeal, FaultLossBurst:
		if _, ok := s.nodes[ev.A]; !ok {
			return errors.Errorf("%s: unknown node %q", ev.Action, ev.A)
		}
		if _, ok := s.nodes[ev.B]; !ok {
			return errors.Errorf("%s: unknown node %q", ev.Action, ev.B)
		}
		if ev.A == ev.B {
			return errors.Errorf("%s: node pair is the same node %q", ev.Action, ev.A)
		}
		if ev.Action == FaultLossBurst {
			if ev.Loss < 0 || ev.Loss > 1 {
				return errors.Errorf("loss-burst: probability %v out of range", ev.Loss)
			}
			if ev.For <= 0 {
				return errors.Errorf("loss-burst: duration %s must be positive", ev.For)
			}
		}
	default:
		return errors.Errorf("unknown fault action %q", ev.Action)
	}
	return nil
}

// apply executes one fault at its scheduled time. Crashing a node that is
// already down (or restarting one that is up) is skipped with a warning:
// randomized scripts legitimately race against the workload's own lifecycle.
func (fc *FaultController) apply(ev FaultEvent) {
	s := fc.sim
	now := s.exec.now
	switch ev.Action {
	case FaultCrash:
		n := s.nodes[ev.Node]
		if n.state != NodeRunning {
			logrus.Warnf("[tick %07d] fault crash %s skipped: node is %s", now, ev.Node, n.state)
			return
		}
		// The fault controller runs on the dispatch loop, never on one of the
		// node's tasks, so Crash returns here.
		_ = n.Crash()
	case FaultRestart:
		n := s.nodes[ev.Node]
		if n.state != NodeCrashed {
			logrus.Warnf("[tick %07d] fault restart %s skipped: node is %s", now, ev.Node, n.state)
			return
		}
		_ = n.Restart()
	case FaultPartition:
		logrus.Infof("[tick %07d] partition %s | %s", now, ev.A, ev.B)
		s.fabric.setPartitioned(ev.A, ev.B, true)
	case FaultHeal:
		logrus.Infof("[tick %07d] heal %s | %s", now, ev.A, ev.B)
		s.fabric.setPartitioned(ev.A, ev.B, false)
	case FaultLossBurst:
		logrus.Infof("[tick %07d] loss burst %v on %s | %s for %s", now, ev.Loss, ev.A, ev.B, ev.For)
		links := s.fabric.linksBetween(ev.A, ev.B)
		saved := make([]float64, len(links))
		for i, l := range links {
			saved[i] = l.cfg.Loss
			l.cfg.Loss = ev.Loss
		}
		s.exec.schedule(now.Add(ev.For), func() {
			logrus.Infof("[tick %07d] loss burst on %s | %s over", s.exec.now, ev.A, ev.B)
			for i, l := range links {
				l.cfg.Loss = saved[i]
			}
		})
	}
}
