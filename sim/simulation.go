package sim

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config parameterizes a simulation run. Seed is the only source of
// randomness; two runs with identical Config, node set and task code produce
// identical results.
type Config struct {
	// Seed is the master seed every random stream derives from.
	Seed int64
	// Horizon bounds the run in virtual time; 0 means run to quiescence.
	Horizon VirtualTime
	// ContinueOnFailure records task failures and keeps running instead of
	// aborting at the first one.
	ContinueOnFailure bool
	// RecordTrace captures the dispatched-event sequence in Result.Trace.
	RecordTrace bool
	// DefaultLink is the link configuration used by Ctx.Dial.
	DefaultLink LinkConfig
}

// Simulation is the root owner of a simulated world: the clock, the seed
// tree, the executor's queues, the network fabric and the nodes. It is
// single-threaded and runs exactly once.
type Simulation struct {
	cfg    Config
	rng    *SeedTree
	exec   *Executor
	fabric *Fabric
	faults *FaultController
	nodes  map[NodeID]*Node
	ran    bool
}

// New creates a simulation from cfg.
func New(cfg Config) *Simulation {
	s := &Simulation{
		cfg:   cfg,
		rng:   NewSeedTree(cfg.Seed),
		nodes: make(map[NodeID]*Node),
	}
	s.exec = newExecutor(s)
	s.fabric = newFabric(s)
	s.faults = newFaultController(s)
	return s
}

// Seed returns the master seed.
func (s *Simulation) Seed() int64 { return s.cfg.Seed }

// Now returns the current virtual time.
func (s *Simulation) Now() VirtualTime { return s.exec.now }

// AddNode creates a node and schedules its startup function as the node's
// main task at time zero. startup may be nil for a node driven entirely by
// explicit Spawn calls.
func (s *Simulation) AddNode(id NodeID, startup func(*Ctx) error) (*Node, error) {
	if _, ok := s.nodes[id]; ok {
		return nil, errors.Errorf("node %q already exists", id)
	}
	if s.ran {
		return nil, errors.Errorf("add node %q: simulation already ran", id)
	}
	n := &Node{
		id:        id,
		sim:       s,
		state:     NodeRunning,
		startup:   startup,
		tasks:     make(map[TaskID]*task),
		endpoints: make(map[Address]*Endpoint),
	}
	s.nodes[id] = n
	n.bootTask()
	return n, nil
}

// Node returns the node with the given id, or nil.
func (s *Simulation) Node(id NodeID) *Node { return s.nodes[id] }

// Connect returns the link src -> dst with the given configuration, creating
// it on first use. Both addresses must be bound.
func (s *Simulation) Connect(src, dst Address, cfg LinkConfig) (*Link, error) {
	return s.fabric.connect(src, dst, cfg)
}

// InstallFaults schedules a fault script. Must be called before Run.
func (s *Simulation) InstallFaults(script []FaultEvent) error {
	if s.ran {
		return errors.Errorf("install faults: simulation already ran")
	}
	return s.faults.Install(script)
}

// Run drives the simulation to quiescence, deadlock, failure, or the
// configured horizon, and returns the outcome. Run consumes the simulation;
// running twice panics.
func (s *Simulation) Run() Result {
	return s.RunUntil(s.cfg.Horizon)
}

// RunUntil is Run with an explicit horizon overriding the configured one.
func (s *Simulation) RunUntil(horizon VirtualTime) Result {
	if s.ran {
		panic(invariantf("simulation ran twice"))
	}
	s.ran = true
	e := s.exec
	logrus.Infof("starting simulation: seed=%d nodes=%d horizon=%s", s.cfg.Seed, len(s.nodes), horizon)

	e.runUntil(horizon)

	res := Result{
		Seed:       s.cfg.Seed,
		FinalTime:  e.now,
		Dispatches: e.dispatches,
		Messages:   s.fabric.msgCount,
		Failures:   e.failures,
		Trace:      e.trace,
	}
	switch {
	case e.stopErr != nil:
		res.Status = StatusFailed
		res.Err = e.stopErr
		res.FailedNode = e.failedTask.node.id
		res.FailedTask = e.failedTask.name
	default:
		var blocked []string
		for _, t := range e.liveTasksSorted() {
			if t.state == taskBlocked && !t.daemon {
				blocked = append(blocked, fmt.Sprintf("%s/%s", t.node.id, t.name))
			}
		}
		if len(blocked) > 0 && !e.horizonHit {
			res.Status = StatusDeadlock
			res.Blocked = blocked
			res.Err = errors.Errorf("deadlock at %s: %d task(s) blocked with no pending events", e.now, len(blocked))
		} else {
			res.Status = StatusCompleted
		}
	}

	s.shutdown()
	logrus.Infof("simulation ended: %s", res)
	return res
}

// shutdown cancels every surviving task so no goroutines outlive the run.
// Runs after the result is computed; shutdown cancellations are not failures.
func (s *Simulation) shutdown() {
	for _, t := range s.exec.liveTasksSorted() {
		s.exec.kill(t)
	}
}

// Status classifies a run's outcome.
type Status uint8

const (
	// StatusCompleted means the run reached quiescence or its horizon.
	StatusCompleted Status = iota
	// StatusDeadlock means no event could make progress while a
	// non-daemon task was still blocked.
	StatusDeadlock
	// StatusFailed means a task failure aborted the run.
	StatusFailed
)

func (st Status) String() string {
	switch st {
	case StatusCompleted:
		return "completed"
	case StatusDeadlock:
		return "deadlock"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the observable outcome of a run: everything a test harness needs
// to report a failure and print a reproducing seed.
type Result struct {
	Status     Status
	Seed       int64
	FinalTime  VirtualTime
	Dispatches uint64
	Messages   uint64

	// Err is the aborting failure or the deadlock description.
	Err        error
	FailedNode NodeID
	FailedTask string

	// Blocked lists the tasks stuck at deadlock.
	Blocked []string

	// Failures holds every escalated task failure; more than one only under
	// ContinueOnFailure.
	Failures []TaskFailure

	// Trace is the dispatched-event sequence, when recording was enabled.
	// Two runs with the same seed and script produce identical traces.
	Trace []string
}

func (r Result) String() string {
	switch r.Status {
	case StatusFailed:
		return fmt.Sprintf("failed at %s (seed %d): %s/%s: %v", r.FinalTime, r.Seed, r.FailedNode, r.FailedTask, r.Err)
	case StatusDeadlock:
		return fmt.Sprintf("deadlock at %s (seed %d): blocked %v", r.FinalTime, r.Seed, r.Blocked)
	default:
		return fmt.Sprintf("completed at %s (seed %d, %d dispatches, %d messages)", r.FinalTime, r.Seed, r.Dispatches, r.Messages)
	}
}
