package sim

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NodeID identifies a simulated node.
type NodeID string

// NodeState is a node's lifecycle state.
type NodeState uint8

const (
	// NodeRunning means the node executes tasks and its endpoints are live.
	NodeRunning NodeState = iota
	// NodeCrashed means every task was cancelled and every endpoint closed;
	// only Restart is valid.
	NodeCrashed
	// NodeRestarting covers the window between Restart and the first poll of
	// the new incarnation's startup task.
	NodeRestarting
)

func (s NodeState) String() string {
	switch s {
	case NodeRunning:
		return "running"
	case NodeCrashed:
		return "crashed"
	case NodeRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// A Node simulates an independent machine: an isolated set of tasks, its own
// endpoints on the network fabric, and a crash/restart lifecycle. Each
// restart begins a new incarnation; handles and in-flight messages that refer
// to an earlier incarnation fail fast or are dropped instead of touching the
// new one.
type Node struct {
	id          NodeID
	sim         *Simulation
	state       NodeState
	incarnation uint64
	startup     func(*Ctx) error
	tasks       map[TaskID]*task
	endpoints   map[Address]*Endpoint
	spawnSeq    uint64
}

// ID returns the node id.
func (n *Node) ID() NodeID { return n.id }

// State returns the node's lifecycle state.
func (n *Node) State() NodeState { return n.state }

// Incarnation returns the node's current incarnation number, starting at 0
// and incremented on every restart.
func (n *Node) Incarnation() uint64 { return n.incarnation }

// Spawn starts a task on the node. Fails with ErrNodeDown unless the node is
// running.
func (n *Node) Spawn(name string, fn func(*Ctx) error) (*Handle, error) {
	return n.spawn(name, false, fn)
}

// SpawnDaemon starts a background task on the node. Daemons are expected to
// block indefinitely (serve loops); one still parked when no events remain
// does not make the run a deadlock.
func (n *Node) SpawnDaemon(name string, fn func(*Ctx) error) (*Handle, error) {
	return n.spawn(name, true, fn)
}

func (n *Node) spawn(name string, daemon bool, fn func(*Ctx) error) (*Handle, error) {
	if n.state != NodeRunning {
		return nil, errors.WithMessagef(ErrNodeDown, "spawn %s on %s (%s)", name, n.id, n.state)
	}
	return n.sim.exec.spawn(n, name, daemon, fn), nil
}

// Listen claims addr as an endpoint owned by this node.
func (n *Node) Listen(addr Address) (*Endpoint, error) {
	if n.state != NodeRunning {
		return nil, errors.WithMessagef(ErrNodeDown, "bind %s on %s (%s)", addr, n.id, n.state)
	}
	return n.sim.fabric.bind(n, addr)
}

// Crash fails the node. All of its live tasks are cancelled immediately — in
// task-id order, so cleanup interleaving is deterministic — and all of its
// endpoints close; messages still in flight toward them are dropped at
// dispatch via the incarnation check. A task may crash its own node, in which
// case Crash does not return: the calling task unwinds as cancelled.
func (n *Node) Crash() error {
	if n.state != NodeRunning {
		return errors.WithMessagef(ErrNodeDown, "crash %s (%s)", n.id, n.state)
	}
	e := n.sim.exec
	logrus.Infof("[tick %07d] node %s crashed (incarnation %d)", e.now, n.id, n.incarnation)
	n.state = NodeCrashed

	self := e.current != nil && e.current.node == n

	for _, t := range n.liveTasksSorted() {
		if t == e.current {
			continue
		}
		e.kill(t)
	}
	for _, ep := range n.endpointsSorted() {
		n.sim.fabric.closeEndpoint(ep)
	}
	if self {
		panic(killSignal{})
	}
	return nil
}

// Restart brings a crashed node back as a fresh incarnation and re-runs its
// startup function. Nothing of the previous incarnation survives: endpoints
// must be re-bound and peers must re-dial.
func (n *Node) Restart() error {
	if n.state != NodeCrashed {
		return errors.Errorf("restart %s: state is %s, want %s", n.id, n.state, NodeCrashed)
	}
	n.incarnation++
	n.state = NodeRestarting
	logrus.Infof("[tick %07d] node %s restarting (incarnation %d)", n.sim.exec.now, n.id, n.incarnation)
	n.bootTask()
	return nil
}

// bootTask spawns the node's main task, which flips the node to running on
// its first poll and then executes the user's startup function.
func (n *Node) bootTask() {
	n.sim.exec.spawn(n, "main", false, func(c *Ctx) error {
		n.state = NodeRunning
		if n.startup == nil {
			return nil
		}
		return n.startup(c)
	})
}

func (n *Node) liveTasksSorted() []*task {
	out := make([]*task, 0, len(n.tasks))
	for _, t := range n.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (n *Node) endpointsSorted() []*Endpoint {
	out := make([]*Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}
