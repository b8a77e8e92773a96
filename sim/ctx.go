package sim

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// Ctx is the ambient identity of a task: which node it belongs to and which
// child random stream it may draw from. The executor builds one Ctx per task
// at spawn and passes it to the task function; nothing is installed in global
// state, so a Ctx can never leak across interleaved tasks. Every blocking
// primitive checks that the Ctx it is called on belongs to the task currently
// holding control.
type Ctx struct {
	sim  *Simulation
	task *task
	rng  *rand.Rand
}

// checkActive guards against a Ctx escaping its task: using task A's context
// from task B would route B's blocking through A's scheduling state and
// corrupt ordering. This is resource misuse and fails loudly.
func (c *Ctx) checkActive(op string) error {
	cur := c.sim.exec.current
	if cur != c.task {
		curName := "the dispatch loop"
		if cur != nil {
			curName = fmt.Sprintf("task %s/%s", cur.node.id, cur.name)
		}
		return errors.Errorf("%s called on context of %s/%s from %s",
			op, c.task.node.id, c.task.name, curName)
	}
	return nil
}

// Node returns the id of the node this task runs on.
func (c *Ctx) Node() NodeID { return c.task.node.id }

// Task returns the task's name.
func (c *Ctx) Task() string { return c.task.name }

// Now returns the current virtual time.
func (c *Ctx) Now() VirtualTime { return c.sim.exec.now }

// Rand returns the task's own child random stream. Draws from it are
// reproducible per seed and independent of every other task's draws.
func (c *Ctx) Rand() *rand.Rand { return c.rng }

// Sleep parks the task for d ticks of virtual time. No wall-clock time
// passes; the clock fast-forwards when the executor dispatches the wakeup.
// Sleep(0) is equivalent to Yield.
func (c *Ctx) Sleep(d Duration) error {
	if d < 0 {
		return errors.WithMessagef(ErrPastDeadline, "sleep %s", d)
	}
	return c.SleepUntil(c.sim.exec.now.Add(d))
}

// SleepUntil parks the task until the virtual clock reaches at.
func (c *Ctx) SleepUntil(at VirtualTime) error {
	if err := c.checkActive("SleepUntil"); err != nil {
		return err
	}
	e := c.sim.exec
	if at < e.now {
		return errors.WithMessagef(ErrPastDeadline, "sleep until %s, now %s", at, e.now)
	}
	t := c.task
	entry := e.schedule(at, func() { e.wake(t) })
	t.block(func() { entry.cancelled = true })
	return nil
}

// Yield reschedules the task at the current virtual time, behind a fresh
// timer sequence number, giving other ready work a chance to run first.
func (c *Ctx) Yield() error {
	return c.SleepUntil(c.sim.exec.now)
}

// Spawn starts a new task on the same node. The child gets its own Ctx and
// its own random stream. The returned handle can be joined or aborted.
func (c *Ctx) Spawn(name string, fn func(*Ctx) error) (*Handle, error) {
	if err := c.checkActive("Spawn"); err != nil {
		return nil, err
	}
	return c.task.node.Spawn(name, fn)
}

// SpawnDaemon starts a background task on the same node. Daemons serve
// requests for as long as the simulation runs: a daemon still blocked when
// no further events remain does not count as a deadlock.
func (c *Ctx) SpawnDaemon(name string, fn func(*Ctx) error) (*Handle, error) {
	if err := c.checkActive("SpawnDaemon"); err != nil {
		return nil, err
	}
	return c.task.node.SpawnDaemon(name, fn)
}

// Listen claims addr as an endpoint owned by this task's node.
func (c *Ctx) Listen(addr Address) (*Endpoint, error) {
	if err := c.checkActive("Listen"); err != nil {
		return nil, err
	}
	return c.task.node.Listen(addr)
}

// Dial returns the link from a local endpoint to a remote one, creating it
// with the simulation's default link parameters on first use. Both endpoints
// must be bound.
func (c *Ctx) Dial(local, remote Address) (*Link, error) {
	if err := c.checkActive("Dial"); err != nil {
		return nil, err
	}
	return c.sim.Connect(local, remote, c.sim.cfg.DefaultLink)
}

// Timeout races fn, run as a child task, against a timer of duration d.
// If fn finishes first its error is returned and the timer is removed. If the
// timer fires first, the child is cancelled synchronously and ErrTimeout is
// returned; the child's eventual completion has no further observable effect.
// Cancelling the caller while it is parked here cancels the child too.
func (c *Ctx) Timeout(d Duration, fn func(*Ctx) error) error {
	if err := c.checkActive("Timeout"); err != nil {
		return err
	}
	if d < 0 {
		return errors.WithMessagef(ErrPastDeadline, "timeout %s", d)
	}
	e := c.sim.exec
	caller := c.task

	handle, err := c.task.node.Spawn(fmt.Sprintf("%s.timeout", caller.name), fn)
	if err != nil {
		return err
	}
	child := handle.task

	timerFired := false
	entry := e.schedule(e.now.Add(d), func() {
		timerFired = true
		e.wake(caller)
	})

	child.joiners = append(child.joiners, caller)
	caller.block(func() {
		entry.cancelled = true
		// Drop the joiner registration before killing the child, so its
		// completion cannot re-wake the caller mid-cancellation.
		child.removeJoiner(caller)
		if child.state != taskDone {
			e.kill(child)
		}
	})

	if timerFired {
		child.removeJoiner(caller)
		if child.state != taskDone {
			e.kill(child)
		}
		return errors.WithMessagef(ErrTimeout, "after %s", d)
	}
	entry.cancelled = true
	return child.err
}
