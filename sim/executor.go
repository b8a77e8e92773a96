package sim

import (
	"container/heap"
	"fmt"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
)

// Executor is the cooperative scheduler driving a simulation. It owns the
// ready queue, the timer heap, and the virtual clock, and it is the only
// component that advances any of them. Exactly one goroutine — the dispatch
// loop or the task it handed control to — executes at any moment, so every
// cross-task ordering decision routes through the seeded scheduler and OS
// thread scheduling can never affect the outcome.
type Executor struct {
	sim *Simulation

	now    VirtualTime
	seq    uint64
	timers timerHeap
	ready  []*task
	// sched feeds the ready-queue tie-break draws; no other randomness
	// enters the dispatch loop.
	sched *rand.Rand
	// current is the task holding control, nil while the loop itself runs.
	current *task

	nextTaskID TaskID
	tasks      map[TaskID]*task

	dispatches uint64
	record     bool
	trace      []string

	stopErr    error
	failedTask *task
	failures   []TaskFailure
	horizonHit bool
}

func newExecutor(s *Simulation) *Executor {
	return &Executor{
		sim:    s,
		now:    TimeZero,
		sched:  s.rng.Stream(StreamScheduler),
		tasks:  make(map[TaskID]*task),
		record: s.cfg.RecordTrace,
	}
}

// Now returns the current virtual time.
func (e *Executor) Now() VirtualTime { return e.now }

// schedule registers a timer entry. Deadlines before now are an engine
// invariant violation here; user-facing paths validate first and return
// ErrPastDeadline instead.
func (e *Executor) schedule(at VirtualTime, fire func()) *timerEntry {
	if at < e.now {
		panic(invariantf("timer scheduled at %s, clock already at %s", at, e.now))
	}
	e.seq++
	ent := &timerEntry{deadline: at, seq: e.seq, fire: fire}
	heap.Push(&e.timers, ent)
	return ent
}

// spawn registers a new task on node n and makes it ready. The goroutine is
// started lazily at first dispatch.
func (e *Executor) spawn(n *Node, name string, daemon bool, fn func(*Ctx) error) *Handle {
	e.nextTaskID++
	n.spawnSeq++
	t := &task{
		id:     e.nextTaskID,
		name:   name,
		node:   n,
		fn:     fn,
		daemon: daemon,
		state:  taskReady,
		resume: make(chan resumeMode),
		yield:  make(chan struct{}),
	}
	t.ctx = &Ctx{sim: e.sim, task: t, rng: e.sim.rng.Stream(taskStream(n.id, n.spawnSeq))}
	n.tasks[t.id] = t
	e.tasks[t.id] = t
	e.ready = append(e.ready, t)
	logrus.Debugf("[tick %07d] spawned %s/%s (task %d)", e.now, n.id, name, t.id)
	return &Handle{task: t, incarnation: n.incarnation}
}

// pickReady removes and returns the next task to poll. With more than one
// task ready, the choice is a uniform index draw from the dedicated scheduler
// stream: interleavings are reproducible for a given seed and vary across
// seeds. With exactly one ready task no draw is consumed.
func (e *Executor) pickReady() *task {
	i := 0
	if len(e.ready) > 1 {
		i = e.sched.Intn(len(e.ready))
	}
	t := e.ready[i]
	e.ready = append(e.ready[:i], e.ready[i+1:]...)
	return t
}

func (e *Executor) removeReady(t *task) {
	for i, x := range e.ready {
		if x == t {
			e.ready = append(e.ready[:i], e.ready[i+1:]...)
			return
		}
	}
}

// dispatch hands control to t and waits for it to yield. Wake events the task
// produces (timer registrations, sends) are enqueued for future steps, never
// processed re-entrantly within the same poll.
func (e *Executor) dispatch(t *task) {
	e.dispatches++
	if e.record {
		e.trace = append(e.trace, fmt.Sprintf("%d poll %s/%s", e.now, t.node.id, t.name))
	}
	logrus.Debugf("[tick %07d] polling %s/%s", e.now, t.node.id, t.name)
	t.state = taskRunning
	e.current = t
	if !t.started {
		t.started = true
		go t.run(e)
	}
	t.resume <- resumeRun
	<-t.yield
	e.current = nil
}

// wake moves a blocked task to the ready queue. Waking a task that is not
// blocked is a no-op; this makes racing wakeups (a timer and a join firing in
// the same step) safe.
func (e *Executor) wake(t *task) {
	if t.state != taskBlocked {
		return
	}
	t.unregister = nil
	t.state = taskReady
	e.ready = append(e.ready, t)
}

// kill cancels a task synchronously: its pending registration is removed,
// its goroutine unwound, and its joiners woken, all before kill returns.
// Callers must hold control (be the dispatch loop or the running task).
func (e *Executor) kill(t *task) {
	switch t.state {
	case taskDone:
		return
	case taskRunning:
		// A running task cancels itself by unwinding, not by calling kill;
		// see Node.Crash.
		panic(invariantf("kill of running task %s/%s", t.node.id, t.name))
	case taskReady:
		e.removeReady(t)
		if !t.started {
			t.aborted = true
			t.err = ErrAborted
			e.finishTask(t)
			return
		}
	case taskBlocked:
		if t.unregister != nil {
			t.unregister()
			t.unregister = nil
		}
	}
	t.resume <- resumeKill
	<-t.yield
}

// finishTask retires a finished task: it leaves the scheduling tables, its
// joiners are woken, and an unobserved failure is escalated per the run's
// failure policy. Runs on the task goroutine for tasks that executed, or on
// the killer's goroutine for tasks cancelled before their first poll; both
// hold control at that point.
func (e *Executor) finishTask(t *task) {
	t.state = taskDone
	delete(e.tasks, t.id)
	delete(t.node.tasks, t.id)

	hadJoiner := len(t.joiners) > 0
	for _, j := range t.joiners {
		e.wake(j)
	}
	t.joiners = nil

	if t.err == nil || t.aborted {
		logrus.Debugf("[tick %07d] task %s/%s finished", e.now, t.node.id, t.name)
		return
	}
	if hadJoiner && !t.panicked {
		// The error is delivered through the join handle; it is the joiner's
		// to handle.
		logrus.Debugf("[tick %07d] task %s/%s failed (joined): %v", e.now, t.node.id, t.name, t.err)
		return
	}
	failure := TaskFailure{Node: t.node.id, Task: t.name, Time: e.now, Err: t.err}
	e.failures = append(e.failures, failure)
	if e.sim.cfg.ContinueOnFailure {
		logrus.Warnf("[tick %07d] %s (continuing per policy)", e.now, failure)
		return
	}
	logrus.Errorf("[tick %07d] %s", e.now, failure)
	if e.stopErr == nil {
		e.stopErr = t.err
		e.failedTask = t
	}
}

// popTimer returns the earliest live timer entry, skipping cancelled ones.
func (e *Executor) popTimer() *timerEntry {
	for len(e.timers) > 0 {
		ent := heap.Pop(&e.timers).(*timerEntry)
		if ent.cancelled {
			continue
		}
		return ent
	}
	return nil
}

// runUntil is the dispatch loop. Ready tasks are polled first; when the ready
// queue drains, the earliest timer entry is popped, the clock fast-forwards
// to its deadline, and it fires. The loop ends at quiescence, at the horizon
// (0 means unlimited), or when a failure aborts the run.
func (e *Executor) runUntil(horizon VirtualTime) {
	for e.stopErr == nil {
		if len(e.ready) > 0 {
			e.dispatch(e.pickReady())
			continue
		}
		ent := e.popTimer()
		if ent == nil {
			return
		}
		if horizon > 0 && ent.deadline > horizon {
			e.horizonHit = true
			return
		}
		if ent.deadline < e.now {
			panic(invariantf("clock would move backward: %s -> %s", e.now, ent.deadline))
		}
		e.now = ent.deadline
		if e.record {
			e.trace = append(e.trace, fmt.Sprintf("%d fire #%d", e.now, ent.seq))
		}
		ent.fire()
	}
}

// liveTasksSorted returns all live tasks ordered by id, for deterministic
// iteration where dispatch order is not involved (crash cleanup, deadlock
// reporting, end-of-run shutdown).
func (e *Executor) liveTasksSorted() []*task {
	out := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
