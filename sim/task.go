package sim

import (
	"github.com/pkg/errors"
)

// TaskID identifies a task within one simulation. IDs are assigned from a
// monotonic counter at spawn, so they are stable across runs with the same
// seed and the same task code.
type TaskID uint64

type taskState uint8

const (
	taskReady taskState = iota
	taskRunning
	taskBlocked
	taskDone
)

func (s taskState) String() string {
	switch s {
	case taskReady:
		return "ready"
	case taskRunning:
		return "running"
	case taskBlocked:
		return "blocked"
	case taskDone:
		return "done"
	default:
		return "unknown"
	}
}

type resumeMode uint8

const (
	resumeRun resumeMode = iota
	resumeKill
)

// killSignal is the panic value used to unwind a task goroutine when the task
// is cancelled. It never escapes the task wrapper.
type killSignal struct{}

// A task is one unit of suspendable computation. Tasks run on real
// goroutines, but only ever one at a time: control is handed back and forth
// between the dispatch loop and the running task over the unbuffered resume
// and yield channels. Every field is therefore owned by whichever goroutine
// currently holds control, and no locking is needed.
type task struct {
	id     TaskID
	name   string
	node   *Node
	fn     func(*Ctx) error
	ctx    *Ctx
	daemon bool

	state   taskState
	started bool
	resume  chan resumeMode
	yield   chan struct{}

	err      error
	aborted  bool
	panicked bool

	// joiners are tasks parked in Handle.Join (or Ctx.Timeout) waiting for
	// this task to finish.
	joiners []*task

	// unregister removes whatever registration is keeping this task blocked
	// (a timer entry, a recv waiter, a join slot). Set while blocked, called
	// exactly once if the task is cancelled instead of woken.
	unregister func()
}

// run is the task goroutine body. It waits for the first dispatch, executes
// the task function, and reports completion. A cancelled task unwinds here
// via killSignal; a user panic is captured and converted into a failure.
func (t *task) run(e *Executor) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(killSignal); ok {
				t.aborted = true
				t.err = ErrAborted
			} else {
				t.panicked = true
				t.err = errors.Errorf("task %s/%s panicked: %v", t.node.id, t.name, r)
			}
		}
		e.finishTask(t)
		t.yield <- struct{}{}
	}()
	if <-t.resume == resumeKill {
		panic(killSignal{})
	}
	t.err = t.fn(t.ctx)
}

// park gives control back to the executor and waits to be resumed. Called
// from the task goroutine only.
func (t *task) park() {
	t.yield <- struct{}{}
	if <-t.resume == resumeKill {
		panic(killSignal{})
	}
	t.state = taskRunning
}

// block suspends the task until some future event wakes it. unregister must
// undo the registration made by the caller; it runs only if the task is
// cancelled while blocked, so no wakeup is delivered afterwards.
func (t *task) block(unregister func()) {
	t.unregister = unregister
	t.state = taskBlocked
	t.park()
}

func (t *task) removeJoiner(j *task) {
	for i, x := range t.joiners {
		if x == j {
			t.joiners = append(t.joiners[:i], t.joiners[i+1:]...)
			return
		}
	}
}

// A Handle refers to a spawned task. It is bound to the incarnation of the
// node the task was spawned on: after the node crashes and restarts, the
// handle is stale and all operations on it fail fast.
type Handle struct {
	task        *task
	incarnation uint64
	aborted     bool
}

// Name returns the task's name.
func (h *Handle) Name() string { return h.task.name }

// Done reports whether the task has finished (completed, failed, or aborted).
func (h *Handle) Done() bool { return h.task.state == taskDone }

// Err returns the task's terminal error, or nil if it completed successfully
// or has not finished yet.
func (h *Handle) Err() error {
	if h.task.state != taskDone {
		return nil
	}
	return h.task.err
}

// Join parks the calling task until the joined task finishes, and returns its
// terminal error. Joining a task on a restarted node fails with
// ErrStaleHandle rather than silently observing the new incarnation.
func (h *Handle) Join(c *Ctx) error {
	if err := c.checkActive("Join"); err != nil {
		return err
	}
	t := h.task
	if h.incarnation != t.node.incarnation {
		return errors.WithMessagef(ErrStaleHandle,
			"join %s/%s: spawned on incarnation %d, node is on %d",
			t.node.id, t.name, h.incarnation, t.node.incarnation)
	}
	if t == c.task {
		return errors.Errorf("task %s/%s cannot join itself", t.node.id, t.name)
	}
	if t.state == taskDone {
		return t.err
	}
	t.joiners = append(t.joiners, c.task)
	caller := c.task
	caller.block(func() { t.removeJoiner(caller) })
	return t.err
}

// Abort cancels the task. Any timer or network registration the task holds is
// removed synchronously; the task's goroutine is unwound before Abort
// returns, and no wakeup for it is ever delivered afterwards. Aborting twice,
// or a task aborting itself, is a misuse error. Aborting a finished task is a
// no-op.
func (h *Handle) Abort() error {
	if h.aborted {
		return errors.WithMessagef(ErrAlreadyAborted, "abort %s/%s", h.task.node.id, h.task.name)
	}
	if h.task == h.task.node.sim.exec.current {
		return errors.Errorf("task %s/%s cannot abort itself", h.task.node.id, h.task.name)
	}
	h.aborted = true
	if h.task.state == taskDone {
		return nil
	}
	if h.incarnation != h.task.node.incarnation {
		return errors.WithMessagef(ErrStaleHandle, "abort %s/%s", h.task.node.id, h.task.name)
	}
	h.task.node.sim.exec.kill(h.task)
	return nil
}
