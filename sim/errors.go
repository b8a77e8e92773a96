package sim

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors for the resource-misuse class. They are always returned
// wrapped with context; match with errors.Is.
var (
	// ErrTimeout is returned by Ctx.Timeout when the timer wins the race.
	ErrTimeout = errors.New("timed out")

	// ErrAborted is the terminal error of a task cancelled by Handle.Abort,
	// a node crash, or end-of-run cleanup.
	ErrAborted = errors.New("task aborted")

	// ErrAlreadyAborted reports a double cancellation of the same handle.
	ErrAlreadyAborted = errors.New("handle already aborted")

	// ErrStaleHandle reports use of a handle that refers to a previous
	// incarnation of a node.
	ErrStaleHandle = errors.New("stale handle")

	// ErrNodeDown reports an operation on a node that is not running.
	ErrNodeDown = errors.New("node is not running")

	// ErrPastDeadline reports a timer registration with a deadline that is
	// already in the past.
	ErrPastDeadline = errors.New("deadline is in the past")

	// ErrEndpointClosed reports an operation on a closed endpoint, including
	// endpoints invalidated by a node crash.
	ErrEndpointClosed = errors.New("endpoint closed")

	// ErrAddrInUse reports binding an address that already has a live endpoint.
	ErrAddrInUse = errors.New("address already in use")

	// ErrUnknownAddr reports connecting to an address with no live endpoint.
	ErrUnknownAddr = errors.New("no endpoint at address")
)

// TaskFailure records a user-level task failure: the task's logic returned an
// error nobody was joined to, or panicked. Engine invariant violations are
// not TaskFailures; those abort the whole run via panic.
type TaskFailure struct {
	Node NodeID
	Task string
	Time VirtualTime
	Err  error
}

func (f TaskFailure) String() string {
	return fmt.Sprintf("%s/%s failed at %s: %v", f.Node, f.Task, f.Time, f.Err)
}

// invariantf builds the panic value for an engine invariant violation
// (clock regression, scheduling table corruption). These are unrecoverable:
// continuing would produce runs whose determinism cannot be trusted.
func invariantf(format string, args ...interface{}) error {
	return errors.Errorf("engine invariant violated: "+format, args...)
}
