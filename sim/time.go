package sim

import "fmt"

// VirtualTime is a point on the simulated clock, counted in integer ticks
// since the start of the run. All scheduling and timeout decisions use
// VirtualTime; the engine never reads a wall clock. Integer representation
// keeps ordering and equality exact, which the deterministic tie-break rules
// depend on.
type VirtualTime int64

// Duration is a span of virtual time in ticks.
type Duration int64

// TimeZero is the virtual time at which every simulation starts.
const TimeZero VirtualTime = 0

// Add returns the time d ticks after t.
func (t VirtualTime) Add(d Duration) VirtualTime {
	return t + VirtualTime(d)
}

// Sub returns the duration from u to t.
func (t VirtualTime) Sub(u VirtualTime) Duration {
	return Duration(t - u)
}

func (t VirtualTime) String() string {
	return fmt.Sprintf("%dt", int64(t))
}

func (d Duration) String() string {
	return fmt.Sprintf("%dt", int64(d))
}

func maxTime(a, b VirtualTime) VirtualTime {
	if a > b {
		return a
	}
	return b
}
