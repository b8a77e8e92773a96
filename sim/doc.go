// Package sim provides a deterministic simulation engine for testing
// distributed and concurrent code. Tests written against it are deterministic
// because all time is virtual, only one task ever executes at a time, and
// every scheduling, latency, loss and fault decision is drawn from a single
// seeded random source. Given the same seed and the same fault script, two
// runs produce identical event orderings and identical results, so a failure
// found at one seed can be replayed exactly by rerunning that seed.
//
// # Reading Guide
//
// Start with these three files to understand the simulation kernel:
//   - task.go: tasks as cooperatively scheduled goroutines, handles, and the ambient Ctx
//   - executor.go: the dispatch loop, ready queue, timer heap, and virtual clock
//   - network.go: endpoints, links, and message delivery as scheduled timer events
//
// Around the kernel:
//   - rng.go: the seed tree that hands out labeled child random streams
//   - node.go: simulated machines with crash/restart lifecycles and incarnations
//   - fault.go: scripted and randomized fault injection
//   - simulation.go: the root object tying everything together, and run results
//
// The sim/scenario sub-package builds runnable mesh scenarios from yaml
// configuration; the engine itself never reads files or real clocks.
package sim
