package scenario

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/iotaledger/iota-sim/sim"
)

// Address layout of the mesh: every node binds a server endpoint that echo
// daemons serve, and a client endpoint that replies come back to.

func nodeID(i int) sim.NodeID {
	return sim.NodeID(fmt.Sprintf("n%d", i))
}

func srvAddr(i int) sim.Address {
	return sim.Address(fmt.Sprintf("n%d/srv", i))
}

func cliAddr(i int) sim.Address {
	return sim.Address(fmt.Sprintf("n%d/cli", i))
}

// Build constructs a simulation running the scenario's echo mesh. Each node's
// main task sends Messages pings to every peer's server endpoint and then
// waits for the matching pongs; an echo daemon on every node answers pings.
// Crashed-and-restarted nodes start their workload over from scratch.
func Build(cfg *Config) (*sim.Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := sim.New(sim.Config{
		Seed:              cfg.Seed,
		Horizon:           sim.VirtualTime(cfg.Horizon),
		ContinueOnFailure: cfg.ContinueOnFailure,
		RecordTrace:       cfg.RecordTrace,
		DefaultLink: sim.LinkConfig{
			Latency:   sim.Duration(cfg.Link.Latency),
			Jitter:    sim.Duration(cfg.Link.Jitter),
			Loss:      cfg.Link.Loss,
			Bandwidth: cfg.Link.Bandwidth,
		},
	})
	for i := 0; i < cfg.Nodes; i++ {
		if _, err := s.AddNode(nodeID(i), meshNode(cfg, i)); err != nil {
			return nil, err
		}
	}

	script := make([]sim.FaultEvent, 0, len(cfg.Faults))
	for i := range cfg.Faults {
		ev, err := cfg.Faults[i].toEvent(cfg)
		if err != nil {
			return nil, errors.WithMessagef(err, "fault %d", i)
		}
		script = append(script, ev)
	}
	if err := s.InstallFaults(script); err != nil {
		return nil, err
	}
	return s, nil
}

// meshNode returns the startup function for node i. It binds the node's
// endpoints, starts the echo daemon, and runs the client workload inline.
func meshNode(cfg *Config, i int) func(*sim.Ctx) error {
	return func(c *sim.Ctx) error {
		srv, err := c.Listen(srvAddr(i))
		if err != nil {
			return err
		}
		cli, err := c.Listen(cliAddr(i))
		if err != nil {
			return err
		}
		if _, err := c.SpawnDaemon("echo", echoDaemon(i, srv)); err != nil {
			return err
		}
		// One tick for every node's main task to bind its endpoints before
		// anyone dials.
		if err := c.Sleep(1); err != nil {
			return err
		}
		return runClient(cfg, i, c, cli)
	}
}

// echoDaemon answers every ping with a pong on a link back to the requester's
// client endpoint. It serves until its endpoint closes.
func echoDaemon(i int, srv *sim.Endpoint) func(*sim.Ctx) error {
	return func(c *sim.Ctx) error {
		for {
			m, err := srv.Recv(c)
			if err != nil {
				// Endpoint closed: the node crashed or the run is over.
				return nil
			}
			kind, replyTo, seq, ok := parseEcho(m.Payload)
			if !ok || kind != "ping" {
				continue
			}
			reply, err := c.Dial(srv.Addr(), sim.Address(replyTo))
			if err != nil {
				return err
			}
			if err := reply.Send(echoPayload("pong", string(srv.Addr()), seq, 0)); err != nil {
				return err
			}
		}
	}
}

// runClient sends the ping load and collects pongs. Every pong is awaited
// under a timeout sized to the link parameters, so a lossy or partitioned
// mesh fails loudly instead of deadlocking the run.
func runClient(cfg *Config, i int, c *sim.Ctx, cli *sim.Endpoint) error {
	expected := 0
	for j := 0; j < cfg.Nodes; j++ {
		if j == i {
			continue
		}
		link, err := c.Dial(cli.Addr(), srvAddr(j))
		if err != nil {
			return err
		}
		for k := 0; k < cfg.Messages; k++ {
			if err := link.Send(echoPayload("ping", string(cli.Addr()), k, cfg.Payload)); err != nil {
				return err
			}
			expected++
		}
	}

	// Round trip plus serialization slack; generous so only genuinely lost
	// replies trip it.
	wait := sim.Duration(10*(cfg.Link.Latency+cfg.Link.Jitter) + 100)
	for got := 0; got < expected; got++ {
		err := c.Timeout(wait, func(c *sim.Ctx) error {
			_, err := cli.Recv(c)
			return err
		})
		if err != nil {
			return errors.WithMessagef(err, "node %s: %d of %d replies", nodeID(i), got, expected)
		}
	}
	return nil
}

// echoPayload encodes "<kind> <replyTo> <seq>" padded with '.' to pad bytes.
func echoPayload(kind, replyTo string, seq, pad int) []byte {
	msg := fmt.Sprintf("%s %s %d", kind, replyTo, seq)
	if len(msg) < pad {
		msg += strings.Repeat(".", pad-len(msg))
	}
	return []byte(msg)
}

func parseEcho(payload []byte) (kind, replyTo string, seq int, ok bool) {
	fields := strings.Fields(strings.TrimRight(string(payload), "."))
	if len(fields) != 3 {
		return "", "", 0, false
	}
	n := 0
	if _, err := fmt.Sscanf(fields[2], "%d", &n); err != nil {
		return "", "", 0, false
	}
	return fields[0], fields[1], n, true
}
