// Package scenario builds runnable simulations from yaml configuration: a
// mesh of nodes running an echo workload over configurable links, plus an
// optional fault script. It is the bridge between the CLI and the engine; the
// engine itself never reads files.
package scenario

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/iotaledger/iota-sim/sim"
)

// randomTime is the fault-time spelling that requests a seed-drawn firing
// time instead of an explicit tick.
const randomTime = "random"

// Config describes one scenario. Zero values get defaults from Validate.
type Config struct {
	Name string `yaml:"name"`
	Seed int64  `yaml:"seed"`
	// Horizon bounds the run in ticks; 0 means run to quiescence, but a
	// finite horizon is required when any fault uses random timing.
	Horizon int64 `yaml:"horizon"`
	// Nodes is the mesh size.
	Nodes int `yaml:"nodes"`
	// Messages is how many pings each node sends to each peer.
	Messages int `yaml:"messages"`
	// Payload pads each ping to this many bytes (0 = just the header).
	Payload int `yaml:"payload"`

	Link LinkSpec `yaml:"link"`

	ContinueOnFailure bool `yaml:"continue-on-failure"`
	RecordTrace       bool `yaml:"record-trace"`

	Faults []FaultSpec `yaml:"faults"`
}

// LinkSpec configures every link in the mesh.
type LinkSpec struct {
	Latency   int64   `yaml:"latency"`
	Jitter    int64   `yaml:"jitter"`
	Loss      float64 `yaml:"loss"`
	Bandwidth int64   `yaml:"bandwidth"`
}

// FaultSpec is the yaml form of one fault script entry.
type FaultSpec struct {
	// At is a tick number, or "random" for a seed-drawn time.
	At     string  `yaml:"at"`
	Action string  `yaml:"action"`
	Node   string  `yaml:"node,omitempty"`
	A      string  `yaml:"a,omitempty"`
	B      string  `yaml:"b,omitempty"`
	Loss   float64 `yaml:"loss,omitempty"`
	For    int64   `yaml:"for,omitempty"`
}

// Default returns the built-in scenario used when the CLI is given no file:
// a three-node mesh with moderate latency and no faults.
func Default() *Config {
	return &Config{
		Name:     "default",
		Seed:     1,
		Horizon:  100_000,
		Nodes:    3,
		Messages: 2,
		Link:     LinkSpec{Latency: 10, Jitter: 2},
	}
}

// Load reads and parses a scenario file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read scenario %s", path)
	}
	return Parse(data)
}

// Parse parses yaml scenario bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WithMessage(err, "parse scenario")
	}
	return &cfg, nil
}

// Validate fills defaults and rejects configurations the engine would refuse
// or that cannot terminate.
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = "unnamed"
	}
	if c.Nodes == 0 {
		c.Nodes = 2
	}
	if c.Nodes < 1 {
		return errors.Errorf("scenario %s: nodes must be at least 1, got %d", c.Name, c.Nodes)
	}
	if c.Messages < 0 {
		return errors.Errorf("scenario %s: messages must not be negative, got %d", c.Name, c.Messages)
	}
	if c.Payload < 0 {
		return errors.Errorf("scenario %s: payload must not be negative, got %d", c.Name, c.Payload)
	}
	if c.Horizon < 0 {
		return errors.Errorf("scenario %s: horizon must not be negative, got %d", c.Name, c.Horizon)
	}
	if c.Link.Latency < 0 || c.Link.Jitter < 0 || c.Link.Bandwidth < 0 {
		return errors.Errorf("scenario %s: link parameters must not be negative", c.Name)
	}
	if c.Link.Loss < 0 || c.Link.Loss > 1 {
		return errors.Errorf("scenario %s: link loss %v out of range", c.Name, c.Link.Loss)
	}
	for i := range c.Faults {
		if _, err := c.Faults[i].toEvent(c); err != nil {
			return errors.WithMessagef(err, "scenario %s: fault %d", c.Name, i)
		}
	}
	return nil
}

// toEvent converts a yaml fault entry to the engine's form. Node references
// are resolved against the mesh's generated ids.
func (fs *FaultSpec) toEvent(c *Config) (sim.FaultEvent, error) {
	ev := sim.FaultEvent{
		Action: sim.FaultAction(fs.Action),
		Node:   sim.NodeID(fs.Node),
		A:      sim.NodeID(fs.A),
		B:      sim.NodeID(fs.B),
		Loss:   fs.Loss,
		For:    sim.Duration(fs.For),
	}
	if fs.At == randomTime {
		ev.Random = true
	} else {
		tick, err := strconv.ParseInt(fs.At, 10, 64)
		if err != nil {
			return ev, errors.Errorf("fault time %q is neither a tick nor %q", fs.At, randomTime)
		}
		ev.At = sim.VirtualTime(tick)
	}
	return ev, nil
}
