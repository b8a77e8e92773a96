package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/iota-sim/sim"
)

func TestParse_FullScenario(t *testing.T) {
	cfg, err := Parse([]byte(`
name: lossy-mesh
seed: 7
horizon: 5000
nodes: 4
messages: 3
payload: 64
link:
  latency: 20
  jitter: 5
  loss: 0.05
  bandwidth: 100
record-trace: true
faults:
  - at: "100"
    action: crash
    node: n1
  - at: random
    action: partition
    a: n0
    b: n2
`))
	require.NoError(t, err)

	assert.Equal(t, "lossy-mesh", cfg.Name)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 4, cfg.Nodes)
	assert.Equal(t, int64(20), cfg.Link.Latency)
	assert.Equal(t, 0.05, cfg.Link.Loss)
	assert.True(t, cfg.RecordTrace)
	require.Len(t, cfg.Faults, 2)
	assert.Equal(t, "crash", cfg.Faults[0].Action)
	assert.Equal(t, "random", cfg.Faults[1].At)
}

func TestParse_RejectsMalformedYaml(t *testing.T) {
	_, err := Parse([]byte("nodes: [not a number"))
	assert.Error(t, err)
}

func TestLoad_RoundTripsThroughAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\nnodes: 2\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "unnamed", cfg.Name)
	assert.Equal(t, 2, cfg.Nodes)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"negative nodes", Config{Nodes: -1}},
		{"negative messages", Config{Nodes: 2, Messages: -1}},
		{"negative horizon", Config{Nodes: 2, Horizon: -1}},
		{"negative latency", Config{Nodes: 2, Link: LinkSpec{Latency: -1}}},
		{"loss above one", Config{Nodes: 2, Link: LinkSpec{Loss: 1.1}}},
		{"fault with bad time", Config{Nodes: 2, Faults: []FaultSpec{{At: "soonish", Action: "crash", Node: "n0"}}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFaultSpec_ToEvent(t *testing.T) {
	cfg := Default()

	ev, err := (&FaultSpec{At: "250", Action: "loss-burst", A: "n0", B: "n1", Loss: 0.5, For: 100}).toEvent(cfg)
	require.NoError(t, err)
	assert.Equal(t, sim.VirtualTime(250), ev.At)
	assert.False(t, ev.Random)
	assert.Equal(t, sim.FaultLossBurst, ev.Action)
	assert.Equal(t, sim.NodeID("n0"), ev.A)
	assert.Equal(t, sim.Duration(100), ev.For)

	ev, err = (&FaultSpec{At: "random", Action: "crash", Node: "n2"}).toEvent(cfg)
	require.NoError(t, err)
	assert.True(t, ev.Random)

	_, err = (&FaultSpec{At: "later", Action: "crash", Node: "n2"}).toEvent(cfg)
	assert.Error(t, err)
}
