package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotaledger/iota-sim/sim"
)

func TestBuild_DefaultScenarioCompletes(t *testing.T) {
	// GIVEN the built-in three-node echo mesh
	s, err := Build(Default())
	require.NoError(t, err)

	// WHEN it runs
	res := s.Run()

	// THEN every ping got its pong: 2 messages to each of 2 peers from each
	// of 3 nodes, doubled for the replies
	assert.Equal(t, sim.StatusCompleted, res.Status)
	assert.Empty(t, res.Failures)
	assert.Equal(t, uint64(24), res.Messages)
}

func TestBuild_SameSeedSameOutcome(t *testing.T) {
	cfg := Default()
	cfg.Link.Loss = 0.1
	cfg.RecordTrace = true
	cfg.ContinueOnFailure = true

	build := func() sim.Result {
		s, err := Build(cfg)
		require.NoError(t, err)
		return s.Run()
	}
	first := build()
	second := build()

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.FinalTime, second.FinalTime)
	assert.Equal(t, first.Trace, second.Trace)
}

func TestBuild_SingleNodeMeshIsQuiet(t *testing.T) {
	cfg := Default()
	cfg.Nodes = 1

	s, err := Build(cfg)
	require.NoError(t, err)
	res := s.Run()

	assert.Equal(t, sim.StatusCompleted, res.Status)
	assert.Equal(t, uint64(0), res.Messages)
}

func TestBuild_PartitionedMeshTripsTheClientTimeout(t *testing.T) {
	// GIVEN a two-node mesh partitioned before any ping is sent
	cfg := Default()
	cfg.Nodes = 2
	cfg.Faults = []FaultSpec{{At: "0", Action: "partition", A: "n0", B: "n1"}}

	s, err := Build(cfg)
	require.NoError(t, err)
	res := s.Run()

	// THEN the clients' guarded receives time out and fail the run instead of
	// deadlocking it
	assert.Equal(t, sim.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, sim.ErrTimeout)
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Nodes = -1
	_, err := Build(cfg)
	assert.Error(t, err)
}

func TestBuild_RejectsFaultOnUnknownNode(t *testing.T) {
	cfg := Default()
	cfg.Faults = []FaultSpec{{At: "10", Action: "crash", Node: "n9"}}
	_, err := Build(cfg)
	assert.Error(t, err)
}

func TestEchoPayload_RoundTrip(t *testing.T) {
	kind, replyTo, seq, ok := parseEcho(echoPayload("ping", "n0/cli", 7, 0))
	require.True(t, ok)
	assert.Equal(t, "ping", kind)
	assert.Equal(t, "n0/cli", replyTo)
	assert.Equal(t, 7, seq)

	// Padding must not leak into the parsed fields.
	padded := echoPayload("pong", "n2/srv", 12, 128)
	assert.Len(t, padded, 128)
	kind, replyTo, seq, ok = parseEcho(padded)
	require.True(t, ok)
	assert.Equal(t, "pong", kind)
	assert.Equal(t, "n2/srv", replyTo)
	assert.Equal(t, 12, seq)

	_, _, _, ok = parseEcho([]byte("garbage"))
	assert.False(t, ok)
}
