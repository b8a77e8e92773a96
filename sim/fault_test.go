package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaults_ScriptedCrashAndRestart(t *testing.T) {
	// GIVEN a node whose startup records each boot, crashed and revived by
	// script
	s := New(Config{Seed: 1})
	boots := 0
	n, err := s.AddNode("a", func(c *Ctx) error {
		boots++
		return c.Sleep(1000)
	})
	require.NoError(t, err)
	require.NoError(t, s.InstallFaults([]FaultEvent{
		{At: 10, Action: FaultCrash, Node: "a"},
		{At: 20, Action: FaultRestart, Node: "a"},
	}))

	res := s.Run()

	// THEN the node came back as a new incarnation and reran its startup
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, boots)
	assert.Equal(t, uint64(1), n.Incarnation())
	assert.Equal(t, VirtualTime(1020), res.FinalTime)
}

func TestFaults_CrashOfDownNodeIsSkippedNotFatal(t *testing.T) {
	// GIVEN a script crashing the same node twice
	s := New(Config{Seed: 1})
	_, err := s.AddNode("a", func(c *Ctx) error { return c.Sleep(100) })
	require.NoError(t, err)
	require.NoError(t, s.InstallFaults([]FaultEvent{
		{At: 10, Action: FaultCrash, Node: "a"},
		{At: 11, Action: FaultCrash, Node: "a"},
		{At: 12, Action: FaultRestart, Node: "a"},
		{At: 13, Action: FaultRestart, Node: "a"},
	}))

	res := s.Run()

	// THEN redundant entries are skipped and the run still completes
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Failures)
}

func TestFaults_PartitionThenHeal(t *testing.T) {
	// GIVEN a sender pinging every 10 ticks and a partition over [15, 35)
	s := New(Config{Seed: 1})
	a := addNode(t, s, "a")
	b := addNode(t, s, "b")
	l, in := bindPair(t, s, a, b, LinkConfig{Latency: 1})
	require.NoError(t, s.InstallFaults([]FaultEvent{
		{At: 15, Action: FaultPartition, A: "a", B: "b"},
		{At: 35, Action: FaultHeal, A: "a", B: "b"},
	}))

	_, err := a.Spawn("sender", func(c *Ctx) error {
		for i := 0; i < 5; i++ {
			if err := l.Send([]byte("ping")); err != nil {
				return err
			}
			if err := c.Sleep(10); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	var times []VirtualTime
	_, err = b.SpawnDaemon("receiver", func(c *Ctx) error {
		for {
			m, err := in.Recv(c)
			if err != nil {
				return nil
			}
			times = append(times, m.DeliveredAt)
		}
	})
	require.NoError(t, err)

	res := s.Run()

	// THEN the sends at 0 and 10 got through, 20 and 30 were dropped, and 40
	// arrived after the heal
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []VirtualTime{1, 11, 41}, times)
}

func TestFaults_LossBurstRestoresPreviousLoss(t *testing.T) {
	// GIVEN a lossless link hit by a total-loss burst over [5, 25)
	s := New(Config{Seed: 1})
	a := addNode(t, s, "a")
	b := addNode(t, s, "b")
	l, in := bindPair(t, s, a, b, LinkConfig{Latency: 1})
	require.NoError(t, s.InstallFaults([]FaultEvent{
		{At: 5, Action: FaultLossBurst, A: "a", B: "b", Loss: 1, For: 20},
	}))

	_, err := a.Spawn("sender", func(c *Ctx) error {
		for i := 0; i < 4; i++ {
			if err := l.Send([]byte("ping")); err != nil {
				return err
			}
			if err := c.Sleep(10); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	received := 0
	_, err = b.SpawnDaemon("receiver", func(c *Ctx) error {
		for {
			if _, err := in.Recv(c); err != nil {
				return nil
			}
			received++
		}
	})
	require.NoError(t, err)

	res := s.Run()

	// THEN the sends at 10 and 20 were lost, the ones at 0 and 30 delivered
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, received)
	assert.Equal(t, float64(0), l.cfg.Loss)
}

func TestFaults_RandomTimingIsSeedStable(t *testing.T) {
	// GIVEN the same randomized script installed under the same seed twice
	run := func(seed int64) VirtualTime {
		s := New(Config{Seed: seed, Horizon: 1000})
		crashedAt := VirtualTime(-1)
		_, err := s.AddNode("a", func(c *Ctx) error { return c.Sleep(2000) })
		require.NoError(t, err)
		n := s.Node("a")
		_, err = s.AddNode("probe", nil)
		require.NoError(t, err)
		require.NoError(t, s.InstallFaults([]FaultEvent{
			{Random: true, Action: FaultCrash, Node: "a"},
		}))
		_, err = s.Node("probe").SpawnDaemon("watch", func(c *Ctx) error {
			for n.State() == NodeRunning {
				if err := c.Sleep(1); err != nil {
					return err
				}
			}
			crashedAt = c.Now()
			return nil
		})
		require.NoError(t, err)
		s.Run()
		return crashedAt
	}

	first := run(42)
	second := run(42)

	// THEN the draw is reproducible per seed and varies across seeds
	assert.Equal(t, first, second)
	assert.NotEqual(t, VirtualTime(-1), first)
	varied := false
	for seed := int64(43); seed < 48; seed++ {
		if run(seed) != first {
			varied = true
			break
		}
	}
	assert.True(t, varied, "expected some seed in 43..47 to draw a different fault time")
}

func TestFaults_RandomTimingAtMaximumHorizon(t *testing.T) {
	// GIVEN a random fault drawn against the largest representable horizon
	s := New(Config{Seed: 1, Horizon: VirtualTime(math.MaxInt64)})
	addNode(t, s, "a")

	// THEN the draw must not overflow its bound
	require.NotPanics(t, func() {
		require.NoError(t, s.InstallFaults([]FaultEvent{
			{Random: true, Action: FaultCrash, Node: "a"},
		}))
	})

	res := s.Run()
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestFaults_ScriptValidation(t *testing.T) {
	s := New(Config{Seed: 1})
	addNode(t, s, "a")
	addNode(t, s, "b")

	for _, tc := range []struct {
		name string
		ev   FaultEvent
	}{
		{"unknown action", FaultEvent{At: 1, Action: "meteor", Node: "a"}},
		{"unknown node", FaultEvent{At: 1, Action: FaultCrash, Node: "ghost"}},
		{"pair with unknown node", FaultEvent{At: 1, Action: FaultPartition, A: "a", B: "ghost"}},
		{"pair of one node", FaultEvent{At: 1, Action: FaultPartition, A: "a", B: "a"}},
		{"loss out of range", FaultEvent{At: 1, Action: FaultLossBurst, A: "a", B: "b", Loss: 2, For: 10}},
		{"burst without duration", FaultEvent{At: 1, Action: FaultLossBurst, A: "a", B: "b", Loss: 0.5}},
		{"negative time", FaultEvent{At: -5, Action: FaultCrash, Node: "a"}},
		{"random without horizon", FaultEvent{Random: true, Action: FaultCrash, Node: "a"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, s.InstallFaults([]FaultEvent{tc.ev}))
		})
	}
}
