package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedTree_SameLabelReturnsSameInstance(t *testing.T) {
	// GIVEN a seed tree
	st := NewSeedTree(42)

	// WHEN the same label is requested twice
	r1 := st.Stream("sched")
	r2 := st.Stream("sched")

	// THEN the same cached stream comes back
	assert.Same(t, r1, r2, "same label must return the same stream instance")
}

func TestSeedTree_SameSeedSameDraws(t *testing.T) {
	// GIVEN two trees with the same master seed
	a := NewSeedTree(42)
	b := NewSeedTree(42)

	// THEN each labeled stream draws the identical sequence
	for _, label := range []string{StreamScheduler, StreamFaults, "link/x~y"} {
		ra, rb := a.Stream(label), b.Stream(label)
		for i := 0; i < 100; i++ {
			require.Equal(t, ra.Int63(), rb.Int63(), "label %s draw %d", label, i)
		}
	}
}

func TestSeedTree_DifferentSeedsDiverge(t *testing.T) {
	// GIVEN two trees with different master seeds
	a := NewSeedTree(1)
	b := NewSeedTree(2)

	// THEN their streams diverge
	ra, rb := a.Stream("sched"), b.Stream("sched")
	same := true
	for i := 0; i < 16; i++ {
		if ra.Int63() != rb.Int63() {
			same = false
			break
		}
	}
	assert.False(t, same, "different seeds must produce different sequences")
}

func TestSeedTree_NewConsumerDoesNotPerturbExistingStream(t *testing.T) {
	// GIVEN a baseline run that only draws from one label
	base := NewSeedTree(7)
	var want []int64
	r := base.Stream("link/a~b")
	for i := 0; i < 50; i++ {
		want = append(want, r.Int63())
	}

	// WHEN another run interleaves draws from an unrelated new label
	st := NewSeedTree(7)
	other := st.Stream("node/x/task/1")
	stream := st.Stream("link/a~b")
	var got []int64
	for i := 0; i < 50; i++ {
		_ = other.Int63()
		got = append(got, stream.Int63())
	}

	// THEN the original label's sequence is unchanged
	assert.Equal(t, want, got, "child streams must be independent")
}

func TestSeedTree_StableLabels(t *testing.T) {
	// Labels are part of the reproducibility contract: changing them would
	// silently re-seed every consumer.
	assert.Equal(t, "link/a~b", linkStream("a", "b"))
	assert.Equal(t, "node/n1/task/3", taskStream("n1", 3))
	assert.Equal(t, "sched", StreamScheduler)
	assert.Equal(t, "faults", StreamFaults)
}
