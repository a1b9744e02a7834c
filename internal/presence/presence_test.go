package presence_test

import (
	"testing"

	"github.com/rechain/presence/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockAlgebra(t *testing.T) {
	t.Run("Upperbound", func(t *testing.T) {
		a := presence.Context{"r1": 2, "r2": 5}
		b := presence.Context{"r2": 1, "r3": 9}
		got := presence.Upperbound(a, b)
		assert.Equal(t, presence.Context{"r1": 2, "r2": 5, "r3": 9}, got)
	})

	t.Run("Lowerbound only intersects", func(t *testing.T) {
		a := presence.Context{"r1": 2, "r2": 5}
		b := presence.Context{"r2": 1, "r3": 9}
		got := presence.Lowerbound(a, b)
		assert.Equal(t, presence.Context{"r2": 1}, got)
	})

	t.Run("DominatesOrEqual vacuous on absent replicas", func(t *testing.T) {
		a := presence.Context{"r1": 3}
		b := presence.Context{"r1": 2, "r2": 0}
		assert.True(t, presence.DominatesOrEqual(a, b))
		assert.False(t, presence.DominatesOrEqual(presence.Context{"r1": 1}, presence.Context{"r1": 2}))
	})
}

func TestCompaction(t *testing.T) {
	t.Run("absorbs contiguous run from empty context", func(t *testing.T) {
		ctx := presence.Context{}
		cloud := presence.NewCloud()
		cloud.Add(presence.Tag{Replica: "r1", Clock: 1})
		cloud.Add(presence.Tag{Replica: "r1", Clock: 2})
		cloud.Add(presence.Tag{Replica: "r1", Clock: 3})

		newCtx, newCloud := presence.Compact(ctx, cloud)
		assert.Equal(t, presence.Clock(3), newCtx["r1"])
		assert.Empty(t, newCloud)
	})

	t.Run("keeps gapped tag in cloud", func(t *testing.T) {
		ctx := presence.Context{"r1": 1}
		cloud := presence.NewCloud()
		cloud.Add(presence.Tag{Replica: "r1", Clock: 3}) // gap at 2

		newCtx, newCloud := presence.Compact(ctx, cloud)
		assert.Equal(t, presence.Clock(1), newCtx["r1"])
		assert.True(t, newCloud.Has(presence.Tag{Replica: "r1", Clock: 3}))
	})

	t.Run("drops redundant tag already covered by context", func(t *testing.T) {
		ctx := presence.Context{"r1": 5}
		cloud := presence.NewCloud()
		cloud.Add(presence.Tag{Replica: "r1", Clock: 3})

		_, newCloud := presence.Compact(ctx, cloud)
		assert.Empty(t, newCloud)
	})
}

// Scenario 1: solo join/leave.
func TestSoloJoinLeave(t *testing.T) {
	s := presence.New("r1")

	s.Join("P", "t", "k", nil)

	online := s.OnlineList()
	require.Len(t, online, 1)
	assert.Equal(t, presence.Owner("P"), online[0].Owner)
	assert.Equal(t, presence.Key("k"), online[0].Key)
	assert.Equal(t, presence.Tag{Replica: "r1", Clock: 1}, online[0].Tag)

	self, ctx := s.Clocks()
	assert.Equal(t, presence.Replica("r1"), self)
	assert.Equal(t, presence.Context{"r1": 1}, ctx)

	s.Leave("P", "t", "k")

	assert.Empty(t, s.OnlineList())
	_, ctx = s.Clocks()
	assert.Equal(t, presence.Context{"r1": 2}, ctx)
}

// Scenario 2: two-replica add + merge.
func TestTwoReplicaAddMerge(t *testing.T) {
	a := presence.New("r1")
	a.Join("P1", "t", "k1", nil)

	b := presence.New("r2")
	b.Join("P2", "t", "k2", nil)

	snap, values := b.Extract()
	joins, leaves := a.Merge(snap, values)

	require.Len(t, joins, 1)
	assert.Equal(t, presence.Key("k2"), joins[0].Key)
	assert.Empty(t, leaves)

	online := a.OnlineList()
	assert.Len(t, online, 2)

	_, ctx := a.Clocks()
	assert.Equal(t, presence.Context{"r1": 1, "r2": 1}, ctx)
}

// Scenario 3: observed remove propagates.
func TestObservedRemovePropagates(t *testing.T) {
	a := presence.New("r1")
	a.Join("P1", "t", "k1", nil)

	b := presence.New("r2")
	b.Join("P2", "t", "k2", nil)

	snap, values := b.Extract()
	a.Merge(snap, values)

	b.Leave("P2", "t", "k2")

	snap, values = b.Extract()
	joins, leaves := a.Merge(snap, values)

	assert.Empty(t, joins)
	require.Len(t, leaves, 1)
	assert.Equal(t, presence.Key("k2"), leaves[0].Key)

	online := a.OnlineList()
	require.Len(t, online, 1)
	assert.Equal(t, presence.Key("k1"), online[0].Key)
}

// Scenario 4: concurrent add vs remove.
func TestConcurrentAddVsRemove(t *testing.T) {
	a := presence.New("r1")
	a.Join("P1", "t", "k1", nil)

	b := presence.New("r2")
	b.Join("P2", "t", "k2", nil)

	snap, values := b.Extract()
	a.Merge(snap, values)

	bPrime := b
	bPrime.Leave("P2", "t", "k2")

	// a concurrently joins k3 before observing b's removal.
	a.Join("P3", "t", "k3", nil)

	snap, values = bPrime.Extract()
	_, leaves := a.Merge(snap, values)

	require.Len(t, leaves, 1)
	assert.Equal(t, presence.Key("k2"), leaves[0].Key)

	online := a.OnlineList()
	keys := make([]string, 0, len(online))
	for _, e := range online {
		keys = append(keys, string(e.Key))
	}
	assert.ElementsMatch(t, []string{"k1", "k3"}, keys)
}

// Scenario 5: delta round-trip.
func TestDeltaRoundTrip(t *testing.T) {
	s := presence.New("r1")
	s.Join("P1", "t", "k1", nil)
	s.Join("P2", "t", "k2", nil)

	d := s.Delta()
	s.ResetDelta()

	dst := presence.New("r2")
	joins, _ := dst.MergeDelta(d)

	require.Len(t, joins, 2)
	keys := make([]string, 0, 2)
	for _, e := range joins {
		keys = append(keys, string(e.Key))
	}
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)
}

// Scenario 6: non-contiguous delta rejection.
func TestNonContiguousDeltaRejected(t *testing.T) {
	d1 := &presence.Delta{
		Replica: "r1",
		Values:  map[presence.Tag]presence.DeltaValue{},
		Cloud:   presence.NewCloud(),
		Range: presence.Range{
			Start: presence.Context{"r1": 0},
			End:   presence.Context{"r1": 3},
		},
	}
	d2 := &presence.Delta{
		Replica: "r1",
		Values:  map[presence.Tag]presence.DeltaValue{},
		Cloud:   presence.NewCloud(),
		Range: presence.Range{
			Start: presence.Context{"r1": 5},
			End:   presence.Context{"r1": 7},
		},
	}

	_, err := presence.MergeDeltas(d1, d2)
	assert.ErrorIs(t, err, presence.ErrNotContiguous)
}

func TestMergeDeltasContiguousSucceeds(t *testing.T) {
	d1 := &presence.Delta{
		Replica: "r1",
		Values:  map[presence.Tag]presence.DeltaValue{},
		Cloud:   presence.NewCloud(),
		Range: presence.Range{
			Start: presence.Context{"r1": 0},
			End:   presence.Context{"r1": 3},
		},
	}
	d2 := &presence.Delta{
		Replica: "r1",
		Values:  map[presence.Tag]presence.DeltaValue{},
		Cloud:   presence.NewCloud(),
		Range: presence.Range{
			Start: presence.Context{"r1": 3},
			End:   presence.Context{"r1": 5},
		},
	}

	merged, err := presence.MergeDeltas(d1, d2)
	require.NoError(t, err)
	assert.Equal(t, presence.Clock(0), merged.Range.Start["r1"])
	assert.Equal(t, presence.Clock(5), merged.Range.End["r1"])
}

// P3: monotone joins — re-presenting a known tag never yields a join.
func TestMonotoneJoins(t *testing.T) {
	a := presence.New("r1")
	a.Join("P1", "t", "k1", nil)

	b := presence.New("r2")
	snap, values := a.Extract()
	b.Merge(snap, values)

	// Re-merge the same snapshot: no new joins.
	snap, values = a.Extract()
	joins, leaves := b.Merge(snap, values)
	assert.Empty(t, joins)
	assert.Empty(t, leaves)
}

// P4: observed remove / re-add after observed remove stays present.
func TestReaddAfterObservedRemoveStaysPresent(t *testing.T) {
	a := presence.New("r1")
	a.Join("P", "t", "k", nil)

	b := presence.New("r2")
	snap, values := a.Extract()
	b.Merge(snap, values)

	a.Leave("P", "t", "k")
	b.Join("P", "t", "k", nil) // b re-adds concurrently with a's new tag unseen

	snap, values = a.Extract()
	_, leaves := b.Merge(snap, values)

	// b's own re-add survives even though a observed-removed the old tag.
	found := false
	for _, e := range b.OnlineList() {
		if e.Key == "k" {
			found = true
		}
	}
	assert.True(t, found)
	_ = leaves
}

// P5: compactness holds after every operation.
func TestCompactnessInvariant(t *testing.T) {
	a := presence.New("r1")
	for i := 0; i < 5; i++ {
		a.Join("P", "t", presence.Key(string(rune('a'+i))), nil)
	}
	_, ctx := a.Clocks()
	assert.Equal(t, presence.Clock(5), ctx["r1"])
}

// P6: local monotonicity — context[self] never decreases.
func TestLocalMonotonicity(t *testing.T) {
	a := presence.New("r1")
	_, ctx := a.Clocks()
	last := ctx["r1"]

	a.Join("P", "t", "k1", nil)
	_, ctx = a.Clocks()
	assert.GreaterOrEqual(t, ctx["r1"], last)
	last = ctx["r1"]

	a.Leave("P", "t", "k1")
	_, ctx = a.Clocks()
	assert.Greater(t, ctx["r1"], last)
}

// P7: reset_delta yields range.start == range.end == context|self, and
// subsequent ops keep range.end[self] in sync with context[self].
func TestDeltaRangeTracksContext(t *testing.T) {
	a := presence.New("r1")
	a.Join("P", "t", "k1", nil)
	a.ResetDelta()

	d := a.Delta()
	_, ctx := a.Clocks()
	assert.Equal(t, ctx["r1"], d.Range.Start["r1"])
	assert.Equal(t, ctx["r1"], d.Range.End["r1"])

	a.Join("P", "t", "k2", nil)
	_, ctx = a.Clocks()
	assert.Equal(t, ctx["r1"], a.Delta().Range.End["r1"])
}

func TestDeltaRangeTracksContextAfterLeave(t *testing.T) {
	a := presence.New("r1")
	a.Join("P", "t", "k1", nil)

	a.Leave("P", "t", "k1")
	_, ctx := a.Clocks()
	assert.Equal(t, ctx["r1"], a.Delta().Range.End["r1"], "Range.End must track context after a removal, not just an add")
}

func TestReplicaUpDown(t *testing.T) {
	a := presence.New("r1")
	a.Join("P1", "t", "k1", nil)

	b := presence.New("r2")
	b.Join("P2", "t", "k2", nil)
	snap, values := b.Extract()
	a.Merge(snap, values)
	a.ReplicaUp("r2")

	assert.Len(t, a.OnlineList(), 2)

	leaves := a.ReplicaDown("r2")
	require.Len(t, leaves, 1)
	assert.Equal(t, presence.Key("k2"), leaves[0].Key)
	assert.Len(t, a.OnlineList(), 1)

	joins := a.ReplicaUp("r2")
	require.Len(t, joins, 1)
	assert.Len(t, a.OnlineList(), 2)
}

func TestRemoveDownReplicasPurgesCloudAndDelta(t *testing.T) {
	a := presence.New("r1")
	a.Join("P1", "t", "k1", nil)

	b := presence.New("r2")
	b.Join("P2", "t", "k2", nil)
	snap, values := b.Extract()
	a.Merge(snap, values)

	a.RemoveDownReplicas("r2")

	_, ctx := a.Clocks()
	_, hasR2 := ctx["r2"]
	assert.False(t, hasR2)
	assert.Len(t, a.OnlineList(), 1)

	d := a.Delta()
	for tag := range d.Cloud {
		assert.NotEqual(t, presence.Replica("r2"), tag.Replica)
	}
	for tag := range d.Values {
		assert.NotEqual(t, presence.Replica("r2"), tag.Replica)
	}
}

func TestGetByOwnerIgnoresUpDown(t *testing.T) {
	a := presence.New("r1")
	b := presence.New("r2")
	b.Join("P", "t", "k", nil)
	snap, values := b.Extract()
	a.Merge(snap, values)

	a.ReplicaDown("r2")

	assert.Empty(t, a.OnlineList())
	assert.Len(t, a.GetByOwner("P"), 1)
	assert.Len(t, a.GetByOwnerTopic("P", "t"), 1)
	assert.Len(t, a.GetByOwnerTopicKey("P", "t", "k"), 1)
}

func TestLeaveByOwnerRemovesAllTopicsAndKeys(t *testing.T) {
	a := presence.New("r1")
	a.Join("P", "t1", "k1", nil)
	a.Join("P", "t2", "k2", nil)
	a.Join("Q", "t1", "k3", nil)

	removed := a.LeaveOwner("P")
	assert.Len(t, removed, 2)
	assert.Len(t, a.OnlineList(), 1)
	assert.Empty(t, a.GetByOwner("P"))
}

func TestSize(t *testing.T) {
	a := presence.New("r1")
	a.Join("P", "t", "k1", nil)
	a.Join("P", "t", "k2", nil)
	d := a.Delta()
	assert.Equal(t, d.Size(), len(d.Cloud)+len(d.Values))
	assert.Equal(t, 2, d.Size())

	a.Leave("P", "t", "k1")
	d = a.Delta()
	// cloud still carries both tags (k1 as an observed-remove marker,
	// k2 as a pending add); values drops k1 once it is no longer pending.
	assert.Equal(t, 2, len(d.Cloud))
	assert.Equal(t, 1, len(d.Values))
	assert.Equal(t, 3, d.Size())
}
