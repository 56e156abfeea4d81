package nodetab

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	tassert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/nodetab/reclaim"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, delay time.Duration, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	gc := reclaim.New(reclaim.WithClock(clock.Now), reclaim.WithDelay(reclaim.Delay(delay)))
	return New(append([]Option{WithReclaimer(gc)}, opts...)...), clock
}

func TestNodeRegistry(t *testing.T) {
	t.Run("FindOrInsertReturnsSameRecord", func(t *testing.T) {
		r, _ := newTestRegistry(t, time.Minute)

		n1 := r.FindOrInsertNode("peer@host", 1)
		tassert.Equal(t, int64(1), n1.Refc())
		n2 := r.FindOrInsertNode("peer@host", 1)
		tassert.Same(t, n1, n2)
		tassert.Equal(t, int64(2), n1.Refc())

		other := r.FindOrInsertNode("peer@host", 2)
		tassert.NotSame(t, n1, other)
		tassert.Same(t, n1.Dist(), other.Dist(), "incarnations share the dist entry")
		tassert.Equal(t, 3, r.NodeTableSize())
	})

	t.Run("ReleasedNodeIsReclaimedByForcedSweep", func(t *testing.T) {
		r, _ := newTestRegistry(t, time.Minute)

		n := r.FindOrInsertNode("peer@host", 1)
		require.Equal(t, int64(1), n.Refc())
		r.FindOrInsertNode("peer@host", 1)
		require.Equal(t, int64(2), n.Refc())

		r.ReleaseNode(n)
		r.ReleaseNode(n)
		tassert.Equal(t, int64(0), n.Refc())

		_, ok := r.LookupNode("peer@host", 1)
		tassert.False(t, ok, "unreferenced nodes are not returned by lookup")

		// The node and then, through the node's reference, its dist entry.
		tassert.Equal(t, 2, r.ForceGC())
		_, ok = r.LookupNode("peer@host", 1)
		tassert.False(t, ok)
		tassert.Equal(t, 1, r.NodeTableSize())
		tassert.Equal(t, 1, r.DistTableSize())
	})

	t.Run("RevivedNodeSurvivesSweep", func(t *testing.T) {
		r, _ := newTestRegistry(t, 0)

		n := r.FindOrInsertNode("peer@host", 1)
		r.ReleaseNode(n)
		again := r.FindOrInsertNode("peer@host", 1)
		tassert.Same(t, n, again)
		tassert.Equal(t, int64(1), n.Refc())

		tassert.Zero(t, r.ForceGC())
		tassert.Equal(t, uint64(1), r.Reclaimer().Revived())

		found, ok := r.LookupNode("peer@host", 1)
		require.True(t, ok)
		tassert.Same(t, n, found)
	})

	t.Run("GracePeriodCountsFromLatestRelease", func(t *testing.T) {
		r, clock := newTestRegistry(t, time.Minute)

		n := r.FindOrInsertNode("peer@host", 1)
		r.ReleaseNode(n)
		clock.Advance(50 * time.Second)
		r.FindOrInsertNode("peer@host", 1)
		r.ReleaseNode(n)

		clock.Advance(20 * time.Second)
		tassert.Zero(t, r.DelayedGC(), "first attempt is outdated, second not due")
		tassert.Equal(t, 2, r.NodeTableSize())

		clock.Advance(40 * time.Second)
		tassert.Equal(t, 1, r.DelayedGC())
		tassert.Equal(t, 1, r.NodeTableSize())

		// The entry was released by the node deletion and has its own
		// grace period.
		tassert.Equal(t, 2, r.DistTableSize())
		tassert.Equal(t, 1, r.ForceGC())
		tassert.Equal(t, 1, r.DistTableSize())
	})

	t.Run("InfiniteDelayOnlyForced", func(t *testing.T) {
		r, clock := newTestRegistry(t, time.Duration(reclaim.Infinity))

		r.ReleaseNode(r.FindOrInsertNode("peer@host", 1))
		clock.Advance(1000 * time.Hour)
		tassert.Zero(t, r.DelayedGC())
		tassert.Equal(t, 2, r.ForceGC())
	})

	t.Run("UnderflowPanics", func(t *testing.T) {
		r, _ := newTestRegistry(t, time.Minute)

		n := r.FindOrInsertNode("peer@host", 1)
		r.ReleaseNode(n)
		tassert.PanicsWithValue(t, ErrRefcountUnderflow, func() { r.ReleaseNode(n) })
		tassert.Equal(t, int64(0), n.Refc())
	})

	t.Run("RefNode", func(t *testing.T) {
		r, _ := newTestRegistry(t, time.Minute)

		n := r.FindOrInsertNode("peer@host", 1)
		tassert.Same(t, n, r.RefNode(n))
		tassert.Equal(t, int64(2), n.Refc())
		tassert.Equal(t, "peer@host/1", n.String())
	})
}

func TestRefcountOverflow(t *testing.T) {
	var rc refcount
	rc.init(math.MaxInt64)
	tassert.PanicsWithValue(t, ErrRefcountOverflow, func() { rc.inc() })
	tassert.PanicsWithValue(t, ErrRefcountOverflow, func() { rc.tryInc() })
	tassert.Equal(t, int64(math.MaxInt64), rc.load())

	rc.init(0)
	tassert.False(t, rc.tryInc())
	tassert.Equal(t, int64(1), rc.inc())
}

func TestThisNode(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		r := New()
		tassert.Equal(t, DefaultNodeName, r.ThisNode().Name())
		tassert.Equal(t, uint32(0), r.ThisNode().Creation())
		tassert.Same(t, r.ThisNode().Dist(), r.ThisDistEntry())
		tassert.Equal(t, ClassNotConnected, r.ThisDistEntry().Class())
		tassert.Equal(t, ClassCounts{NotConnected: 1}, r.ClassCounts())
	})

	t.Run("Replace", func(t *testing.T) {
		r, _ := newTestRegistry(t, time.Minute)
		oldEntry := r.ThisDistEntry()

		r.SetThisNode("me@host", 3)
		tassert.Equal(t, "me@host", r.ThisNode().Name())
		tassert.Equal(t, uint32(3), r.ThisNode().Creation())
		tassert.Equal(t, uint32(3), r.ThisDistEntry().Creation())

		de, ok := r.ChannelToEntry(InternalChannel)
		require.True(t, ok)
		tassert.Same(t, r.ThisDistEntry(), de)
		r.ReleaseDist(de)

		tassert.Equal(t, 2, r.ForceGC())
		tassert.Equal(t, 1, r.NodeTableSize())
		tassert.Equal(t, 1, r.DistTableSize())
		_, ok = r.FindDist(oldEntry.Name())
		tassert.False(t, ok)
	})
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r, _ := newTestRegistry(t, 0)

	const workers, rounds = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				name := fmt.Sprintf("peer%d@host", i%7)
				n := r.FindOrInsertNode(name, uint32(i%3))
				de := r.FindOrInsertDist(name)
				if found, ok := r.LookupNode(name, uint32(i%3)); ok {
					r.ReleaseNode(found)
				}
				r.ReleaseDist(de)
				r.ReleaseNode(n)
				if i%50 == 0 {
					r.DelayedGC()
				}
			}
		}(w)
	}
	wg.Wait()

	r.ForceGC()
	tassert.Equal(t, 1, r.NodeTableSize())
	tassert.Equal(t, 1, r.DistTableSize())
	checkClasses(t, r)
}

func TestSnapshots(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	r.FindOrInsertNode("b@host", 2)
	r.FindOrInsertNode("b@host", 1)
	r.FindOrInsertNode("a@host", 7)

	want := []NodeInfo{
		{Name: "a@host", Creation: 7, Refc: 1},
		{Name: "b@host", Creation: 1, Refc: 1},
		{Name: "b@host", Creation: 2, Refc: 1},
		{Name: DefaultNodeName, Creation: 0, Refc: 1},
	}
	if diff := cmp.Diff(want, r.Nodes()); diff != "" {
		t.Errorf("Nodes() mismatch (-want +got):\n%s", diff)
	}

	info := r.Info()
	tassert.Equal(t, 4, info.Nodes)
	tassert.Equal(t, 3, info.Dists)
	tassert.Equal(t, 3, info.NotConnected)
	tassert.Equal(t, reclaim.Delay(time.Minute), info.GCDelay)
	tassert.Positive(t, info.MemoryBytes)
}
