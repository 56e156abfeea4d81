package nodetab

import (
	"testing"
	"time"

	tassert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomCache(t *testing.T) {
	t.Run("AssignsAndReusesSlots", func(t *testing.T) {
		c := newAtomCache(2)

		idx, inserted := c.Index("a")
		tassert.Equal(t, 0, idx)
		tassert.True(t, inserted)

		idx, inserted = c.Index("b")
		tassert.Equal(t, 1, idx)
		tassert.True(t, inserted)

		idx, inserted = c.Index("a")
		tassert.Equal(t, 0, idx)
		tassert.False(t, inserted)

		// "b" is now the least recently used atom and gives up its slot.
		idx, inserted = c.Index("c")
		tassert.Equal(t, 1, idx)
		tassert.True(t, inserted)

		_, ok := c.Lookup("b")
		tassert.False(t, ok)
		idx, ok = c.Lookup("c")
		tassert.True(t, ok)
		tassert.Equal(t, 1, idx)

		tassert.Equal(t, 2, c.Len())
		tassert.Equal(t, 2, c.Size())
		hits, misses := c.Stats()
		tassert.Equal(t, uint64(1), hits)
		tassert.Equal(t, uint64(3), misses)
	})

	t.Run("NonPositiveSizeUsesDefault", func(t *testing.T) {
		for _, size := range []int{0, -3} {
			c := newAtomCache(size)
			tassert.Equal(t, DefaultAtomCacheSize, c.Size())
			idx, inserted := c.Index("a")
			tassert.True(t, inserted)
			tassert.Equal(t, 0, idx)
		}
	})

	t.Run("SlotsStayUnique", func(t *testing.T) {
		c := newAtomCache(16)
		for i := 0; i < 200; i++ {
			c.Index(string(rune('a' + i%40)))
		}
		seen := map[int]string{}
		for i := 0; i < 40; i++ {
			atom := string(rune('a' + i))
			if idx, ok := c.Lookup(atom); ok {
				prev, dup := seen[idx]
				tassert.False(t, dup, "slot %d shared by %s and %s", idx, prev, atom)
				seen[idx] = atom
			}
		}
		tassert.Len(t, seen, 16)
	})

	t.Run("CreatedOnlyWhenNegotiated", func(t *testing.T) {
		r, _ := newTestRegistry(t, time.Minute, WithAtomCacheSize(4))

		plain := r.FindOrInsertDist("plain@host")
		require.True(t, r.SetConnected(plain, ConnectInfo{ConnectionID: 1}))
		tassert.Nil(t, plain.AtomCache())

		cached := r.FindOrInsertDist("cached@host")
		require.True(t, r.SetConnected(cached, ConnectInfo{ConnectionID: 1, Flags: FlagAtomCache}))
		require.NotNil(t, cached.AtomCache())
		tassert.Equal(t, 4, cached.AtomCache().Size())
	})
}
