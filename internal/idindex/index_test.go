package idindex

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestIndex_Basic(t *testing.T) {
	idx := New(4, 16)

	ok, err := idx.Insert(42, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, core.Locator(7), idx.Find(42))
	assert.Equal(t, core.InvalidLocator, idx.Find(43))

	ok, err = idx.Insert(42, 8)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate insert must not overwrite")
	assert.Equal(t, core.Locator(7), idx.Find(42))

	assert.True(t, idx.Remove(42))
	assert.False(t, idx.Remove(42))
	assert.False(t, idx.Remove(99))
	assert.Equal(t, core.InvalidLocator, idx.Find(42))

	ok, err = idx.Insert(42, 9)
	require.NoError(t, err)
	assert.False(t, ok, "removed ids are never re-inserted")
	assert.Equal(t, 0, idx.Len())
}

func TestIndex_CollidingChain(t *testing.T) {
	idx := New(1, 64) // every id shares one bucket

	for id := core.ID(1); id <= 50; id++ {
		ok, err := idx.Insert(id, core.Locator(id*10))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for id := core.ID(1); id <= 50; id++ {
		assert.Equal(t, core.Locator(id*10), idx.Find(id))
	}

	assert.True(t, idx.Remove(25))
	assert.Equal(t, core.Locator(260), idx.Find(26), "removal keeps the chain intact")
	assert.Equal(t, 49, idx.Len())
	assert.Equal(t, 50, idx.Used())
}

func TestIndex_Full(t *testing.T) {
	idx := New(8, 2)

	for id := core.ID(1); id <= 2; id++ {
		ok, err := idx.Insert(id, core.Locator(id))
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err := idx.Insert(3, 3)
	assert.ErrorIs(t, err, ErrIndexFull)
}

func TestIndex_ConcurrentInsertFindRemove(t *testing.T) {
	const (
		workers = 8
		perWork = 2000
	)
	idx := New(256, workers*perWork)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			base := core.ID(w*perWork + 1)
			for i := core.ID(0); i < perWork; i++ {
				id := base + i
				ok, err := idx.Insert(id, core.Locator(id))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("insert of fresh id %d failed", id)
				}
				if got := idx.Find(id); got != core.Locator(id) {
					return fmt.Errorf("find(%d) = %d", id, got)
				}
				if id%3 == 0 && !idx.Remove(id) {
					return fmt.Errorf("remove(%d) failed", id)
				}
			}
			return nil
		})
	}

	// Concurrent readers only ever observe the inserted locator or invalid.
	var stop atomic.Bool
	var readers errgroup.Group
	for r := 0; r < 4; r++ {
		readers.Go(func() error {
			for !stop.Load() {
				for id := core.ID(1); id <= workers*perWork; id += 97 {
					if got := idx.Find(id); got != core.InvalidLocator && got != core.Locator(id) {
						return fmt.Errorf("find(%d) observed foreign locator %d", id, got)
					}
				}
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	stop.Store(true)
	require.NoError(t, readers.Wait())

	for id := core.ID(1); id <= workers*perWork; id++ {
		want := core.Locator(id)
		if id%3 == 0 {
			want = core.InvalidLocator
		}
		require.Equal(t, want, idx.Find(id), "id %d", id)
	}
}

func TestIndex_ConcurrentDuplicateInsert(t *testing.T) {
	idx := New(16, 1024)
	var wins atomic.Int64

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			ok, err := idx.Insert(7, core.Locator(w+1))
			if ok {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), wins.Load())
	assert.True(t, idx.Find(7).IsValid())
}
