package watermark

import (
	"sync/atomic"
	"testing"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

func TestAdvance(t *testing.T) {
	s := New()
	assert.Equal(t, core.InvalidTimestamp, s.Get(PreApply))

	assert.True(t, s.Advance(PreApply, 5))
	assert.Equal(t, core.Timestamp(5), s.Get(PreApply))

	assert.False(t, s.Advance(PreApply, 5))
	assert.False(t, s.Advance(PreApply, 3))
	assert.Equal(t, core.Timestamp(5), s.Get(PreApply))

	assert.Equal(t, core.InvalidTimestamp, s.Get(PostApply))
	assert.Equal(t, "post_gc", PostGC.String())
}

func TestAdvanceIsMonotonicUnderContention(t *testing.T) {
	s := New()
	var wins atomic.Int64

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for ts := core.Timestamp(1); ts <= 1000; ts++ {
				if s.Advance(PostApply, ts) {
					wins.Add(1)
				}
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())

	assert.Equal(t, core.Timestamp(1000), s.Get(PostApply))
	// Every timestamp is claimed by exactly one goroutine at most.
	assert.LessOrEqual(t, wins.Load(), int64(1000))
}

func TestSnapshotOrdered(t *testing.T) {
	s := New()
	s.Advance(PreApply, 10)
	s.Advance(PostApply, 9)
	s.Advance(PostGC, 7)
	s.Advance(PreTruncate, 4)

	snap := s.Snapshot()
	assert.True(t, snap.Ordered())
	assert.Equal(t, Snapshot{PreApply: 10, PostApply: 9, PostGC: 7, PreTruncate: 4}, snap)

	assert.False(t, Snapshot{PreApply: 1, PostApply: 2}.Ordered())
}
