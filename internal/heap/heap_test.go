package heap

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type budget struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

var errBudget = errors.New("budget exceeded")

func (b *budget) AcquireMemory(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.limit {
		return errBudget
	}
	b.used += n
	return nil
}

func (b *budget) ReleaseMemory(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= n
}

func TestAllocateRead(t *testing.T) {
	h, err := New(WithChunkSize(4096))
	require.NoError(t, err)
	defer h.Close()

	off, err := h.Allocate(42, 7, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, off.IsValid())

	obj, err := h.Read(off)
	require.NoError(t, err)
	assert.Equal(t, core.ID(42), obj.ID)
	assert.Equal(t, core.TypeID(7), obj.Type)
	assert.Equal(t, []byte("hello"), obj.Payload)

	empty, err := h.Allocate(43, 7, nil)
	require.NoError(t, err)
	obj, err = h.Read(empty)
	require.NoError(t, err)
	assert.Empty(t, obj.Payload)

	_, err = h.Read(core.InvalidOffset)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	_, err = h.Read(core.Offset(1 << 40))
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestObjectTooLarge(t *testing.T) {
	h, err := New(WithChunkSize(1024))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Allocate(1, 1, make([]byte, 2048))
	assert.ErrorIs(t, err, ErrObjectTooLarge)
}

func TestSpillsIntoNewChunks(t *testing.T) {
	h, err := New(WithChunkSize(1024))
	require.NoError(t, err)
	defer h.Close()

	payload := bytes.Repeat([]byte{0xAB}, 200)
	offs := make([]core.Offset, 0, 20)
	for i := range 20 {
		off, err := h.Allocate(core.ID(i+1), 1, payload)
		require.NoError(t, err)
		offs = append(offs, off)
	}

	stats := h.Stats()
	assert.Greater(t, stats.ChunksMapped, uint64(1))
	assert.Equal(t, stats.ChunksMapped-1, stats.ChunksRetired)

	for i, off := range offs {
		obj, err := h.Read(off)
		require.NoError(t, err)
		assert.Equal(t, core.ID(i+1), obj.ID)
		assert.Equal(t, payload, obj.Payload)
	}
}

func TestDeallocateReleasesRetiredChunk(t *testing.T) {
	b := &budget{limit: 1 << 20}
	h, err := New(WithChunkSize(1024), WithMemoryAcquirer(b))
	require.NoError(t, err)
	defer h.Close()

	a, err := h.Allocate(1, 1, []byte("a"))
	require.NoError(t, err)
	c, err := h.Allocate(2, 1, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, h.retireChunk())
	assert.Equal(t, int64(2048), b.used)

	h.Deallocate(a)
	_, err = h.Read(a)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	assert.Panics(t, func() { h.Deallocate(a) })
	assert.Equal(t, uint64(0), h.Stats().ChunksReleased)

	h.Deallocate(c)
	stats := h.Stats()
	assert.Equal(t, uint64(1), stats.ChunksReleased)
	assert.Equal(t, int64(1024), stats.BytesReserved)
	assert.Equal(t, int64(1024), b.used)
	assert.Equal(t, int64(0), stats.BytesLive)
	assert.Equal(t, int64(48), stats.HighWater)

	_, err = h.Read(c)
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestMemoryLimit(t *testing.T) {
	b := &budget{limit: 1024}
	h, err := New(WithChunkSize(1024), WithMemoryAcquirer(b))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Allocate(1, 1, make([]byte, 900))
	require.NoError(t, err)
	_, err = h.Allocate(2, 1, make([]byte, 900))
	assert.ErrorIs(t, err, errBudget)
}

func TestHeapExhausted(t *testing.T) {
	h, err := New(WithChunkSize(1024), WithMaxChunks(2))
	require.NoError(t, err)
	defer h.Close()

	for i := range 2 {
		_, err := h.Allocate(core.ID(i+1), 1, make([]byte, 900))
		require.NoError(t, err)
	}
	_, err = h.Allocate(3, 1, make([]byte, 900))
	assert.ErrorIs(t, err, ErrHeapExhausted)
}

func TestConcurrentAllocate(t *testing.T) {
	h, err := New(WithChunkSize(4096))
	require.NoError(t, err)
	defer h.Close()

	const workers, perWorker = 8, 200
	offs := make([][]core.Offset, workers)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				id := core.ID(w*perWorker + i + 1)
				off, err := h.Allocate(id, core.TypeID(w), []byte{byte(w), byte(i)})
				if !assert.NoError(t, err) {
					return
				}
				offs[w] = append(offs[w], off)
			}
		}()
	}
	wg.Wait()

	seen := make(map[core.Offset]struct{})
	for w := range workers {
		for i, off := range offs[w] {
			_, dup := seen[off]
			require.False(t, dup)
			seen[off] = struct{}{}

			obj, err := h.Read(off)
			require.NoError(t, err)
			assert.Equal(t, core.ID(w*perWorker+i+1), obj.ID)
			assert.Equal(t, []byte{byte(w), byte(i)}, obj.Payload)
		}
	}
	assert.Equal(t, uint64(workers*perWorker), h.Stats().Allocs)
}

func TestClose(t *testing.T) {
	h, err := New(WithChunkSize(1024))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.Allocate(1, 1, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.retireChunk(), ErrClosed)
}
