// Package heap implements the object heap: immutable object versions in large
// off-heap chunks, addressed by opaque 64-bit offsets.
//
// # Allocation
//
// Allocation is a lock-free CAS bump of the current chunk's cursor. When the
// current chunk is full a new one is mapped under a mutex; a single Allocate call
// maps at most MaxAllocationAttempts chunks before giving up with ErrHeapExhausted.
//
// # Reclamation
//
// Versions are freed one by one by the garbage collector. A chunk that has been
// replaced as the current chunk is retired: its cursor is sealed so nothing more
// can be carved from it. A retired chunk whose every byte has been freed is
// released: unmapped and its memory handed back to the memory acquirer.
//
// # Offsets
//
// Offset = chunkIndex << chunkBits | offsetInChunk. Chunk indexes are never reused.
// The first bytes of chunk 0 are skipped so offset 0 is never handed out.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/internal/conv"
	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/mmap"
)

const (
	// DefaultChunkSize is the default chunk size (4 MiB).
	DefaultChunkSize = 4 << 20
	// DefaultMaxChunks bounds the chunk index space.
	DefaultMaxChunks = 1 << 16
	// MaxAllocationAttempts bounds how many chunks one Allocate call may map.
	MaxAllocationAttempts = 4
	// HeaderSize is the size of the object header: id (8) | type (4) | size (4).
	HeaderSize = 16

	alignment = 8
	freedFlag = uint32(1) << 31
	// MaxPayloadSize is the largest payload an object header can describe.
	MaxPayloadSize = int(freedFlag - 1)
)

var (
	// ErrHeapExhausted is returned when no chunk could be mapped for an allocation.
	ErrHeapExhausted = errors.New("heap: exhausted")
	// ErrObjectTooLarge is returned when an object does not fit into one chunk.
	ErrObjectTooLarge = errors.New("heap: object larger than chunk")
	// ErrInvalidOffset is returned when an offset does not address a live object.
	ErrInvalidOffset = errors.New("heap: invalid offset")
	// ErrClosed is returned when the heap has been closed.
	ErrClosed = errors.New("heap: closed")
)

// MemoryAcquirer accounts chunk memory against a budget.
type MemoryAcquirer interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

// Object is one decoded object version. Payload aliases heap memory and is only
// valid while the version is reachable.
type Object struct {
	ID      core.ID
	Type    core.TypeID
	Payload []byte
}

type chunk struct {
	mapping  *mmap.Mapping
	data     []byte
	index    uint64
	start    int64        // first allocatable byte
	cursor   atomic.Int64 // bump pointer
	sealedAt atomic.Int64 // cursor value when retired, -1 while current
	freed    atomic.Int64
	released atomic.Bool
}

// Heap is a chunked object heap.
type Heap struct {
	chunkSize int
	chunkBits int
	chunkMask uint64
	maxChunks int

	chunks     []atomic.Pointer[chunk]
	chunkCount atomic.Uint64
	current    atomic.Pointer[chunk]
	mu         sync.Mutex
	closed     atomic.Bool

	acquirer MemoryAcquirer
	stats    atomicStats
}

// Option configures a Heap.
type Option func(*Heap)

// WithChunkSize sets the chunk size. It is rounded up to a power of two.
func WithChunkSize(size int) Option {
	return func(h *Heap) {
		if size > 0 {
			h.chunkSize = size
		}
	}
}

// WithMaxChunks bounds the number of chunks the heap may ever map.
func WithMaxChunks(n int) Option {
	return func(h *Heap) {
		if n > 0 {
			h.maxChunks = n
		}
	}
}

// WithMemoryAcquirer charges chunk memory to acquirer.
func WithMemoryAcquirer(acquirer MemoryAcquirer) Option {
	return func(h *Heap) {
		h.acquirer = acquirer
	}
}

// New creates a heap and maps its first chunk.
func New(opts ...Option) (*Heap, error) {
	h := &Heap{
		chunkSize: DefaultChunkSize,
		maxChunks: DefaultMaxChunks,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.chunkBits = bits.Len(uint(h.chunkSize - 1))
	h.chunkSize = 1 << h.chunkBits
	mask, err := conv.IntToUint64(h.chunkSize - 1)
	if err != nil {
		return nil, err
	}
	h.chunkMask = mask
	h.chunks = make([]atomic.Pointer[chunk], h.maxChunks)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mapChunkLocked(); err != nil {
		return nil, err
	}
	return h, nil
}

// ChunkSize returns the size of one chunk.
func (h *Heap) ChunkSize() int { return h.chunkSize }

func (h *Heap) mapChunkLocked() error {
	idx := h.chunkCount.Load()
	if idx >= uint64(h.maxChunks) {
		return fmt.Errorf("%w: %d chunks mapped", ErrHeapExhausted, idx)
	}

	if h.acquirer != nil {
		if err := h.acquirer.AcquireMemory(int64(h.chunkSize)); err != nil {
			return err
		}
	}

	mapping, err := mmap.MapAnon(h.chunkSize)
	if err != nil {
		if h.acquirer != nil {
			h.acquirer.ReleaseMemory(int64(h.chunkSize))
		}
		return fmt.Errorf("%w: map chunk: %w", ErrHeapExhausted, err)
	}

	c := &chunk{
		mapping: mapping,
		data:    mapping.Bytes(),
		index:   idx,
	}
	if idx == 0 {
		c.start = alignment
	}
	c.cursor.Store(c.start)
	c.sealedAt.Store(-1)

	h.chunks[idx].Store(c)
	h.chunkCount.Add(1)
	h.stats.chunksMapped.Add(1)
	h.stats.bytesReserved.Add(int64(h.chunkSize))

	if prev := h.current.Swap(c); prev != nil {
		h.retire(prev)
	}
	return nil
}

// Allocate writes a new object version and returns its offset.
func (h *Heap) Allocate(id core.ID, typ core.TypeID, payload []byte) (core.Offset, error) {
	if len(payload) > MaxPayloadSize {
		return core.InvalidOffset, ErrObjectTooLarge
	}
	size := HeaderSize + len(payload)
	aligned := (size + alignment - 1) &^ (alignment - 1)
	if aligned > h.chunkSize-alignment {
		return core.InvalidOffset, fmt.Errorf("%w: %d bytes", ErrObjectTooLarge, size)
	}

	attempts := 0
	for {
		if h.closed.Load() {
			return core.InvalidOffset, ErrClosed
		}
		curr := h.current.Load()
		if pos, ok := curr.bump(aligned); ok {
			buf := curr.data[pos : pos+int64(size)]
			binary.LittleEndian.PutUint64(buf[0:], uint64(id))
			binary.LittleEndian.PutUint32(buf[8:], uint32(typ))
			binary.LittleEndian.PutUint32(buf[12:], uint32(len(payload)))
			copy(buf[HeaderSize:], payload)

			h.stats.allocs.Add(1)
			h.stats.addLive(int64(aligned))
			return core.Offset(curr.index<<h.chunkBits | uint64(pos)), nil
		}

		h.mu.Lock()
		if h.current.Load() != curr {
			h.mu.Unlock()
			continue
		}
		if attempts >= MaxAllocationAttempts {
			h.mu.Unlock()
			return core.InvalidOffset, fmt.Errorf("%w: gave up after %d chunk allocations", ErrHeapExhausted, attempts)
		}
		attempts++
		err := h.mapChunkLocked()
		h.mu.Unlock()
		if err != nil {
			return core.InvalidOffset, err
		}
	}
}

func (c *chunk) bump(aligned int) (int64, bool) {
	for {
		pos := c.cursor.Load()
		next := pos + int64(aligned)
		if next > int64(len(c.data)) {
			return 0, false
		}
		if c.cursor.CompareAndSwap(pos, next) {
			return pos, true
		}
	}
}

// retire seals the cursor of a chunk that is no longer current.
func (h *Heap) retire(c *chunk) {
	end := int64(len(c.data))
	for {
		pos := c.cursor.Load()
		if c.cursor.CompareAndSwap(pos, end) {
			c.sealedAt.Store(pos)
			break
		}
	}
	h.stats.chunksRetired.Add(1)
	h.maybeRelease(c)
}

func (h *Heap) maybeRelease(c *chunk) {
	sealed := c.sealedAt.Load()
	if sealed < 0 || c.freed.Load() != sealed-c.start {
		return
	}
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	_ = c.mapping.Close()
	if h.acquirer != nil {
		h.acquirer.ReleaseMemory(int64(h.chunkSize))
	}
	h.stats.chunksReleased.Add(1)
	h.stats.bytesReserved.Add(-int64(h.chunkSize))
}

func (h *Heap) locate(off core.Offset) (*chunk, int64, error) {
	if !off.IsValid() {
		return nil, 0, ErrInvalidOffset
	}
	idx := uint64(off) >> h.chunkBits
	if idx >= h.chunkCount.Load() {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidOffset, off)
	}
	c := h.chunks[idx].Load()
	if c == nil || c.released.Load() {
		return nil, 0, fmt.Errorf("%w: %d in released chunk", ErrInvalidOffset, off)
	}
	pos := int64(uint64(off) & h.chunkMask)
	if pos < c.start || pos+HeaderSize > int64(len(c.data)) {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidOffset, off)
	}
	return c, pos, nil
}

// Read decodes the object version at off. Reading a freed version fails.
func (h *Heap) Read(off core.Offset) (Object, error) {
	c, pos, err := h.locate(off)
	if err != nil {
		return Object{}, err
	}
	hdr := c.data[pos : pos+HeaderSize]
	size := binary.LittleEndian.Uint32(hdr[12:])
	if size&freedFlag != 0 {
		return Object{}, fmt.Errorf("%w: %d was freed", ErrInvalidOffset, off)
	}
	end := pos + HeaderSize + int64(size)
	if end > int64(len(c.data)) {
		return Object{}, fmt.Errorf("%w: %d overruns its chunk", ErrInvalidOffset, off)
	}
	return Object{
		ID:      core.ID(binary.LittleEndian.Uint64(hdr[0:])),
		Type:    core.TypeID(binary.LittleEndian.Uint32(hdr[8:])),
		Payload: c.data[pos+HeaderSize : end : end],
	}, nil
}

// Deallocate frees the object version at off. Freeing a version twice is fatal.
func (h *Heap) Deallocate(off core.Offset) {
	c, pos, err := h.locate(off)
	core.Invariant(err == nil, "deallocating offset %d: %v", off, err)

	sizeField := c.data[pos+12 : pos+HeaderSize]
	size := binary.LittleEndian.Uint32(sizeField)
	core.Invariant(size&freedFlag == 0, "double free of offset %d", off)
	binary.LittleEndian.PutUint32(sizeField, size|freedFlag)

	aligned := (int64(HeaderSize+size) + alignment - 1) &^ (alignment - 1)
	c.freed.Add(aligned)
	h.stats.frees.Add(1)
	h.stats.addLive(-aligned)
	h.maybeRelease(c)
}

// retireChunk stops allocation from the current chunk, forcing the next allocation
// into a fresh one.
func (h *Heap) retireChunk() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return ErrClosed
	}
	return h.mapChunkLocked()
}

// Close unmaps every chunk. No object may be read afterwards.
func (h *Heap) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	n := h.chunkCount.Load()
	for i := uint64(0); i < n; i++ {
		c := h.chunks[i].Load()
		if c == nil || !c.released.CompareAndSwap(false, true) {
			continue
		}
		if err := c.mapping.Close(); err != nil {
			errs = append(errs, err)
		}
		if h.acquirer != nil {
			h.acquirer.ReleaseMemory(int64(h.chunkSize))
		}
	}
	h.stats.bytesReserved.Store(0)
	return errors.Join(errs...)
}
