// Package idindex implements the lock-free map from object IDs to locators.
//
// The map is append-only: a fixed bucket array whose chains are linked through a
// preallocated node arena. Nodes are never unlinked or recycled while the index
// lives; removal clears the node's locator in place, so a reader chasing a chain
// never observes a dangling node. Every load and store of a node's link and
// locator is a sync/atomic operation, which the Go memory model makes
// sequentially consistent.
package idindex

import (
	"errors"
	"math/bits"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/internal/core"
)

const (
	// DefaultBuckets is the default bucket count.
	DefaultBuckets = 1 << 16
	// DefaultCapacity is the default node arena size.
	DefaultCapacity = 1 << 20
)

// ErrIndexFull is returned when the node arena is exhausted.
var ErrIndexFull = errors.New("idindex: node arena exhausted")

// node index 0 is the "no next" sentinel, so arena slot 0 is never handed out.
type node struct {
	id      core.ID
	next    atomic.Uint64
	locator atomic.Uint64
}

// Index is a concurrent id -> locator hash map.
type Index struct {
	buckets []atomic.Uint64
	mask    uint64
	nodes   []node
	cursor  atomic.Uint64
	live    atomic.Int64
}

// New creates an index with the given bucket count (rounded up to a power of two)
// and node capacity.
func New(buckets, capacity int) *Index {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	n := 1 << bits.Len(uint(buckets-1))
	return &Index{
		buckets: make([]atomic.Uint64, n),
		mask:    uint64(n - 1),
		nodes:   make([]node, capacity+1),
	}
}

func (idx *Index) bucket(id core.ID) *atomic.Uint64 {
	// Fibonacci hashing spreads sequential ids across buckets.
	h := uint64(id) * 0x9E3779B97F4A7C15
	return &idx.buckets[(h>>32^h)&idx.mask]
}

func (idx *Index) allocNode(id core.ID, loc core.Locator) (uint64, error) {
	n := idx.cursor.Add(1)
	if n >= uint64(len(idx.nodes)) {
		return 0, ErrIndexFull
	}
	nd := &idx.nodes[n]
	nd.id = id
	nd.locator.Store(uint64(loc))
	return n, nil
}

// Insert maps id to loc. It reports false if id has ever been inserted: ids are never
// re-mapped, even after removal.
func (idx *Index) Insert(id core.ID, loc core.Locator) (bool, error) {
	core.Invariant(id != core.InvalidID && loc.IsValid(), "inserting id %d -> locator %d", id, loc)

	var fresh uint64 // allocated lazily, only once we know we must link
	link := func(next *atomic.Uint64) (bool, error) {
		if fresh == 0 {
			n, err := idx.allocNode(id, loc)
			if err != nil {
				return false, err
			}
			fresh = n
		}
		return next.CompareAndSwap(0, fresh), nil
	}

	head := idx.bucket(id)
	if head.Load() == 0 {
		ok, err := link(head)
		if err != nil {
			return false, err
		}
		if ok {
			idx.live.Add(1)
			return true, nil
		}
	}

	cur := head.Load()
	for {
		nd := &idx.nodes[cur]
		if nd.id == id {
			return false, nil
		}
		next := nd.next.Load()
		if next != 0 {
			cur = next
			continue
		}
		ok, err := link(&nd.next)
		if err != nil {
			return false, err
		}
		if ok {
			idx.live.Add(1)
			return true, nil
		}
		// Lost the tail race: rescan from the node another writer appended.
		cur = nd.next.Load()
	}
}

// Find returns the locator of id, or InvalidLocator if id is absent or removed.
func (idx *Index) Find(id core.ID) core.Locator {
	for cur := idx.bucket(id).Load(); cur != 0; {
		nd := &idx.nodes[cur]
		if nd.id == id {
			return core.Locator(nd.locator.Load())
		}
		cur = nd.next.Load()
	}
	return core.InvalidLocator
}

// Remove clears the locator of id. It reports false if id is absent or already removed.
func (idx *Index) Remove(id core.ID) bool {
	for cur := idx.bucket(id).Load(); cur != 0; {
		nd := &idx.nodes[cur]
		if nd.id == id {
			loc := nd.locator.Load()
			if loc == uint64(core.InvalidLocator) {
				return false
			}
			if !nd.locator.CompareAndSwap(loc, uint64(core.InvalidLocator)) {
				return false
			}
			idx.live.Add(-1)
			return true
		}
		cur = nd.next.Load()
	}
	return false
}

// Len returns the number of ids currently mapped to a valid locator.
func (idx *Index) Len() int {
	return int(idx.live.Load())
}

// Used returns the number of arena nodes consumed, including removed ids.
func (idx *Index) Used() int {
	used := idx.cursor.Load()
	if limit := uint64(len(idx.nodes) - 1); used > limit {
		used = limit
	}
	return int(used)
}
