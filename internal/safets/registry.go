// Package safets implements the safe-timestamp registry: a hazard-pointer style
// publication array that keeps transaction metadata from being reclaimed while a
// session may still dereference it.
package safets

import (
	"errors"
	"math/bits"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/watermark"
)

// DefaultCapacity is the default number of session indexes.
const DefaultCapacity = 128

// ErrIndexesExhausted is returned when every session index is reserved.
var ErrIndexesExhausted = errors.New("safets: all session indexes are reserved")

// Each index owns two slots, so a new reservation is published before the old
// one is cleared and an in-use timestamp is never left unprotected.
type entry struct {
	slots [2]atomic.Uint64
	_     [48]byte // keep neighbouring sessions off the same cache line
}

// Registry holds the published safe timestamps of every session.
type Registry struct {
	watermarks *watermark.Set
	entries    []entry
	reserved   []atomic.Uint64 // bitmap of reserved indexes
}

// New creates a registry with room for capacity concurrent sessions.
func New(watermarks *watermark.Set, capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		watermarks: watermarks,
		entries:    make([]entry, capacity),
		reserved:   make([]atomic.Uint64, (capacity+63)/64),
	}
}

// Capacity returns the number of session indexes.
func (r *Registry) Capacity() int {
	return len(r.entries)
}

// ReserveIndex claims a free session index.
func (r *Registry) ReserveIndex() (int, error) {
	for w := range r.reserved {
		for {
			word := r.reserved[w].Load()
			free := ^word
			if free == 0 {
				break
			}
			bit := bits.TrailingZeros64(free)
			idx := w*64 + bit
			if idx >= len(r.entries) {
				break
			}
			if r.reserved[w].CompareAndSwap(word, word|1<<bit) {
				return idx, nil
			}
		}
	}
	return -1, ErrIndexesExhausted
}

// ReleaseIndex returns a session index to the pool. The index must hold no reservation.
func (r *Registry) ReleaseIndex(idx int) {
	e := &r.entries[idx]
	core.Invariant(e.slots[0].Load() == 0 && e.slots[1].Load() == 0,
		"releasing session index %d with a published safe timestamp", idx)

	w, bit := idx/64, uint(idx%64)
	for {
		word := r.reserved[w].Load()
		core.Invariant(word&(1<<bit) != 0, "releasing unreserved session index %d", idx)
		if r.reserved[w].CompareAndSwap(word, word&^(1<<bit)) {
			return
		}
	}
}

// Reserve publishes ts as the lowest timestamp the session at idx depends on.
//
// It fails without side effects if ts already trails the post-GC watermark, since
// entries behind post-GC may be released at any time. On success the previous
// reservation of idx (if any) is cleared.
func (r *Registry) Reserve(idx int, ts core.Timestamp) bool {
	core.Invariant(ts.IsValid(), "reserving invalid timestamp")
	e := &r.entries[idx]

	slot, other := 0, 1
	if e.slots[0].Load() != 0 {
		slot, other = 1, 0
	}
	core.Invariant(e.slots[slot].Load() == 0, "session index %d has no free safe_ts slot", idx)

	// Publish first, then validate. A truncation scan either observes this slot or
	// took its post-GC snapshot before the publication; see SafeTruncationTS.
	e.slots[slot].Store(uint64(ts))
	if ts < r.watermarks.Get(watermark.PostGC) {
		e.slots[slot].Store(0)
		return false
	}
	e.slots[other].Store(0)
	return true
}

// Release un-publishes every reservation of the session at idx.
func (r *Registry) Release(idx int) {
	e := &r.entries[idx]
	e.slots[0].Store(0)
	e.slots[1].Store(0)
}

// Published returns the lowest timestamp currently published by idx, or 0.
func (r *Registry) Published(idx int) core.Timestamp {
	e := &r.entries[idx]
	a, b := e.slots[0].Load(), e.slots[1].Load()
	switch {
	case a == 0:
		return core.Timestamp(b)
	case b == 0 || a < b:
		return core.Timestamp(a)
	default:
		return core.Timestamp(b)
	}
}

// SafeTruncationTS returns the highest timestamp the metadata table may be truncated to:
// the minimum of a post-GC snapshot taken before the scan and every published reservation.
//
// Suppose Reserve(ts) returned true. It published ts at time P and then read post-GC <= ts
// at time V > P. If this scan read the slot after P it saw ts and the result is <= ts.
// Otherwise the scan read the slot before P, so its post-GC snapshot was taken even
// earlier and is <= post-GC at V <= ts. Either way the result is <= ts, and pre-truncate,
// which only advances to this result, never passes ts while it stays published.
func (r *Registry) SafeTruncationTS() core.Timestamp {
	safe := uint64(r.watermarks.Get(watermark.PostGC))

	for w := range r.reserved {
		word := r.reserved[w].Load()
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << bit

			e := &r.entries[w*64+bit]
			for s := range e.slots {
				if v := e.slots[s].Load(); v != 0 && v < safe {
					safe = v
				}
			}
		}
	}
	return core.Timestamp(safe)
}
