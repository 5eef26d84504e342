// Package locator implements the locator -> offset indirection layer.
//
// The shared Table is the single source of truth for the visible version of every
// object. It is written only by log application, exactly once per committed
// transaction and strictly in commit-ts order. Each transaction works on a private
// Snapshot: a copy of the shared table plus the replay of every committed log the
// copy may not yet reflect.
package locator

import (
	"errors"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/txnlog"
)

// DefaultCapacity is the default number of locators.
const DefaultCapacity = 1 << 20

// ErrLocatorsExhausted is returned when every locator has been handed out.
var ErrLocatorsExhausted = errors.New("locator: locator space exhausted")

// Table is the shared, fixed-capacity locator table.
type Table struct {
	offsets     []atomic.Uint64 // index 0 is the invalid locator
	last        atomic.Uint64
	lastApplied atomic.Uint64
}

// NewTable creates a table with room for capacity locators.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{offsets: make([]atomic.Uint64, capacity+1)}
}

// Capacity returns the number of locators the table can hold.
func (t *Table) Capacity() int {
	return len(t.offsets) - 1
}

// Allocate hands out a fresh locator. Locators are never reused.
func (t *Table) Allocate() (core.Locator, error) {
	for {
		last := t.last.Load()
		if last >= uint64(t.Capacity()) {
			return core.InvalidLocator, ErrLocatorsExhausted
		}
		if t.last.CompareAndSwap(last, last+1) {
			return core.Locator(last + 1), nil
		}
	}
}

// Allocated returns the highest locator handed out so far.
func (t *Table) Allocated() core.Locator {
	return core.Locator(t.last.Load())
}

// Get returns the shared offset of loc.
func (t *Table) Get(loc core.Locator) core.Offset {
	if !loc.IsValid() || uint64(loc) > t.last.Load() {
		return core.InvalidOffset
	}
	return core.Offset(t.offsets[loc].Load())
}

// Apply merges a sealed, committed log into the shared table.
//
// Re-applying a log leaves the table unchanged. Any other starting value means a
// conflicting write slipped past validation, which is fatal.
func (t *Table) Apply(log *txnlog.Log) {
	log.Changes(func(c txnlog.Change) {
		core.Invariant(uint64(c.Locator) <= t.last.Load(), "applying unallocated locator %d", c.Locator)
		cur := core.Offset(t.offsets[c.Locator].Load())
		core.Invariant(cur == c.Before || cur == c.After,
			"locator %d holds offset %d, expected %d or %d", c.Locator, cur, c.Before, c.After)
		t.offsets[c.Locator].Store(uint64(c.After))
	})
}

// MarkApplied records that the log of commitTS has been applied.
// Logs must be applied in strictly increasing commit-ts order.
func (t *Table) MarkApplied(commitTS core.Timestamp) {
	prev := t.lastApplied.Swap(uint64(commitTS))
	core.Invariant(prev < uint64(commitTS), "log of commit_ts %d applied after commit_ts %d", commitTS, prev)
}

// LastApplied returns the commit-ts of the most recently applied log.
func (t *Table) LastApplied() core.Timestamp {
	return core.Timestamp(t.lastApplied.Load())
}

// Snapshot copies the shared table into a new private snapshot.
func (t *Table) Snapshot() *Snapshot {
	n := t.last.Load()
	s := &Snapshot{offsets: make([]core.Offset, n+1)}
	for i := uint64(1); i <= n; i++ {
		s.offsets[i] = core.Offset(t.offsets[i].Load())
	}
	return s
}

// Snapshot is a transaction-private view of the locator table.
type Snapshot struct {
	offsets []core.Offset
}

// Get returns the offset of loc visible in the snapshot.
func (s *Snapshot) Get(loc core.Locator) core.Offset {
	if uint64(loc) >= uint64(len(s.offsets)) {
		return core.InvalidOffset
	}
	return s.offsets[loc]
}

// Set points loc at off in the snapshot only.
func (s *Snapshot) Set(loc core.Locator, off core.Offset) {
	core.Invariant(loc.IsValid(), "setting invalid locator")
	if need := uint64(loc) + 1; need > uint64(len(s.offsets)) {
		grown := make([]core.Offset, need, max(need, uint64(2*len(s.offsets))))
		copy(grown, s.offsets)
		s.offsets = grown
	}
	s.offsets[loc] = off
}

// Replay applies a committed log to the snapshot. Replaying a log twice is the same
// as replaying it once.
func (s *Snapshot) Replay(log *txnlog.Log) {
	for _, rec := range log.Records() {
		s.Set(rec.Locator, rec.New)
	}
}

// Len returns one past the highest locator the snapshot covers.
func (s *Snapshot) Len() int {
	return len(s.offsets)
}
