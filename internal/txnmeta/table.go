package txnmeta

import (
	"errors"
	"sync/atomic"

	"github.com/hupe1980/mvccdb/internal/core"
)

const (
	pageBits = 16
	pageSize = 1 << pageBits
	pageMask = pageSize - 1

	blockBits = 16
	blockSize = 1 << blockBits
	blockMask = blockSize - 1

	dirBits = TimestampBits - pageBits - blockBits
	dirSize = 1 << dirBits
)

// ErrTimestampsExhausted is returned when the timestamp sequence overflows the entry format.
var ErrTimestampsExhausted = errors.New("txnmeta: timestamp space exhausted")

type page struct {
	entries [pageSize]atomic.Uint64
}

type block struct {
	pages [blockSize]atomic.Pointer[page]
}

// Table maps every allocated timestamp to its packed Entry.
//
// Entries live in lazily allocated pages behind a two-level directory so that
// lookups never take a lock. Pages entirely behind the truncation point are
// released by Truncate; reading an entry on a released page is a protocol bug.
type Table struct {
	dir       [dirSize]atomic.Pointer[block]
	last      atomic.Uint64
	truncated atomic.Uint64 // pages below this index have been released
	released  atomic.Uint64
}

// NewTable creates an empty table. The first allocated timestamp is 1.
func NewTable() *Table {
	return &Table{}
}

// Allocate draws the next timestamp from the global sequence.
func (t *Table) Allocate() (core.Timestamp, error) {
	ts := core.Timestamp(t.last.Add(1))
	if ts > MaxTimestamp {
		return core.InvalidTimestamp, ErrTimestampsExhausted
	}
	return ts, nil
}

// LastAllocated returns the most recently allocated timestamp.
func (t *Table) LastAllocated() core.Timestamp {
	return core.Timestamp(t.last.Load())
}

// Load returns the entry for ts. Timestamps whose page was never touched are uninitialized.
func (t *Table) Load(ts core.Timestamp) Entry {
	slot := t.slot(ts, false)
	if slot == nil {
		return Uninitialized
	}
	return Entry(slot.Load())
}

func (t *Table) slot(ts core.Timestamp, create bool) *atomic.Uint64 {
	core.Invariant(ts.IsValid() && ts <= MaxTimestamp, "timestamp %d out of range", ts)

	pageIdx := uint64(ts) >> pageBits
	core.Invariant(pageIdx >= t.truncated.Load(),
		"txn metadata for timestamp %d was truncated", ts)

	b := t.dir[pageIdx>>blockBits].Load()
	if b == nil {
		if !create {
			return nil
		}
		fresh := &block{}
		if t.dir[pageIdx>>blockBits].CompareAndSwap(nil, fresh) {
			b = fresh
		} else {
			b = t.dir[pageIdx>>blockBits].Load()
		}
	}

	p := b.pages[pageIdx&blockMask].Load()
	if p == nil {
		if !create {
			return nil
		}
		fresh := &page{}
		if b.pages[pageIdx&blockMask].CompareAndSwap(nil, fresh) {
			p = fresh
		} else {
			p = b.pages[pageIdx&blockMask].Load()
		}
	}
	return &p.entries[uint64(ts)&pageMask]
}

func (t *Table) cas(ts core.Timestamp, expected, desired Entry) bool {
	return t.slot(ts, true).CompareAndSwap(uint64(expected), uint64(desired))
}

// SealUninitialized seals ts if nobody has claimed it yet.
// It reports whether this call sealed the entry.
func (t *Table) SealUninitialized(ts core.Timestamp) bool {
	return t.cas(ts, Uninitialized, Sealed)
}

// BeginActive claims ts as the begin-ts of an active transaction.
// It fails if a concurrent scan sealed ts first.
func (t *Table) BeginActive(ts core.Timestamp) bool {
	return t.cas(ts, Uninitialized, newEntry(statusActive, core.InvalidLogHandle, core.InvalidTimestamp))
}

// RegisterCommit claims commitTS as a validating commit-ts linked to beginTS and its log.
// It fails if a concurrent scan sealed commitTS first.
func (t *Table) RegisterCommit(commitTS, beginTS core.Timestamp, handle core.LogHandle) bool {
	core.Invariant(handle.IsValid(), "registering commit %d with log handle %d", commitTS, handle)
	return t.cas(commitTS, Uninitialized, newEntry(statusValidating, handle, beginTS))
}

// SetSubmitted links the active beginTS to its registered commitTS.
func (t *Table) SetSubmitted(beginTS, commitTS core.Timestamp) {
	expected := t.Load(beginTS)
	core.Invariant(expected.IsActive(), "submitting begin_ts %d in state %s", beginTS, expected)
	ok := t.cas(beginTS, expected, newEntry(statusSubmitted, core.InvalidLogHandle, commitTS))
	core.Invariant(ok, "begin_ts %d changed while being submitted", beginTS)
}

// SetTerminated marks the active beginTS as rolled back.
func (t *Table) SetTerminated(beginTS core.Timestamp) {
	expected := t.Load(beginTS)
	core.Invariant(expected.IsActive(), "terminating begin_ts %d in state %s", beginTS, expected)
	ok := t.cas(beginTS, expected, expected.withStatus(statusTerminated))
	core.Invariant(ok, "begin_ts %d changed while being terminated", beginTS)
}

// UpdateDecision records the outcome of validating commitTS.
// If another thread decided first, its decision must match.
func (t *Table) UpdateDecision(commitTS core.Timestamp, committed bool) {
	status := statusAborted
	if committed {
		status = statusCommitted
	}

	expected := t.Load(commitTS)
	core.Invariant(expected.IsCommit(), "deciding timestamp %d in state %s", commitTS, expected)
	if expected.IsValidating() && t.cas(commitTS, expected, expected.withStatus(status)) {
		return
	}

	actual := t.Load(commitTS)
	core.Invariant(actual.IsDecided(), "commit_ts %d not decided after failed decision", commitTS)
	core.Invariant(actual.IsCommitted() == committed,
		"inconsistent decision for commit_ts %d: have %s, want committed=%t", commitTS, actual, committed)
}

// SetDurable marks a decided commitTS as persisted.
func (t *Table) SetDurable(commitTS core.Timestamp) {
	for {
		expected := t.Load(commitTS)
		core.Invariant(expected.IsDecided(), "marking undecided commit_ts %d durable", commitTS)
		if expected.IsDurable() {
			return
		}
		if t.cas(commitTS, expected, Entry(uint64(expected)|durableBit)) {
			return
		}
	}
}

// InvalidateLogHandle takes ownership of the log of a decided commitTS for garbage collection.
// It makes a single attempt and reports false on contention or if the handle is already gone.
func (t *Table) InvalidateLogHandle(commitTS core.Timestamp) bool {
	expected := t.Load(commitTS)
	core.Invariant(expected.IsDecided(), "invalidating log of undecided commit_ts %d", commitTS)
	if !expected.LogHandle().IsValid() {
		return false
	}
	desired := Entry(uint64(expected)&^handleMask | uint64(core.InvalidatedLogHandle)<<handleShift)
	return t.cas(commitTS, expected, desired)
}

// SetGCComplete marks the log of commitTS as reclaimed. It reports false on contention.
func (t *Table) SetGCComplete(commitTS core.Timestamp) bool {
	expected := t.Load(commitTS)
	core.Invariant(expected.LogHandle() == core.InvalidatedLogHandle,
		"gc-complete on commit_ts %d with live log handle", commitTS)
	return t.cas(commitTS, expected, Entry(uint64(expected)|gcCompleteBit))
}

// Truncate releases every page whose timestamps all precede upTo.
// It is safe to call concurrently; each page is released exactly once.
func (t *Table) Truncate(upTo core.Timestamp) {
	for {
		pageIdx := t.truncated.Load()
		if (pageIdx+1)<<pageBits > uint64(upTo) {
			return
		}
		if !t.truncated.CompareAndSwap(pageIdx, pageIdx+1) {
			continue
		}
		if b := t.dir[pageIdx>>blockBits].Load(); b != nil {
			if b.pages[pageIdx&blockMask].Swap(nil) != nil {
				t.released.Add(1)
			}
		}
	}
}

// ReleasedPages returns how many pages Truncate has released.
func (t *Table) ReleasedPages() uint64 {
	return t.released.Load()
}
