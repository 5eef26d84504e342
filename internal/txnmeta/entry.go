package txnmeta

import (
	"fmt"

	"github.com/hupe1980/mvccdb/internal/core"
)

// Entry is the packed 64-bit metadata word stored for one timestamp.
//
// Layout (most significant bit first):
//
//	63..61  status (3 bits)
//	60      gc-complete flag (commit entries)
//	59      durable flag (commit entries)
//	58      reserved
//	57..42  log handle (commit entries)
//	41..0   linked timestamp: commit-ts for a submitted begin entry, begin-ts for a commit entry
//
// Status values:
//
//	begin:  terminated 0b001, active 0b010, submitted 0b011
//	commit: validating 0b100, aborted 0b110, committed 0b111
//
// The all-zero word is uninitialized. The word with status 0b101 and no other bits is
// sealed: the timestamp was claimed by a scan and can never be used.
type Entry uint64

const (
	statusShift = 61
	statusBits  = 3
	statusMask  = uint64(1<<statusBits-1) << statusShift

	gcCompleteBit = uint64(1) << 60
	durableBit    = uint64(1) << 59

	handleShift = 42
	handleBits  = 16
	handleMask  = uint64(1<<handleBits-1) << handleShift

	// TimestampBits is the width of the linked timestamp field.
	TimestampBits = 42
	tsMask        = uint64(1)<<TimestampBits - 1

	// MaxTimestamp is the largest timestamp representable in an entry.
	MaxTimestamp = core.Timestamp(tsMask)
)

const (
	statusTerminated = uint64(0b001)
	statusActive     = uint64(0b010)
	statusSubmitted  = uint64(0b011)
	statusValidating = uint64(0b100)
	statusSealed     = uint64(0b101)
	statusAborted    = uint64(0b110)
	statusCommitted  = uint64(0b111)

	commitMask  = uint64(0b100)
	decidedMask = uint64(0b110)
)

const (
	// Uninitialized is the word of a timestamp nobody has claimed.
	Uninitialized Entry = 0
	// Sealed is the word of a timestamp that may never be used.
	Sealed = Entry(statusSealed << statusShift)
)

func newEntry(status uint64, handle core.LogHandle, linked core.Timestamp) Entry {
	core.Invariant(uint64(linked) <= tsMask, "timestamp %d exceeds %d bits", linked, TimestampBits)
	return Entry(status<<statusShift | uint64(handle)<<handleShift | uint64(linked))
}

func (e Entry) status() uint64 { return (uint64(e) & statusMask) >> statusShift }

func (e Entry) withStatus(s uint64) Entry {
	return Entry(uint64(e)&^statusMask | s<<statusShift)
}

// IsUninitialized reports whether nobody has claimed the timestamp yet.
func (e Entry) IsUninitialized() bool { return e == Uninitialized }

// IsSealed reports whether the timestamp was sealed by a scan.
func (e Entry) IsSealed() bool { return e == Sealed }

// IsBegin reports whether the timestamp is a begin-ts.
func (e Entry) IsBegin() bool {
	return !e.IsUninitialized() && e.status()&commitMask == 0
}

// IsCommit reports whether the timestamp is a commit-ts.
func (e Entry) IsCommit() bool {
	return !e.IsSealed() && e.status()&commitMask != 0
}

// IsActive reports whether a begin-ts belongs to a transaction that is still open.
func (e Entry) IsActive() bool { return e.status() == statusActive }

// IsSubmitted reports whether a begin-ts has been linked to a commit-ts.
func (e Entry) IsSubmitted() bool { return e.status() == statusSubmitted }

// IsTerminated reports whether a begin-ts belongs to a rolled back transaction.
func (e Entry) IsTerminated() bool { return e.status() == statusTerminated }

// IsValidating reports whether a commit-ts is still undecided.
func (e Entry) IsValidating() bool { return e.status() == statusValidating }

// IsDecided reports whether a commit-ts has been decided either way.
func (e Entry) IsDecided() bool {
	return e.IsCommit() && e.status()&decidedMask == decidedMask
}

// IsCommitted reports whether a commit-ts was decided as committed.
func (e Entry) IsCommitted() bool { return e.status() == statusCommitted }

// IsAborted reports whether a commit-ts was decided as aborted.
func (e Entry) IsAborted() bool { return e.status() == statusAborted }

// IsDurable reports whether the decision of a commit-ts has been persisted.
func (e Entry) IsDurable() bool { return uint64(e)&durableBit != 0 }

// IsGCComplete reports whether the log of a commit-ts has been reclaimed.
func (e Entry) IsGCComplete() bool { return uint64(e)&gcCompleteBit != 0 }

// LogHandle returns the log handle of a commit-ts.
func (e Entry) LogHandle() core.LogHandle {
	return core.LogHandle((uint64(e) & handleMask) >> handleShift)
}

// LinkedTS returns the commit-ts of a submitted begin-ts or the begin-ts of a commit-ts.
func (e Entry) LinkedTS() core.Timestamp { return core.Timestamp(uint64(e) & tsMask) }

func (e Entry) String() string {
	switch {
	case e.IsUninitialized():
		return "uninitialized"
	case e.IsSealed():
		return "sealed"
	}

	var state string
	switch e.status() {
	case statusTerminated:
		state = "terminated"
	case statusActive:
		state = "active"
	case statusSubmitted:
		state = "submitted"
	case statusValidating:
		state = "validating"
	case statusAborted:
		state = "aborted"
	case statusCommitted:
		state = "committed"
	}

	if e.IsBegin() {
		return fmt.Sprintf("begin{%s, commit_ts: %d}", state, e.LinkedTS())
	}
	return fmt.Sprintf("commit{%s, begin_ts: %d, log: %d, durable: %t, gc: %t}",
		state, e.LinkedTS(), e.LogHandle(), e.IsDurable(), e.IsGCComplete())
}
